// v1
// internal/device/registry.go
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownReader is returned for identities the registry does not track.
	ErrUnknownReader = errors.New("unknown reader")
	// ErrReaderDetached reports a reader that went away mid-operation.
	ErrReaderDetached = errors.New("reader detached")
	// ErrEmptyIdentity rejects blank device identities.
	ErrEmptyIdentity = errors.New("reader identity must not be empty")
)

// Handle identifies one attached reader. Seq records discovery order.
type Handle struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	AttachedAt time.Time `json:"attachedAt"`
}

// ChangeKind distinguishes attach from detach notifications.
type ChangeKind int

const (
	Attached ChangeKind = iota
	Detached
)

func (k ChangeKind) String() string {
	switch k {
	case Attached:
		return "attached"
	case Detached:
		return "detached"
	default:
		return "unknown"
	}
}

// Change is delivered to listeners after the registry state changed.
type Change struct {
	Kind   ChangeKind
	Handle Handle
}

// Listener observes hot-plug changes. Listeners run on the caller's goroutine
// with no registry lock held.
type Listener func(Change)

// Registry tracks the readers currently attached to the machine.
type Registry struct {
	mu        sync.RWMutex
	log       *slog.Logger
	now       func() time.Time
	seq       uint64
	active    map[string]Handle
	listeners []Listener
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:    log,
		now:    time.Now,
		active: make(map[string]Handle),
	}
}

// Subscribe registers a listener for subsequent attach/detach changes.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Attach records a newly connected reader. Attaching an identity that is
// already active returns the existing handle without notifying listeners.
func (r *Registry) Attach(id string) (Handle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Handle{}, ErrEmptyIdentity
	}
	r.mu.Lock()
	if h, ok := r.active[id]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.seq++
	h := Handle{ID: id, Seq: r.seq, AttachedAt: r.now().UTC()}
	r.active[id] = h
	listeners := append([]Listener(nil), r.listeners...)
	count := len(r.active)
	r.mu.Unlock()

	r.log.Info("reader_attached", slog.String("reader", id), slog.Uint64("seq", h.Seq), slog.Int("active", count))
	notify(listeners, Change{Kind: Attached, Handle: h})
	return h, nil
}

// Detach forgets an attached reader. Persisted bindings are not touched.
func (r *Registry) Detach(id string) error {
	id = strings.TrimSpace(id)
	r.mu.Lock()
	h, ok := r.active[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("detach %q: %w", id, ErrUnknownReader)
	}
	delete(r.active, id)
	listeners := append([]Listener(nil), r.listeners...)
	count := len(r.active)
	r.mu.Unlock()

	r.log.Info("reader_detached", slog.String("reader", id), slog.Int("active", count))
	notify(listeners, Change{Kind: Detached, Handle: h})
	return nil
}

// Lookup returns the handle of an active reader.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.active[id]
	return h, ok
}

// Active lists attached readers in discovery order.
func (r *Registry) Active() []Handle {
	r.mu.RLock()
	out := make([]Handle, 0, len(r.active))
	for _, h := range r.active {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len reports the number of attached readers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Sync reconciles the registry with a fresh device listing: new identities are
// attached in the listed order and vanished ones detached.
func (r *Registry) Sync(ids []string) (attached, detached []string) {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.Lookup(id); ok {
			continue
		}
		if _, err := r.Attach(id); err == nil {
			attached = append(attached, id)
		}
	}
	for _, h := range r.Active() {
		if _, ok := seen[h.ID]; ok {
			continue
		}
		if err := r.Detach(h.ID); err == nil {
			detached = append(detached, h.ID)
		}
	}
	return attached, detached
}

func notify(listeners []Listener, c Change) {
	for _, l := range listeners {
		l(c)
	}
}
