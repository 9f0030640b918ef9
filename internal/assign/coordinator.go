// v1
// internal/assign/coordinator.go
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/machine"
)

var (
	// ErrInsufficientValues means the assignment phase cannot pair every value
	// with a reader, or a reader asked for a value after the list ran out.
	ErrInsufficientValues = errors.New("insufficient values")
	// ErrDuplicateValue rejects value lists naming the same value twice.
	ErrDuplicateValue = errors.New("duplicate vote value")
	// ErrNoValues rejects an empty value list.
	ErrNoValues = errors.New("no vote values configured")
	// ErrNotArmed is returned for tags on readers that are not awaiting one.
	ErrNotArmed = errors.New("reader is not awaiting a tag")
	// ErrNoUnboundReader is returned by ArmNext when nothing is left to arm.
	ErrNoUnboundReader = errors.New("no unbound reader to arm")
)

// State is the per-reader assignment state.
type State int

const (
	Unbound State = iota
	AwaitingTag
	Bound
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case AwaitingTag:
		return "awaiting_tag"
	case Bound:
		return "bound"
	default:
		return "unknown"
	}
}

// Options tune the coordinator.
type Options struct {
	// AutoArm moves every attached reader to AwaitingTag on discovery, so the
	// first reader to see a tag takes the next value.
	AutoArm bool
	// Guided keeps exactly one reader armed at a time: the earliest
	// discovered unbound reader is armed whenever no reader awaits a tag.
	Guided bool
}

// ReaderStatus is a point-in-time view of one reader.
type ReaderStatus struct {
	Reader   string        `json:"reader"`
	State    State         `json:"-"`
	StateStr string        `json:"state"`
	Value    binding.Value `json:"value,omitempty"`
	Attached bool          `json:"attached"`
}

// Report summarises progress for the operator.
type Report struct {
	Bound     []binding.Binding
	Unbound   []string
	Remaining []binding.Value
	Aborted   []string
}

type readerState struct {
	seq      uint64
	state    State
	value    binding.Value
	attached bool
}

// Coordinator pairs readers with values. Value allocation happens under a
// single mutex so two readers can never receive the same value.
type Coordinator struct {
	mu       sync.Mutex
	log      *slog.Logger
	gate     *machine.Gate
	saver    binding.Saver
	values   []binding.Value
	owner    map[binding.Value]string
	readers  map[string]*readerState
	aborted  []string
	autoArm  bool
	guided   bool
	done     chan struct{}
	doneSent bool
}

// New validates values and subscribes to registry hot-plug changes. Readers
// already attached are registered in discovery order.
func New(values []binding.Value, reg *device.Registry, gate *machine.Gate, saver binding.Saver, opts Options, log *slog.Logger) (*Coordinator, error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil || gate == nil {
		return nil, errors.New("coordinator requires a registry and a phase gate")
	}
	if len(values) == 0 {
		return nil, ErrNoValues
	}
	seen := make(map[binding.Value]struct{}, len(values))
	for _, v := range values {
		if err := binding.ValidValue(v); err != nil {
			return nil, fmt.Errorf("value %q: %w", v, err)
		}
		if _, dup := seen[v]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateValue, v)
		}
		seen[v] = struct{}{}
	}
	if err := gate.Require(machine.Assignment); err != nil {
		return nil, err
	}

	c := &Coordinator{
		log:     log,
		gate:    gate,
		saver:   saver,
		values:  append([]binding.Value(nil), values...),
		owner:   make(map[binding.Value]string, len(values)),
		readers: make(map[string]*readerState),
		autoArm: opts.AutoArm,
		guided:  opts.Guided && !opts.AutoArm,
		done:    make(chan struct{}),
	}
	reg.Subscribe(c.onChange)
	for _, h := range reg.Active() {
		c.register(h)
	}
	c.mu.Lock()
	c.armIdleLocked()
	c.mu.Unlock()
	c.log.Info("assignment_started", slog.Int("values", len(values)), slog.Bool("autoArm", opts.AutoArm), slog.Bool("guided", c.guided))
	return c, nil
}

func (c *Coordinator) onChange(ch device.Change) {
	switch ch.Kind {
	case device.Attached:
		c.register(ch.Handle)
	case device.Detached:
		c.detach(ch.Handle.ID)
	}
}

func (c *Coordinator) register(h device.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.readers[h.ID]
	if !ok {
		rs = &readerState{state: Unbound}
		c.readers[h.ID] = rs
	}
	rs.seq = h.Seq
	rs.attached = true
	if c.autoArm && rs.state == Unbound {
		if err := c.armLocked(h.ID, rs); err != nil {
			c.log.Warn("reader_not_armed", slog.String("reader", h.ID), slog.Any("err", err))
		}
	}
	c.armIdleLocked()
}

func (c *Coordinator) detach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.readers[id]
	if !ok {
		return
	}
	rs.attached = false
	if rs.state == AwaitingTag {
		rs.state = Unbound
		c.aborted = append(c.aborted, id)
		c.log.Warn("assignment_aborted", slog.String("reader", id), slog.Any("err", device.ErrReaderDetached))
		c.armIdleLocked()
	}
}

// Arm moves an unbound reader to AwaitingTag. Arming a reader that is
// already awaiting or bound is a no-op.
func (c *Coordinator) Arm(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.readers[id]
	if !ok {
		return fmt.Errorf("arm %q: %w", id, device.ErrUnknownReader)
	}
	if !rs.attached {
		return fmt.Errorf("arm %q: %w", id, device.ErrReaderDetached)
	}
	return c.armLocked(id, rs)
}

// ArmNext arms the earliest discovered unbound reader.
func (c *Coordinator) ArmNext() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armNextLocked()
}

func (c *Coordinator) armNextLocked() (string, error) {
	var (
		pick   string
		pickRS *readerState
	)
	for id, rs := range c.readers {
		if !rs.attached || rs.state != Unbound {
			continue
		}
		if pickRS == nil || rs.seq < pickRS.seq {
			pick, pickRS = id, rs
		}
	}
	if pickRS == nil {
		return "", ErrNoUnboundReader
	}
	return pick, c.armLocked(pick, pickRS)
}

// armIdleLocked arms the next reader in guided mode when none is waiting.
func (c *Coordinator) armIdleLocked() {
	if !c.guided || c.remainingLocked() == 0 {
		return
	}
	for _, rs := range c.readers {
		if rs.attached && rs.state == AwaitingTag {
			return
		}
	}
	_, _ = c.armNextLocked()
}

func (c *Coordinator) armLocked(id string, rs *readerState) error {
	if rs.state != Unbound {
		return nil
	}
	if c.remainingLocked() == 0 {
		c.log.Warn("insufficient_values", slog.String("reader", id), slog.Int("values", len(c.values)))
		return fmt.Errorf("arm %q: %w", id, ErrInsufficientValues)
	}
	rs.state = AwaitingTag
	c.log.Info("reader_armed", slog.String("reader", id))
	return nil
}

// HandleTag consumes a tag seen during assignment. The tag only triggers the
// binding; it is never recorded as a vote. A reader that is already bound
// keeps its binding and the call returns it.
func (c *Coordinator) HandleTag(ev device.TagEvent) (binding.Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.readers[ev.Reader]
	if !ok {
		return binding.Binding{}, fmt.Errorf("tag on %q: %w", ev.Reader, device.ErrUnknownReader)
	}
	switch rs.state {
	case Bound:
		c.log.Debug("assignment_repeat", slog.String("reader", ev.Reader), slog.String("value", string(rs.value)))
		return binding.Binding{Reader: ev.Reader, Value: rs.value}, nil
	case Unbound:
		c.log.Info("tag_ignored_unarmed", slog.String("reader", ev.Reader))
		return binding.Binding{}, fmt.Errorf("tag on %q: %w", ev.Reader, ErrNotArmed)
	}

	v, ok := c.nextValueLocked()
	if !ok {
		rs.state = Unbound
		c.log.Warn("insufficient_values", slog.String("reader", ev.Reader), slog.Int("values", len(c.values)))
		return binding.Binding{}, fmt.Errorf("bind %q: %w", ev.Reader, ErrInsufficientValues)
	}
	rs.state = Bound
	rs.value = v
	c.owner[v] = ev.Reader
	remaining := c.remainingLocked()
	c.log.Info("reader_bound",
		slog.String("reader", ev.Reader),
		slog.String("value", string(v)),
		slog.String("trigger_tag", ev.TagID.String()),
		slog.Int("remaining", remaining),
	)
	if remaining == 0 && !c.doneSent {
		close(c.done)
		c.doneSent = true
	}
	c.armIdleLocked()
	return binding.Binding{Reader: ev.Reader, Value: v}, nil
}

// Unbind forgets a reader's binding and returns its value to the pool.
func (c *Coordinator) Unbind(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.readers[id]
	if !ok {
		return fmt.Errorf("unbind %q: %w", id, device.ErrUnknownReader)
	}
	if rs.state != Bound {
		return nil
	}
	delete(c.owner, rs.value)
	c.log.Info("reader_unbound", slog.String("reader", id), slog.String("value", string(rs.value)))
	rs.value = ""
	rs.state = Unbound
	if c.doneSent {
		c.done = make(chan struct{})
		c.doneSent = false
	}
	if c.autoArm && rs.attached {
		_ = c.armLocked(id, rs)
	}
	c.armIdleLocked()
	return nil
}

func (c *Coordinator) nextValueLocked() (binding.Value, bool) {
	for _, v := range c.values {
		if _, taken := c.owner[v]; !taken {
			return v, true
		}
	}
	return "", false
}

func (c *Coordinator) remainingLocked() int {
	return len(c.values) - len(c.owner)
}

// Done is closed once every value is bound.
func (c *Coordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Binding returns the current binding of a reader.
func (c *Coordinator) Binding(id string) (binding.Binding, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.readers[id]
	if !ok || rs.state != Bound {
		return binding.Binding{}, false
	}
	return binding.Binding{Reader: id, Value: rs.value}, true
}

// Statuses lists every known reader in discovery order.
func (c *Coordinator) Statuses() []ReaderStatus {
	c.mu.Lock()
	out := make([]ReaderStatus, 0, len(c.readers))
	seqs := make(map[string]uint64, len(c.readers))
	for id, rs := range c.readers {
		out = append(out, ReaderStatus{Reader: id, State: rs.state, StateStr: rs.state.String(), Value: rs.value, Attached: rs.attached})
		seqs[id] = rs.seq
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return seqs[out[i].Reader] < seqs[out[j].Reader] })
	return out
}

// Report summarises the assignment for the operator.
func (c *Coordinator) Report() Report {
	var r Report
	for _, st := range c.Statuses() {
		switch st.State {
		case Bound:
			r.Bound = append(r.Bound, binding.Binding{Reader: st.Reader, Value: st.Value})
		default:
			if st.Attached {
				r.Unbound = append(r.Unbound, st.Reader)
			}
		}
	}
	c.mu.Lock()
	for _, v := range c.values {
		if _, taken := c.owner[v]; !taken {
			r.Remaining = append(r.Remaining, v)
		}
	}
	r.Aborted = append([]string(nil), c.aborted...)
	c.mu.Unlock()
	return r
}

// Complete commits the assignment. Every configured value must be bound to
// a reader; otherwise ErrInsufficientValues is returned and nothing is
// persisted. Attached readers left without a value are reported and will
// have their tags dropped while voting.
func (c *Coordinator) Complete() (*binding.Store, error) {
	if err := c.gate.Require(machine.Assignment); err != nil {
		return nil, err
	}
	r := c.Report()
	if len(r.Remaining) > 0 {
		c.log.Error("assignment_incomplete",
			slog.Int("bound", len(r.Bound)),
			slog.Int("values", len(c.values)),
			slog.String("remaining", joinValues(r.Remaining)),
		)
		return nil, fmt.Errorf("%w: %d of %d values have no reader (%s)", ErrInsufficientValues, len(r.Remaining), len(c.values), joinValues(r.Remaining))
	}
	if len(r.Unbound) > 0 {
		c.log.Warn("readers_left_unbound", slog.String("readers", strings.Join(r.Unbound, ",")))
	}
	store, err := binding.NewStore(r.Bound)
	if err != nil {
		return nil, err
	}
	if c.saver != nil {
		if err := c.saver.Save(store); err != nil {
			return nil, fmt.Errorf("persist bindings: %w", err)
		}
	}
	c.log.Info("assignment_complete", slog.Int("bindings", store.Len()))
	return store, nil
}

// Run feeds tags from events into HandleTag until every value is bound, the
// stream closes or ctx ends.
func (c *Coordinator) Run(ctx context.Context, events <-chan device.TagEvent) error {
	for {
		done := c.Done()
		select {
		case <-done:
			return nil
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := c.HandleTag(ev); err != nil {
				c.log.Debug("assignment_tag_rejected", slog.String("reader", ev.Reader), slog.Any("err", err))
			}
		}
	}
}

func joinValues(vs []binding.Value) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}
