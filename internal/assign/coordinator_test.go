// v0
// internal/assign/coordinator_test.go
package assign

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/machine"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	reg   *device.Registry
	gate  *machine.Gate
	saver *recordingSaver
	coord *Coordinator
}

func newFixture(t *testing.T, values []binding.Value, opts Options, readers ...string) *fixture {
	t.Helper()
	f := &fixture{
		reg:   device.NewRegistry(discard()),
		gate:  machine.NewGate(discard()),
		saver: &recordingSaver{},
	}
	for _, r := range readers {
		if _, err := f.reg.Attach(r); err != nil {
			t.Fatalf("attach %s: %v", r, err)
		}
	}
	c, err := New(values, f.reg, f.gate, f.saver, opts, discard())
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	f.coord = c
	return f
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []*binding.Store
	err   error
}

func (r *recordingSaver) Save(s *binding.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, s)
	return nil
}

func tag(reader string) device.TagEvent {
	return device.TagEvent{Reader: reader, TagID: device.TagID{0x01, 0x02}, DetectedAt: time.Now()}
}

func values(vs ...string) []binding.Value {
	out := make([]binding.Value, len(vs))
	for i, v := range vs {
		out[i] = binding.Value(v)
	}
	return out
}

func TestNewRejectsBadValueLists(t *testing.T) {
	reg := device.NewRegistry(discard())
	gate := machine.NewGate(discard())
	if _, err := New(nil, reg, gate, nil, Options{}, discard()); !errors.Is(err, ErrNoValues) {
		t.Fatalf("expected ErrNoValues, got %v", err)
	}
	if _, err := New(values("A", "B", "A"), reg, gate, nil, Options{}, discard()); !errors.Is(err, ErrDuplicateValue) {
		t.Fatalf("expected ErrDuplicateValue, got %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	f := newFixture(t, values("Alice", "Bob"), Options{}, "r1", "r2")
	c := f.coord

	if _, err := c.HandleTag(tag("r1")); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("tag on unarmed reader: expected ErrNotArmed, got %v", err)
	}
	id, err := c.ArmNext()
	if err != nil || id != "r1" {
		t.Fatalf("arm next = %q, %v", id, err)
	}
	b, err := c.HandleTag(tag("r1"))
	if err != nil {
		t.Fatalf("bind r1: %v", err)
	}
	if b.Value != "Alice" {
		t.Fatalf("expected r1 bound to Alice, got %q", b.Value)
	}
	again, err := c.HandleTag(tag("r1"))
	if err != nil || again != b {
		t.Fatalf("second tag on bound reader should return existing binding, got %+v, %v", again, err)
	}
	if err := c.Arm("r1"); err != nil {
		t.Fatalf("arming a bound reader should be a no-op, got %v", err)
	}

	if err := c.Arm("r2"); err != nil {
		t.Fatalf("arm r2: %v", err)
	}
	if _, err := c.HandleTag(tag("r2")); err != nil {
		t.Fatalf("bind r2: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatalf("done should be closed once all values are bound")
	}

	store, err := c.Complete()
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if v, _ := store.Lookup("r2"); v != "Bob" {
		t.Fatalf("expected r2 bound to Bob, got %q", v)
	}
	if len(f.saver.saved) != 1 || !f.saver.saved[0].Equal(store) {
		t.Fatalf("expected the committed store to be persisted once")
	}
}

func TestInjectiveForAnyAttachOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for iter := 0; iter < 50; iter++ {
		nReaders := 1 + rng.Intn(6)
		nValues := nReaders + rng.Intn(3)
		vals := make([]binding.Value, nValues)
		for i := range vals {
			vals[i] = binding.Value(fmt.Sprintf("v%d", i))
		}
		readers := make([]string, nReaders)
		for i := range readers {
			readers[i] = fmt.Sprintf("usb:001:%03d", i)
		}
		rng.Shuffle(len(readers), func(i, j int) { readers[i], readers[j] = readers[j], readers[i] })

		f := newFixture(t, vals, Options{AutoArm: true})
		for _, r := range readers {
			if _, err := f.reg.Attach(r); err != nil {
				t.Fatal(err)
			}
		}
		order := append([]string(nil), readers...)
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for _, r := range order {
			if _, err := f.coord.HandleTag(tag(r)); err != nil {
				t.Fatalf("iter %d: bind %s: %v", iter, r, err)
			}
		}

		used := map[binding.Value]string{}
		allowed := map[binding.Value]bool{}
		for _, v := range vals {
			allowed[v] = true
		}
		for _, r := range readers {
			b, ok := f.coord.Binding(r)
			if !ok {
				t.Fatalf("iter %d: reader %s not bound", iter, r)
			}
			if !allowed[b.Value] {
				t.Fatalf("iter %d: value %q not from the configured list", iter, b.Value)
			}
			if prev, dup := used[b.Value]; dup {
				t.Fatalf("iter %d: value %q bound to %s and %s", iter, b.Value, prev, r)
			}
			used[b.Value] = r
		}

		_, err := f.coord.Complete()
		if nValues == nReaders && err != nil {
			t.Fatalf("iter %d: complete: %v", iter, err)
		}
		if nValues > nReaders && !errors.Is(err, ErrInsufficientValues) {
			t.Fatalf("iter %d: expected ErrInsufficientValues with %d values and %d readers, got %v", iter, nValues, nReaders, err)
		}
	}
}

func TestCompleteWithMoreValuesThanReaders(t *testing.T) {
	f := newFixture(t, values("A", "B", "C"), Options{AutoArm: true}, "r1", "r2")
	for _, r := range []string{"r1", "r2"} {
		if _, err := f.coord.HandleTag(tag(r)); err != nil {
			t.Fatalf("bind %s: %v", r, err)
		}
	}
	store, err := f.coord.Complete()
	if !errors.Is(err, ErrInsufficientValues) {
		t.Fatalf("expected ErrInsufficientValues, got %v", err)
	}
	if store != nil {
		t.Fatalf("no store must be produced on failure")
	}
	if len(f.saver.saved) != 0 {
		t.Fatalf("nothing must be persisted on failure")
	}
	if err := f.gate.StartVoting(store); err == nil {
		t.Fatalf("voting must refuse to start without a committed store")
	}
}

func TestExtraReadersStayUnbound(t *testing.T) {
	f := newFixture(t, values("A"), Options{AutoArm: true}, "r1", "r2")
	if _, err := f.coord.HandleTag(tag("r2")); err != nil {
		t.Fatalf("bind r2: %v", err)
	}
	if _, err := f.coord.HandleTag(tag("r1")); !errors.Is(err, ErrInsufficientValues) {
		t.Fatalf("expected ErrInsufficientValues for the extra reader, got %v", err)
	}
	if _, ok := f.coord.Binding("r1"); ok {
		t.Fatalf("r1 must stay unbound")
	}
	store, err := f.coord.Complete()
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := store.Lookup("r1"); ok {
		t.Fatalf("r1 must not appear in the store")
	}
	if r := f.coord.Report(); len(r.Unbound) != 1 || r.Unbound[0] != "r1" {
		t.Fatalf("expected r1 reported unbound, got %+v", r)
	}
}

func TestDetachAbortsPendingAssignment(t *testing.T) {
	f := newFixture(t, values("A", "B"), Options{}, "r1", "r2")
	if err := f.coord.Arm("r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Arm("r2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.coord.HandleTag(tag("r2")); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Detach("r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Detach("r2"); err != nil {
		t.Fatal(err)
	}
	r := f.coord.Report()
	if len(r.Aborted) != 1 || r.Aborted[0] != "r1" {
		t.Fatalf("expected r1 aborted, got %+v", r.Aborted)
	}
	if b, ok := f.coord.Binding("r2"); !ok || b.Value != "A" {
		t.Fatalf("detach must not erase r2's binding, got %+v %v", b, ok)
	}
	if err := f.coord.Arm("r1"); !errors.Is(err, device.ErrReaderDetached) {
		t.Fatalf("expected ErrReaderDetached, got %v", err)
	}

	if _, err := f.reg.Attach("r1"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Arm("r1"); err != nil {
		t.Fatalf("re-arm after reconnect: %v", err)
	}
	if b, err := f.coord.HandleTag(tag("r1")); err != nil || b.Value != "B" {
		t.Fatalf("expected r1 bound to B, got %+v %v", b, err)
	}
}

func TestUnbindReturnsValue(t *testing.T) {
	f := newFixture(t, values("A", "B"), Options{AutoArm: true}, "r1", "r2")
	_, _ = f.coord.HandleTag(tag("r1"))
	_, _ = f.coord.HandleTag(tag("r2"))
	if err := f.coord.Unbind("r1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.coord.Done():
		t.Fatalf("done must reopen after unbind")
	default:
	}
	b, err := f.coord.HandleTag(tag("r1"))
	if err != nil || b.Value != "A" {
		t.Fatalf("expected r1 to take A back, got %+v %v", b, err)
	}
}

func TestConcurrentTagsKeepOneToOne(t *testing.T) {
	const n = 32
	vals := make([]binding.Value, n)
	readers := make([]string, n)
	for i := 0; i < n; i++ {
		vals[i] = binding.Value(fmt.Sprintf("v%02d", i))
		readers[i] = fmt.Sprintf("r%02d", i)
	}
	f := newFixture(t, vals, Options{AutoArm: true}, readers...)

	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(r string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				_, _ = f.coord.HandleTag(tag(r))
			}
		}(r)
	}
	wg.Wait()

	store, err := f.coord.Complete()
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if store.Len() != n {
		t.Fatalf("expected %d bindings, got %d", n, store.Len())
	}
}

func TestRunStopsWhenAllValuesBound(t *testing.T) {
	f := newFixture(t, values("A", "B"), Options{AutoArm: true}, "r1", "r2")
	events := make(chan device.TagEvent, 4)
	events <- tag("unknown")
	events <- tag("r2")
	events <- tag("r2")
	events <- tag("r1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.coord.Run(ctx, events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if b, _ := f.coord.Binding("r2"); b.Value != "A" {
		t.Fatalf("first tagged reader should take the first value, got %q", b.Value)
	}
}

func TestCompletePersistsThroughFileStore(t *testing.T) {
	reg := device.NewRegistry(discard())
	gate := machine.NewGate(discard())
	fs := binding.NewFileStore(filepath.Join(t.TempDir(), "bindings.properties"), discard())
	_, _ = reg.Attach("usb:001:004")
	c, err := New(values("Alice"), reg, gate, fs, Options{AutoArm: true}, discard())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.HandleTag(tag("usb:001:004")); err != nil {
		t.Fatal(err)
	}
	store, err := c.Complete()
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := fs.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.Equal(store) {
		t.Fatalf("persisted bindings differ from committed store")
	}
}

func TestGuidedArmsOneReaderAtATime(t *testing.T) {
	f := newFixture(t, values("A", "B"), Options{Guided: true}, "r1", "r2")
	if _, err := f.coord.HandleTag(tag("r2")); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("second reader must wait its turn, got %v", err)
	}
	if b, err := f.coord.HandleTag(tag("r1")); err != nil || b.Value != "A" {
		t.Fatalf("r1: %+v %v", b, err)
	}
	if b, err := f.coord.HandleTag(tag("r2")); err != nil || b.Value != "B" {
		t.Fatalf("r2 should be armed after r1 bound: %+v %v", b, err)
	}

	g := newFixture(t, values("A", "B"), Options{Guided: true}, "r1", "r2")
	if err := g.reg.Detach("r1"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if b, err := g.coord.HandleTag(tag("r2")); err != nil || b.Value != "A" {
		t.Fatalf("detach of the armed reader must arm the next one: %+v %v", b, err)
	}
}
