// v0
// internal/machine/phase_test.go
package machine

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/tcalmant/nfc-voting/internal/binding"
)

func TestGateTransitions(t *testing.T) {
	g := NewGate(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if g.Phase() != Assignment {
		t.Fatalf("expected assignment phase, got %s", g.Phase())
	}
	if err := g.Require(Voting); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("expected ErrWrongPhase, got %v", err)
	}
	if err := g.StartVoting(nil); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("voting must not start without bindings, got %v", err)
	}
	empty, _ := binding.NewStore(nil)
	if err := g.StartVoting(empty); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("voting must not start with empty bindings, got %v", err)
	}

	s, err := binding.NewStore([]binding.Binding{{Reader: "r1", Value: "Alice"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.StartVoting(s); err != nil {
		t.Fatalf("start voting: %v", err)
	}
	if err := g.Require(Voting); err != nil {
		t.Fatalf("require voting: %v", err)
	}
	if g.Bindings() != s {
		t.Fatalf("expected voting snapshot to be exposed")
	}
	if err := g.StartVoting(s); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("double start should fail, got %v", err)
	}

	g.Reset()
	if g.Phase() != Assignment || g.Bindings() != nil {
		t.Fatalf("reset did not return to assignment")
	}
}
