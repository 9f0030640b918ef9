// v0
// internal/machine/phase.go
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tcalmant/nfc-voting/internal/binding"
)

// ErrWrongPhase is returned when an operation is attempted outside its phase.
var ErrWrongPhase = errors.New("operation not allowed in current phase")

// Phase is the machine-wide operating mode.
type Phase int

const (
	// Assignment pairs readers with vote values.
	Assignment Phase = iota
	// Voting turns tag detections into vote events.
	Voting
)

func (p Phase) String() string {
	switch p {
	case Assignment:
		return "assignment"
	case Voting:
		return "voting"
	default:
		return "unknown"
	}
}

// Gate owns the current phase and the binding snapshot used while voting.
// The coordinator and the dispatcher receive the same Gate.
type Gate struct {
	mu       sync.RWMutex
	log      *slog.Logger
	phase    Phase
	bindings *binding.Store
}

// NewGate starts in the Assignment phase.
func NewGate(log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{log: log, phase: Assignment}
}

// Phase returns the current phase.
func (g *Gate) Phase() Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.phase
}

// Require fails with ErrWrongPhase unless the gate is in p.
func (g *Gate) Require(p Phase) error {
	if cur := g.Phase(); cur != p {
		return fmt.Errorf("%w: need %s, in %s", ErrWrongPhase, p, cur)
	}
	return nil
}

// StartVoting freezes bindings and enters the Voting phase.
func (g *Gate) StartVoting(s *binding.Store) error {
	if s == nil || s.Len() == 0 {
		return fmt.Errorf("%w: voting requires at least one binding", ErrWrongPhase)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase != Assignment {
		return fmt.Errorf("%w: already %s", ErrWrongPhase, g.phase)
	}
	g.phase = Voting
	g.bindings = s
	g.log.Info("phase_changed", slog.String("phase", Voting.String()), slog.Int("bindings", s.Len()))
	return nil
}

// Reset returns to the Assignment phase and drops the voting snapshot.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phase == Assignment {
		return
	}
	g.phase = Assignment
	g.bindings = nil
	g.log.Info("phase_changed", slog.String("phase", Assignment.String()))
}

// Bindings returns the voting snapshot, nil outside the Voting phase.
func (g *Gate) Bindings() *binding.Store {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bindings
}
