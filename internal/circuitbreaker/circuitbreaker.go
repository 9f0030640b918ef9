// v1
// internal/circuitbreaker/circuitbreaker.go
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open; fast-fail")

// Config holds the breaker tunables.
type Config struct {
	MaxFailures      int           // consecutive failures before opening
	ResetTimeout     time.Duration // how long to stay open before probing
	SuccessesToClose int           // successes required in HalfOpen before closing
}

func (c Config) withDefaults() Config {
	if c.MaxFailures < 1 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessesToClose < 1 {
		c.SuccessesToClose = 1
	}
	return c
}

type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	changed   bool
	onChange  func(name string, s State)

	probe func(ctx context.Context) error
}

func New(name string, cfg Config, probe func(ctx context.Context) error, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		state:  Closed,
		probe:  probe,
	}
	b.logger.Info("breaker_created", "name", name, "maxFailures", cfg.MaxFailures, "resetTimeout", cfg.ResetTimeout.String(), "successesToClose", cfg.SuccessesToClose)
	return b
}

// OnStateChange registers a hook called (without the lock held) after each
// state transition.
func (b *Breaker) OnStateChange(fn func(name string, s State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.state == Open {
		since := b.now().Sub(b.openedAt)
		if since < b.cfg.ResetTimeout {
			b.mu.Unlock()
			b.logger.Warn("breaker_fast_fail", "name", b.name, "since_open", since.String())
			return ErrOpen
		}
		b.setStateLocked(HalfOpen)
	}
	halfOpen := b.state == HalfOpen
	b.mu.Unlock()
	b.fireChange()

	if halfOpen && b.probe != nil {
		if err := b.probe(ctx); err != nil {
			b.logger.Warn("breaker_probe_failed", "name", b.name, "error", err.Error())
			b.mu.Lock()
			b.tripLocked()
			b.mu.Unlock()
			b.fireChange()
			return ErrOpen
		}
		b.logger.Info("breaker_probe_ok", "name", b.name)
	}

	err := op(ctx)
	if err == nil {
		b.onSuccess()
	} else {
		b.onFailure(err)
	}
	b.fireChange()
	return err
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != HalfOpen {
		return
	}
	b.successes++
	if b.successes >= b.cfg.SuccessesToClose {
		b.setStateLocked(Closed)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.logger.Warn("operation_failure", "name", b.name, "failures", b.failures, "error", err.Error())
	if b.state == HalfOpen || b.failures >= b.cfg.MaxFailures {
		b.tripLocked()
	}
}

func (b *Breaker) tripLocked() {
	b.openedAt = b.now()
	b.setStateLocked(Open)
	b.logger.Error("breaker_opened", "name", b.name, "maxFailures", b.cfg.MaxFailures)
}

func (b *Breaker) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.logger.Info("breaker_state_change", "name", b.name, "from", b.state.String(), "to", s.String())
	b.state = s
	b.successes = 0
	if s == Closed {
		b.failures = 0
	}
	b.changed = true
}

func (b *Breaker) fireChange() {
	b.mu.Lock()
	fn := b.onChange
	changed := b.changed
	state := b.state
	b.changed = false
	b.mu.Unlock()
	if changed && fn != nil {
		fn(b.name, state)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
