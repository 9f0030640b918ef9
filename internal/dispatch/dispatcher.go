// v1
// internal/dispatch/dispatcher.go
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/machine"
	"github.com/tcalmant/nfc-voting/internal/metrics"
	"github.com/tcalmant/nfc-voting/internal/publish"
)

var (
	ErrUnboundReader  = errors.New("tag from unbound reader")
	ErrMalformedEvent = errors.New("malformed tag event")
	ErrQueueFull      = errors.New("reader queue full")
	ErrVoteLost       = errors.New("vote lost")
	ErrStopped        = errors.New("dispatcher stopped")
)

// Outcome is the fate of one tag event.
type Outcome int

const (
	Published Outcome = iota
	Dropped
	Lost
)

func (o Outcome) String() string {
	switch o {
	case Published:
		return "published"
	case Dropped:
		return "dropped"
	case Lost:
		return "lost"
	default:
		return "unknown"
	}
}

// Config bounds publish attempts and per-reader intake.
type Config struct {
	PublishTimeout time.Duration
	QueueSize      int
}

func (c Config) withDefaults() Config {
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.QueueSize < 1 {
		c.QueueSize = 64
	}
	return c
}

// LostVoteRecorder keeps votes that exhausted their publish attempts.
type LostVoteRecorder interface {
	Record(ev publish.VoteEvent, cause error) error
}

// Stats counts outcomes since the dispatcher was created.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Lost      uint64 `json:"lost"`
}

type Option func(*Dispatcher)

func WithJournal(r LostVoteRecorder) Option {
	return func(d *Dispatcher) { d.journal = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

// Dispatcher turns tag detections from bound readers into published votes.
// Events are handled one at a time by Run; Submit queues them per reader.
type Dispatcher struct {
	cfg     Config
	gate    *machine.Gate
	pub     publish.Publisher
	log     *slog.Logger
	journal LostVoteRecorder
	metrics *metrics.Metrics
	newID   func() string

	mu      sync.Mutex
	queues  map[string]chan device.TagEvent
	merged  chan device.TagEvent
	stopped bool
	running bool
	runDone chan struct{}
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New builds a dispatcher. The gate must already be in the Voting phase.
func New(cfg Config, gate *machine.Gate, pub publish.Publisher, log *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if gate == nil || pub == nil {
		return nil, errors.New("dispatcher requires a phase gate and a publisher")
	}
	if err := gate.Require(machine.Voting); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		gate:    gate,
		pub:     pub,
		log:     log.With("component", "dispatcher"),
		newID:   uuid.NewString,
		queues:  make(map[string]chan device.TagEvent),
		merged:  make(chan device.TagEvent),
		runDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// HandleTag processes one detection synchronously.
func (d *Dispatcher) HandleTag(ctx context.Context, ev device.TagEvent) (Outcome, error) {
	if err := d.gate.Require(machine.Voting); err != nil {
		d.drop(metrics.DropPhase)
		return Dropped, err
	}
	if ev.Reader == "" || len(ev.TagID) == 0 || ev.DetectedAt.IsZero() {
		d.log.Warn("malformed_tag_event", slog.String("reader", ev.Reader), slog.String("tag", ev.TagID.String()))
		d.drop(metrics.DropMalformed)
		return Dropped, ErrMalformedEvent
	}
	value, ok := d.gate.Bindings().Lookup(ev.Reader)
	if !ok {
		d.log.Warn("tag_from_unbound_reader", slog.String("reader", ev.Reader), slog.String("tag", ev.TagID.String()))
		d.drop(metrics.DropUnbound)
		return Dropped, fmt.Errorf("%w: %s", ErrUnboundReader, ev.Reader)
	}

	vote := publish.VoteEvent{
		EventID:   d.newID(),
		Value:     value,
		TagID:     ev.TagID.Clone(),
		Timestamp: ev.DetectedAt,
		Reader:    ev.Reader,
	}
	err := d.publishOnce(ctx, vote)
	if err != nil {
		d.metrics.PublishRetried()
		d.log.Warn("publish_retry", slog.String("event_id", vote.EventID), slog.Any("err", err))
		err = d.publishOnce(ctx, vote)
	}
	if err != nil {
		d.log.Warn("lost_vote",
			slog.String("event_id", vote.EventID),
			slog.String("reader", vote.Reader),
			slog.String("value", string(vote.Value)),
			slog.String("tag", vote.TagID.String()),
			slog.Any("err", err),
		)
		if d.journal != nil {
			if jerr := d.journal.Record(vote, err); jerr != nil {
				d.log.Error("journal_record_failed", slog.String("event_id", vote.EventID), slog.Any("err", jerr))
			}
		}
		d.metrics.VoteLost()
		d.count(func(s *Stats) { s.Lost++ })
		return Lost, fmt.Errorf("%w: event %s: %w", ErrVoteLost, vote.EventID, err)
	}
	d.metrics.VotePublished(string(vote.Value))
	d.count(func(s *Stats) { s.Published++ })
	d.log.Info("vote_published", slog.String("event_id", vote.EventID), slog.String("reader", vote.Reader), slog.String("value", string(vote.Value)))
	return Published, nil
}

// publishOnce runs a single attempt bounded by the publish timeout, even
// when the publisher ignores its context.
func (d *Dispatcher) publishOnce(ctx context.Context, ev publish.VoteEvent) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
	defer cancel()
	start := time.Now()
	defer func() { d.metrics.ObservePublish(time.Since(start)) }()

	result := make(chan error, 1)
	go func() { result <- d.pub.Publish(attemptCtx, ev) }()
	select {
	case err := <-result:
		return err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", publish.ErrPublishTimeout, d.cfg.PublishTimeout)
		}
		return attemptCtx.Err()
	}
}

// Submit queues ev on its reader's FIFO without blocking.
func (d *Dispatcher) Submit(ev device.TagEvent) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	q, ok := d.queues[ev.Reader]
	if !ok {
		q = make(chan device.TagEvent, d.cfg.QueueSize)
		d.queues[ev.Reader] = q
		d.wg.Add(1)
		go d.forward(q)
	}
	select {
	case q <- ev:
		d.mu.Unlock()
		return nil
	default:
	}
	d.mu.Unlock()
	d.log.Warn("reader_queue_full", slog.String("reader", ev.Reader), slog.Int("size", d.cfg.QueueSize))
	d.drop(metrics.DropQueueFull)
	return fmt.Errorf("%w: %s", ErrQueueFull, ev.Reader)
}

// forward moves one reader's queue into the merged channel. Once Run has
// exited, whatever is still queued is logged and counted as abandoned until
// Stop closes the queue.
func (d *Dispatcher) forward(q <-chan device.TagEvent) {
	defer d.wg.Done()
	for ev := range q {
		select {
		case d.merged <- ev:
			continue
		case <-d.runDone:
		}
		d.abandon(ev)
		for rest := range q {
			d.abandon(rest)
		}
		return
	}
}

func (d *Dispatcher) abandon(ev device.TagEvent) {
	d.log.Warn("reader_queue_abandoned",
		slog.String("reader", ev.Reader),
		slog.String("tag", ev.TagID.String()),
		slog.Time("detected_at", ev.DetectedAt),
	)
	d.drop(metrics.DropAbandoned)
}

// Run consumes queued events until Stop drains the queues or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("dispatcher already running")
	}
	d.running = true
	d.mu.Unlock()
	defer close(d.runDone)

	d.log.Info("dispatch_loop_started", slog.Duration("publish_timeout", d.cfg.PublishTimeout), slog.Int("queue_size", d.cfg.QueueSize))
	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatch_loop_stopped", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		case ev, ok := <-d.merged:
			if !ok {
				d.log.Info("dispatch_loop_stopped", slog.String("reason", "drained"))
				return nil
			}
			_, _ = d.HandleTag(ctx, ev)
		}
	}
}

// Stop refuses new events and lets Run return once queued ones are handled.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	go func() {
		d.wg.Wait()
		close(d.merged)
	}()
}

// Stats returns a snapshot of outcome counters.
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return d.stats
}

func (d *Dispatcher) drop(reason string) {
	d.metrics.VoteDropped(reason)
	d.count(func(s *Stats) { s.Dropped++ })
}

func (d *Dispatcher) count(fn func(*Stats)) {
	d.statsMu.Lock()
	fn(&d.stats)
	d.statsMu.Unlock()
}
