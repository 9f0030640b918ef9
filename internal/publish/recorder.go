// v0
// internal/publish/recorder.go
package publish

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var errInjected = errors.New("injected publish failure")

// Recorder keeps published events in memory. Failures and stalls can be
// scheduled for the next calls.
type Recorder struct {
	mu       sync.Mutex
	events   []VoteEvent
	attempts int
	failNext int
	failErr  error
	stall    int
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailNext makes the next n calls return err (or a generic failure when nil).
func (r *Recorder) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = n
	r.failErr = err
}

// StallNext makes the next n calls block until their context ends.
func (r *Recorder) StallNext(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stall = n
}

func (r *Recorder) Publish(ctx context.Context, ev VoteEvent) error {
	r.mu.Lock()
	r.attempts++
	if r.stall > 0 {
		r.stall--
		r.mu.Unlock()
		<-ctx.Done()
		return deadlineErr(ctx)
	}
	if r.failNext > 0 {
		r.failNext--
		err := r.failErr
		r.mu.Unlock()
		if err == nil {
			err = errInjected
		}
		return err
	}
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	ev.TagID = ev.TagID.Clone()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything acknowledged so far.
func (r *Recorder) Events() []VoteEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]VoteEvent(nil), r.events...)
}

// Attempts counts every Publish call, including failed ones.
func (r *Recorder) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// LogPublisher acknowledges every event after logging its payload. Used for
// dry runs and deployments without a bus.
type LogPublisher struct {
	codec Codec
	topic string
	log   *slog.Logger
}

func NewLogPublisher(topic string, codec Codec, log *slog.Logger) *LogPublisher {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec, _ = NewTemplateCodec("")
	}
	return &LogPublisher{codec: codec, topic: topic, log: log.With("component", "log_publisher")}
}

func (p *LogPublisher) Publish(ctx context.Context, ev VoteEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := p.codec.Encode(ev)
	if err != nil {
		return err
	}
	p.log.Info("vote_dry_run", slog.String("topic", p.topic), slog.String("payload", string(payload)))
	return nil
}
