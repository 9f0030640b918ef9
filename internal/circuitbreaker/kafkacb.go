// v3
// internal/circuitbreaker/kafkacb.go
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// kafkaMessageWriter mirrors the subset of kafka.Writer used by the breaker wrapper.
type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Settings are the runtime tunables for the Kafka writer wrapper.
type Settings struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	OpenFor          time.Duration
	AttemptTimeout   time.Duration
}

// Validate checks the tunables the same way regardless of Enabled.
func (s Settings) Validate() error {
	if s.FailureThreshold < 1 {
		return fmt.Errorf("breaker failure threshold must be >= 1")
	}
	if s.SuccessThreshold < 1 {
		return fmt.Errorf("breaker success threshold must be >= 1")
	}
	if s.OpenFor <= 0 {
		return fmt.Errorf("breaker open duration must be > 0")
	}
	if s.AttemptTimeout < 0 {
		return fmt.Errorf("breaker attempt timeout must be >= 0")
	}
	return nil
}

// KafkaBreaker holds the breaker and per-attempt timeout guarding a writer.
type KafkaBreaker struct {
	enabled bool
	timeout time.Duration
	breaker *Breaker
}

// NewKafkaBreaker builds a KafkaBreaker; when disabled, writes pass through.
func NewKafkaBreaker(name string, s Settings, probe func(ctx context.Context) error, log *slog.Logger) (*KafkaBreaker, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	kb := &KafkaBreaker{enabled: s.Enabled, timeout: s.AttemptTimeout}
	if s.Enabled {
		kb.breaker = New(name, Config{
			MaxFailures:      s.FailureThreshold,
			ResetTimeout:     s.OpenFor,
			SuccessesToClose: s.SuccessThreshold,
		}, probe, log)
	}
	return kb, nil
}

// Enabled reports whether breaker protections are active.
func (k *KafkaBreaker) Enabled() bool {
	return k != nil && k.enabled && k.breaker != nil
}

// Breaker exposes the underlying breaker for inspection and metrics hooks.
func (k *KafkaBreaker) Breaker() *Breaker {
	if k == nil {
		return nil
	}
	return k.breaker
}

// CBKafkaWriter wraps a kafka.Writer with circuit-breaker protection. Each
// call is a single attempt: retry policy belongs to the caller.
type CBKafkaWriter struct {
	breaker *KafkaBreaker
	writer  kafkaMessageWriter
}

// NewCBKafkaWriter wires breaker protections around the provided kafka writer.
func NewCBKafkaWriter(writer kafkaMessageWriter, breaker *KafkaBreaker) *CBKafkaWriter {
	return &CBKafkaWriter{writer: writer, breaker: breaker}
}

// WriteMessages publishes msgs, failing fast with ErrOpen while the breaker is open.
func (w *CBKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w == nil || w.writer == nil {
		return errors.New("nil kafka writer")
	}
	if !w.breaker.Enabled() {
		return w.writer.WriteMessages(ctx, msgs...)
	}
	return w.breaker.breaker.Execute(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := w.breaker.withAttemptContext(ctx)
		defer cancel()
		return w.writer.WriteMessages(attemptCtx, msgs...)
	})
}

func (k *KafkaBreaker) withAttemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if k.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, k.timeout)
}
