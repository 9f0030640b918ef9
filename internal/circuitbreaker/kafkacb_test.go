// v1
// internal/circuitbreaker/kafkacb_test.go
package circuitbreaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettingsValidate(t *testing.T) {
	good := Settings{Enabled: true, FailureThreshold: 2, SuccessThreshold: 1, OpenFor: time.Second}
	if err := good.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := []Settings{
		{FailureThreshold: 0, SuccessThreshold: 1, OpenFor: time.Second},
		{FailureThreshold: 1, SuccessThreshold: 0, OpenFor: time.Second},
		{FailureThreshold: 1, SuccessThreshold: 1, OpenFor: 0},
		{FailureThreshold: 1, SuccessThreshold: 1, OpenFor: time.Second, AttemptTimeout: -1},
	}
	for i, s := range bad {
		if _, err := NewKafkaBreaker("bad", s, nil, quietLogger()); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	kb, err := NewKafkaBreaker("writer-breaker", Settings{
		Enabled:          true,
		FailureThreshold: 2,
		SuccessThreshold: 2,
		OpenFor:          time.Minute,
	}, nil, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	kb.Breaker().now = func() time.Time { return now }

	var transitions []State
	kb.Breaker().OnStateChange(func(_ string, s State) { transitions = append(transitions, s) })

	stub := &stubKafkaWriter{failuresBeforeSuccess: 2}
	writer := NewCBKafkaWriter(stub, kb)
	ctx := context.Background()
	msg := kafka.Message{Value: []byte("payload")}

	for i := 0; i < 2; i++ {
		if err := writer.WriteMessages(ctx, msg); err == nil {
			t.Fatalf("write %d should fail", i)
		}
	}
	if kb.Breaker().State() != Open {
		t.Fatalf("expected open breaker, got %v", kb.Breaker().State())
	}
	if err := writer.WriteMessages(ctx, msg); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected fast fail, got %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("open breaker must not reach the writer, calls=%d", stub.calls)
	}

	now = now.Add(2 * time.Minute)
	if err := writer.WriteMessages(ctx, msg); err != nil {
		t.Fatalf("half-open write should succeed: %v", err)
	}
	if kb.Breaker().State() != HalfOpen {
		t.Fatalf("expected half-open after first success, got %v", kb.Breaker().State())
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		t.Fatalf("second write should succeed: %v", err)
	}
	if kb.Breaker().State() != Closed {
		t.Fatalf("expected closed after second success, got %v", kb.Breaker().State())
	}
	want := []State{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	kb, _ := NewKafkaBreaker("reopen", Settings{Enabled: true, FailureThreshold: 1, SuccessThreshold: 1, OpenFor: time.Second}, nil, quietLogger())
	now := time.Now()
	kb.Breaker().now = func() time.Time { return now }
	writer := NewCBKafkaWriter(&stubKafkaWriter{failuresBeforeSuccess: 10}, kb)

	_ = writer.WriteMessages(context.Background())
	now = now.Add(2 * time.Second)
	_ = writer.WriteMessages(context.Background())
	if kb.Breaker().State() != Open {
		t.Fatalf("failed half-open attempt must reopen, got %v", kb.Breaker().State())
	}
}

func TestCBKafkaWriterDisabledPassesThrough(t *testing.T) {
	kb, err := NewKafkaBreaker("disabled", Settings{FailureThreshold: 1, SuccessThreshold: 1, OpenFor: time.Second}, nil, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kb.Enabled() {
		t.Fatalf("expected breaker disabled")
	}
	stub := &stubKafkaWriter{failuresBeforeSuccess: 5}
	writer := NewCBKafkaWriter(stub, kb)
	for i := 0; i < 5; i++ {
		if err := writer.WriteMessages(context.Background()); errors.Is(err, ErrOpen) {
			t.Fatalf("disabled breaker must never fast fail")
		}
	}
	if stub.calls != 5 {
		t.Fatalf("expected every call to reach the writer, got %d", stub.calls)
	}
}

type stubKafkaWriter struct {
	mu                    sync.Mutex
	calls                 int
	failuresBeforeSuccess int
}

func (s *stubKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.calls++
	if s.calls <= s.failuresBeforeSuccess {
		return errors.New("synthetic failure")
	}
	return nil
}
