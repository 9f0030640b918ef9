// v0
// internal/publish/kafka.go
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tcalmant/nfc-voting/internal/circuitbreaker"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaOptions configure the Kafka publisher.
type KafkaOptions struct {
	Brokers []string
	Topic   string
	Breaker circuitbreaker.Settings
}

// KafkaPublisher writes vote payloads keyed by reader identity so that every
// reader's votes land on one partition in order.
type KafkaPublisher struct {
	writer  messageWriter
	closer  io.Closer
	breaker *circuitbreaker.KafkaBreaker
	topic   string
	codec   Codec
	log     *slog.Logger
}

// NewKafkaPublisher builds a breaker-guarded kafka.Writer for opts.Topic.
func NewKafkaPublisher(opts KafkaOptions, codec Codec, log *slog.Logger) (*KafkaPublisher, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("kafka publisher needs at least one broker")
	}
	if opts.Topic == "" {
		return nil, errors.New("kafka publisher needs a topic")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
	p, err := newKafkaPublisher(w, w, opts, codec, log)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	p.log.Info("kafka_publisher_ready", slog.Any("brokers", opts.Brokers), slog.String("topic", opts.Topic), slog.Bool("breaker", p.breaker.Enabled()))
	return p, nil
}

func newKafkaPublisher(w messageWriter, closer io.Closer, opts KafkaOptions, codec Codec, log *slog.Logger) (*KafkaPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	kb, err := circuitbreaker.NewKafkaBreaker("kafka-"+opts.Topic, opts.Breaker, nil, log)
	if err != nil {
		return nil, fmt.Errorf("kafka breaker: %w", err)
	}
	return &KafkaPublisher{
		writer:  circuitbreaker.NewCBKafkaWriter(w, kb),
		closer:  closer,
		breaker: kb,
		topic:   opts.Topic,
		codec:   codec,
		log:     log.With("component", "kafka_publisher"),
	}, nil
}

// Breaker exposes the guarding breaker, nil-safe when disabled.
func (p *KafkaPublisher) Breaker() *circuitbreaker.Breaker {
	return p.breaker.Breaker()
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev VoteEvent) error {
	payload, err := p.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode vote: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Reader),
		Value: payload,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.EventID)},
			{Key: "codec", Value: []byte(p.codec.Name())},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(ErrPublishTimeout, err)
		}
		return fmt.Errorf("kafka publish %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer.Close()
}
