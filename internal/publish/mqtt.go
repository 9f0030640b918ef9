// v0
// internal/publish/mqtt.go
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// mqttClient mirrors the subset of mqtt.Client used for publishing.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTOptions describe the broker connection.
type MQTTOptions struct {
	Host           string
	Port           int
	Topic          string
	QoS            byte
	ConnectTimeout time.Duration
}

// BrokerURL renders host and port as a paho broker address.
func BrokerURL(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// ClientID returns a fresh broker client identifier with the given role.
func ClientID(role string) string {
	return "nfcvote-" + role + "-" + uuid.NewString()
}

// MQTTPublisher publishes vote payloads on a single topic.
type MQTTPublisher struct {
	client mqttClient
	topic  string
	qos    byte
	codec  Codec
	log    *slog.Logger
}

// DialMQTT connects to the broker and returns a publisher bound to opts.Topic.
func DialMQTT(ctx context.Context, opts MQTTOptions, codec Codec, log *slog.Logger) (*MQTTPublisher, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	co := mqtt.NewClientOptions().
		AddBroker(BrokerURL(opts.Host, opts.Port)).
		SetClientID(ClientID("pub")).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout)
	c := mqtt.NewClient(co)
	if err := WaitToken(ctx, c.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", BrokerURL(opts.Host, opts.Port), err)
	}
	p := NewMQTTPublisher(c, opts.Topic, opts.QoS, codec, log)
	p.log.Info("mqtt_publisher_connected", slog.String("broker", BrokerURL(opts.Host, opts.Port)), slog.String("topic", opts.Topic))
	return p, nil
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client mqttClient, topic string, qos byte, codec Codec, log *slog.Logger) *MQTTPublisher {
	if log == nil {
		log = slog.Default()
	}
	if codec == nil {
		codec, _ = NewTemplateCodec("")
	}
	return &MQTTPublisher{client: client, topic: topic, qos: qos, codec: codec, log: log.With("component", "mqtt_publisher")}
}

func (p *MQTTPublisher) Publish(ctx context.Context, ev VoteEvent) error {
	payload, err := p.codec.Encode(ev)
	if err != nil {
		return fmt.Errorf("encode vote: %w", err)
	}
	if err := WaitToken(ctx, p.client.Publish(p.topic, p.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", p.topic, err)
	}
	p.log.Debug("mqtt_published", slog.String("event_id", ev.EventID), slog.Int("bytes", len(payload)))
	return nil
}

// Close disconnects from the broker, letting in-flight work drain briefly.
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

// WaitToken blocks until tok completes or ctx ends.
func WaitToken(ctx context.Context, tok mqtt.Token) error {
	if tok == nil {
		return errors.New("nil mqtt token")
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return deadlineErr(ctx)
	}
}
