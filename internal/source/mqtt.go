// v0
// internal/source/mqtt.go
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/publish"
)

// mqttSubscriber mirrors the subset of mqtt.Client used by MQTTSource.
type mqttSubscriber interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSource consumes reader daemon messages published on
// <prefix>/<reader>/attach, <prefix>/<reader>/detach and
// <prefix>/<reader>/tag. Tag payloads are "<hex-uid> [rfc3339]".
type MQTTSource struct {
	client mqttSubscriber
	prefix string
	app    applier
	now    func() time.Time
	cmds   chan Command
}

// DialMQTTSource connects to the broker at url.
func DialMQTTSource(ctx context.Context, url, prefix string, reg *device.Registry, sink TagSink, log *slog.Logger) (*MQTTSource, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(publish.ClientID("src")).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	c := mqtt.NewClient(opts)
	if err := publish.WaitToken(ctx, c.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", url, err)
	}
	return NewMQTTSource(c, prefix, reg, sink, log), nil
}

func NewMQTTSource(client mqttSubscriber, prefix string, reg *device.Registry, sink TagSink, log *slog.Logger) *MQTTSource {
	if log == nil {
		log = slog.Default()
	}
	return &MQTTSource{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		app:    applier{reg: reg, sink: sink, log: log.With("component", "mqtt_source")},
		now:    time.Now,
		cmds:   make(chan Command, 256),
	}
}

func (s *MQTTSource) topics() []string {
	return []string{
		s.prefix + "/+/" + string(KindAttach),
		s.prefix + "/+/" + string(KindDetach),
		s.prefix + "/+/" + string(KindTag),
	}
}

// Run subscribes and applies messages in arrival order until ctx ends.
func (s *MQTTSource) Run(ctx context.Context) error {
	for _, topic := range s.topics() {
		if err := publish.WaitToken(ctx, s.client.Subscribe(topic, 1, s.onMessage)); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	s.app.log.Info("mqtt_source_subscribed", slog.String("prefix", s.prefix))
	defer func() {
		unsubCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = publish.WaitToken(unsubCtx, s.client.Unsubscribe(s.topics()...))
		s.client.Disconnect(250)
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-s.cmds:
			s.app.apply(cmd)
		}
	}
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := s.parse(msg.Topic(), msg.Payload())
	if err != nil {
		s.app.log.Warn("mqtt_message_rejected", slog.String("topic", msg.Topic()), slog.Any("err", err))
		return
	}
	select {
	case s.cmds <- cmd:
	default:
		s.app.log.Warn("mqtt_source_backlog_full", slog.String("topic", msg.Topic()))
	}
}

func (s *MQTTSource) parse(topic string, payload []byte) (Command, error) {
	rest := strings.TrimPrefix(topic, s.prefix+"/")
	parts := strings.Split(rest, "/")
	if rest == topic || len(parts) != 2 || parts[0] == "" {
		return Command{}, fmt.Errorf("%w: topic %q", ErrBadCommand, topic)
	}
	line := parts[1] + " " + parts[0]
	if Kind(parts[1]) == KindTag {
		line += " " + strings.TrimSpace(string(payload))
	}
	return ParseLine(line, s.now())
}
