// v1
// internal/config/config.go
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/circuitbreaker"
	"github.com/tcalmant/nfc-voting/internal/publish"
)

// Bus kinds.
const (
	BusMQTT  = "mqtt"
	BusKafka = "kafka"
	BusNone  = "none"
)

// Source kinds.
const (
	SourceStdin = "stdin"
	SourceFile  = "file"
	SourceMQTT  = "mqtt"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "NFCVOTE_"

// BreakerConfig tunes the circuit breaker guarding the Kafka writer.
type BreakerConfig struct {
	Enabled          bool          `env:"ENABLED"`
	FailureThreshold int           `env:"FAILURE_THRESHOLD"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD"`
	OpenFor          time.Duration `env:"OPEN_FOR"`
	AttemptTimeout   time.Duration `env:"ATTEMPT_TIMEOUT"`
}

// Config captures all runtime settings of the vote machine. Values come from
// defaults, then an optional properties file, then NFCVOTE_* environment
// variables (a .env file in the working directory is honoured).
type Config struct {
	// Values is the ordered vote value list used during assignment.
	Values []string `env:"VOTE_VALUES" envSeparator:","`
	// BindingPath is the reader → value properties file.
	BindingPath string `env:"BINDING_PATH"`

	BusKind         string `env:"BUS_KIND"`
	BusTopic        string `env:"BUS_TOPIC"`
	Payload         string `env:"BUS_PAYLOAD"`
	PayloadTemplate string `env:"BUS_PAYLOAD_TEMPLATE"`

	MQTTHost string `env:"MQTT_HOST"`
	MQTTPort int    `env:"MQTT_PORT"`
	MQTTQoS  int    `env:"MQTT_QOS"`

	KafkaBrokers []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Breaker      BreakerConfig `envPrefix:"BREAKER_"`

	// PublishTimeout bounds each publish attempt.
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT"`
	// QueueSize bounds each reader's intake queue while voting.
	QueueSize int `env:"QUEUE_SIZE"`
	// AutoArm arms every newly attached reader during assignment.
	AutoArm bool `env:"ASSIGN_AUTO_ARM"`
	// JournalPath is the lost-vote journal; empty disables it.
	JournalPath string `env:"JOURNAL_PATH"`

	ListenAddress   string        `env:"HTTP_LISTEN_ADDRESS"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	LogFilePath     string        `env:"LOG_PATH"`
	LogLevel        string        `env:"LOG_LEVEL"`

	SourceKind       string        `env:"SOURCE_KIND"`
	SourcePath       string        `env:"SOURCE_PATH"`
	SourceMQTTPrefix string        `env:"SOURCE_MQTT_PREFIX"`
	USBPoll          bool          `env:"USB_POLL"`
	USBPollInterval  time.Duration `env:"USB_POLL_INTERVAL"`
	USBSysfsRoot     string        `env:"USB_SYSFS_ROOT"`

	// PropertiesPath records the file the properties layer was read from.
	PropertiesPath string
}

const (
	defaultValues          = "0,1,2"
	defaultBindingPath     = "bindings.properties"
	defaultBusKind         = BusMQTT
	defaultTopic           = "vote"
	defaultPayload         = "template"
	defaultMQTTHost        = "localhost"
	defaultMQTTPort        = 1883
	defaultMQTTQoS         = 2
	defaultKafkaBrokers    = "localhost:9092"
	defaultPublishTimeout  = 2 * time.Second
	defaultQueueSize       = 64
	defaultJournalPath     = "data/lost_votes.jsonl"
	defaultListenAddress   = ":8090"
	defaultShutdown        = 5 * time.Second
	defaultLogFile         = "logs/nfcvote.log"
	defaultLogLevel        = "INFO"
	defaultSourceKind      = SourceStdin
	defaultMQTTPrefix      = "nfcvote/readers"
	defaultUSBPollInterval = 2 * time.Second
	defaultPropsPath       = "nfcvote.properties"
	defaultDotEnv          = ".env"
)

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Values:           splitAndTrim(defaultValues),
		BindingPath:      filepath.Clean(defaultBindingPath),
		BusKind:          defaultBusKind,
		BusTopic:         defaultTopic,
		Payload:          defaultPayload,
		PayloadTemplate:  publish.DefaultTemplate,
		MQTTHost:         defaultMQTTHost,
		MQTTPort:         defaultMQTTPort,
		MQTTQoS:          defaultMQTTQoS,
		KafkaBrokers:     splitAndTrim(defaultKafkaBrokers),
		Breaker:          BreakerConfig{Enabled: true, FailureThreshold: 3, SuccessThreshold: 1, OpenFor: 30 * time.Second},
		PublishTimeout:   defaultPublishTimeout,
		QueueSize:        defaultQueueSize,
		JournalPath:      filepath.Clean(defaultJournalPath),
		ListenAddress:    defaultListenAddress,
		ShutdownTimeout:  defaultShutdown,
		LogFilePath:      filepath.Clean(defaultLogFile),
		LogLevel:         defaultLogLevel,
		SourceKind:       defaultSourceKind,
		SourceMQTTPrefix: defaultMQTTPrefix,
		USBPollInterval:  defaultUSBPollInterval,
	}
}

// Load resolves configuration. propsPath overrides NFCVOTE_PROPERTIES_PATH;
// an explicitly requested file must exist, the default one may be absent.
func Load(propsPath string) (Config, error) {
	if err := godotenv.Load(defaultDotEnv); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", defaultDotEnv, err)
	}
	cfg := Defaults()

	explicit := strings.TrimSpace(propsPath) != ""
	if !explicit {
		if v, ok := lookupEnvTrimmed(EnvPrefix + "PROPERTIES_PATH"); ok && v != "" {
			propsPath, explicit = v, true
		} else {
			propsPath = defaultPropsPath
		}
	}
	cfg.PropertiesPath = propsPath

	if err := applyProperties(&cfg, propsPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) || explicit {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Values = splitAndTrim(strings.Join(cfg.Values, ","))
	cfg.KafkaBrokers = splitAndTrim(strings.Join(cfg.KafkaBrokers, ","))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyProperties(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, ";") {
			continue
		}
		key, value, ok := strings.Cut(raw, "=")
		if !ok {
			return fmt.Errorf("invalid properties entry on line %d", line)
		}
		key = strings.TrimSpace(key)
		if err := setProperty(cfg, key, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("property %s: %w", key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read properties: %w", err)
	}
	return nil
}

func setProperty(cfg *Config, key, value string) error {
	var err error
	switch key {
	case "vote.values":
		cfg.Values = splitAndTrim(value)
	case "binding.path":
		cfg.BindingPath, err = nonEmptyPath(value)
	case "bus.kind":
		cfg.BusKind = strings.ToLower(value)
	case "bus.topic":
		cfg.BusTopic = value
	case "bus.payload":
		cfg.Payload = strings.ToLower(value)
	case "bus.payload_template":
		cfg.PayloadTemplate = value
	case "mqtt.host":
		cfg.MQTTHost = value
	case "mqtt.port":
		cfg.MQTTPort, err = strconv.Atoi(value)
	case "mqtt.qos":
		cfg.MQTTQoS, err = strconv.Atoi(value)
	case "kafka.brokers":
		cfg.KafkaBrokers = splitAndTrim(value)
	case "breaker.enabled":
		cfg.Breaker.Enabled, err = strconv.ParseBool(value)
	case "breaker.failure_threshold":
		cfg.Breaker.FailureThreshold, err = strconv.Atoi(value)
	case "breaker.success_threshold":
		cfg.Breaker.SuccessThreshold, err = strconv.Atoi(value)
	case "breaker.open_ms":
		cfg.Breaker.OpenFor, err = parsePositiveMillis(value)
	case "breaker.attempt_timeout_ms":
		cfg.Breaker.AttemptTimeout, err = parsePositiveMillis(value)
	case "publish.timeout_ms":
		cfg.PublishTimeout, err = parsePositiveMillis(value)
	case "queue.size":
		cfg.QueueSize, err = strconv.Atoi(value)
	case "assign.auto_arm":
		cfg.AutoArm, err = strconv.ParseBool(value)
	case "journal.path":
		cfg.JournalPath = value
	case "http.listen_address":
		cfg.ListenAddress = value
	case "http.shutdown_timeout_ms":
		cfg.ShutdownTimeout, err = parsePositiveMillis(value)
	case "log.path":
		cfg.LogFilePath = value
	case "log.level":
		cfg.LogLevel = strings.ToUpper(value)
	case "source.kind":
		cfg.SourceKind = strings.ToLower(value)
	case "source.path":
		cfg.SourcePath = value
	case "source.mqtt_prefix":
		cfg.SourceMQTTPrefix = value
	case "usb.poll":
		cfg.USBPoll, err = strconv.ParseBool(value)
	case "usb.poll_interval_ms":
		cfg.USBPollInterval, err = parsePositiveMillis(value)
	case "usb.sysfs_root":
		cfg.USBSysfsRoot = value
	default:
		// Unknown keys are ignored to keep the loader forward-compatible.
	}
	return err
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	values := c.VoteValues()
	if len(values) == 0 {
		return errors.New("vote.values must list at least one value")
	}
	seen := make(map[binding.Value]struct{}, len(values))
	for _, v := range values {
		if err := binding.ValidValue(v); err != nil {
			return fmt.Errorf("vote.values %q: %w", v, err)
		}
		if _, dup := seen[v]; dup {
			return fmt.Errorf("vote.values lists %q twice", v)
		}
		seen[v] = struct{}{}
	}
	if strings.TrimSpace(c.BindingPath) == "" {
		return errors.New("binding.path cannot be empty")
	}
	switch c.BusKind {
	case BusMQTT:
		if c.MQTTHost == "" {
			return errors.New("mqtt.host cannot be empty")
		}
		if c.MQTTPort < 1 || c.MQTTPort > 65535 {
			return fmt.Errorf("mqtt.port %d out of range", c.MQTTPort)
		}
		if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
			return fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", c.MQTTQoS)
		}
	case BusKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("kafka.brokers cannot be empty")
		}
		if err := c.BreakerSettings().Validate(); err != nil {
			return err
		}
	case BusNone:
	default:
		return fmt.Errorf("bus.kind %q must be mqtt, kafka or none", c.BusKind)
	}
	if c.BusKind != BusNone && strings.TrimSpace(c.BusTopic) == "" {
		return errors.New("bus.topic cannot be empty")
	}
	if _, err := publish.NewCodec(c.Payload, c.PayloadTemplate); err != nil {
		return fmt.Errorf("bus.payload: %w", err)
	}
	if c.PublishTimeout <= 0 {
		return errors.New("publish.timeout_ms must be greater than zero")
	}
	if c.QueueSize < 1 {
		return errors.New("queue.size must be positive")
	}
	switch c.SourceKind {
	case SourceStdin:
	case SourceFile:
		if c.SourcePath == "" {
			return errors.New("source.path is required for the file source")
		}
	case SourceMQTT:
		if c.SourceMQTTPrefix == "" {
			return errors.New("source.mqtt_prefix cannot be empty")
		}
	default:
		return fmt.Errorf("source.kind %q must be stdin, file or mqtt", c.SourceKind)
	}
	return nil
}

// VoteValues returns the configured values in order.
func (c Config) VoteValues() []binding.Value {
	return binding.ParseValues(strings.Join(c.Values, ","))
}

// BreakerSettings maps the breaker section onto the writer wrapper settings.
func (c Config) BreakerSettings() circuitbreaker.Settings {
	return circuitbreaker.Settings{
		Enabled:          c.Breaker.Enabled,
		FailureThreshold: c.Breaker.FailureThreshold,
		SuccessThreshold: c.Breaker.SuccessThreshold,
		OpenFor:          c.Breaker.OpenFor,
		AttemptTimeout:   c.Breaker.AttemptTimeout,
	}
}

// MQTTBrokerURL is the paho address of the configured broker.
func (c Config) MQTTBrokerURL() string {
	return publish.BrokerURL(c.MQTTHost, c.MQTTPort)
}

func lookupEnvTrimmed(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func splitAndTrim(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		trimmed := strings.TrimSpace(field)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func nonEmptyPath(v string) (string, error) {
	if strings.TrimSpace(v) == "" {
		return "", errors.New("value cannot be empty")
	}
	return filepath.Clean(v), nil
}

func parsePositiveMillis(v string) (time.Duration, error) {
	if strings.TrimSpace(v) == "" {
		return 0, errors.New("value cannot be empty")
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	if ms <= 0 {
		return 0, errors.New("value must be greater than zero")
	}
	return time.Duration(ms) * time.Millisecond, nil
}
