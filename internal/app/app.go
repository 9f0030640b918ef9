// v4
// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/tcalmant/nfc-voting/internal/assign"
	"github.com/tcalmant/nfc-voting/internal/binding"
	"github.com/tcalmant/nfc-voting/internal/circuitbreaker"
	"github.com/tcalmant/nfc-voting/internal/config"
	"github.com/tcalmant/nfc-voting/internal/device"
	"github.com/tcalmant/nfc-voting/internal/dispatch"
	"github.com/tcalmant/nfc-voting/internal/httpapi"
	"github.com/tcalmant/nfc-voting/internal/journal"
	"github.com/tcalmant/nfc-voting/internal/logging"
	"github.com/tcalmant/nfc-voting/internal/machine"
	"github.com/tcalmant/nfc-voting/internal/metrics"
	"github.com/tcalmant/nfc-voting/internal/publish"
	"github.com/tcalmant/nfc-voting/internal/source"
)

// Options inject collaborators that would otherwise come from config.
type Options struct {
	// Publisher replaces the configured bus.
	Publisher publish.Publisher
	// Input replaces stdin for the stdin source.
	Input io.Reader
	// Console receives log output; defaults to stdout.
	Console io.Writer
	// DryRun logs vote payloads instead of publishing them.
	DryRun bool
	// NoHTTP disables the status API.
	NoHTTP bool
}

// Machine wires the device registry, phase gate, coordinator, dispatcher,
// publisher and status API of one vote machine.
type Machine struct {
	cfg       config.Config
	opts      Options
	logger    *slog.Logger
	logCloser io.Closer

	registry *device.Registry
	gate     *machine.Gate
	bindings *binding.FileStore
	journal  *journal.Journal
	metrics  *metrics.Metrics
	health   *httpapi.Health
	server   *http.Server

	mu         sync.Mutex
	coord      *assign.Coordinator
	dispatcher *dispatch.Dispatcher
	pubCloser  io.Closer
}

// New prepares a machine in the Assignment phase.
func New(cfg config.Config, opts Options) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	logger, logCloser, err := logging.New(console, cfg.LogFilePath, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		logCloser: logCloser,
		registry:  device.NewRegistry(logger.With("component", "registry")),
		gate:      machine.NewGate(logger.With("component", "phase")),
		bindings:  binding.NewFileStore(cfg.BindingPath, logger.With("component", "bindings")),
		metrics:   metrics.New(),
		health:    &httpapi.Health{},
	}
	m.registry.Subscribe(func(device.Change) {
		m.metrics.SetReadersActive(m.registry.Len())
	})

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, logger)
		if err != nil {
			_ = logCloser.Close()
			return nil, fmt.Errorf("open lost-vote journal: %w", err)
		}
		m.journal = j
	}

	if !opts.NoHTTP && cfg.ListenAddress != "" {
		router := httpapi.NewRouter(logger, m.health, m, m.metrics)
		m.server = &http.Server{
			Addr:              cfg.ListenAddress,
			Handler:           httpapi.Wrap(logger, console, router),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return m, nil
}

// Logger exposes the configured logger.
func (m *Machine) Logger() *slog.Logger {
	return m.logger
}

// RunAssignment pairs readers with the configured values and persists the
// result. Bindings from an earlier session are retired first, so a failed
// assignment leaves nothing for the voting phase to load. It returns
// assign.ErrInsufficientValues when the input ends with values left unbound.
func (m *Machine) RunAssignment(ctx context.Context) (*binding.Store, error) {
	coord, err := assign.New(m.cfg.VoteValues(), m.registry, m.gate, m.bindings,
		assign.Options{AutoArm: m.cfg.AutoArm, Guided: !m.cfg.AutoArm}, m.logger.With("component", "coordinator"))
	if err != nil {
		return nil, err
	}
	if err := m.bindings.Retire(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.coord = coord
	m.mu.Unlock()

	srcCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan device.TagEvent, m.cfg.QueueSize)
	wait := m.startSources(srcCtx, func(ev device.TagEvent) {
		select {
		case events <- ev:
		case <-srcCtx.Done():
		}
	}, func() { close(events) })
	stopHTTP := m.startHTTP()
	defer stopHTTP()

	runErr := coord.Run(ctx, events)
	cancel()
	srcErr := wait()
	if runErr != nil {
		return nil, runErr
	}
	if srcErr != nil {
		m.logger.Error("source_failed", slog.Any("err", srcErr))
		return nil, fmt.Errorf("tag source: %w", srcErr)
	}

	store, err := coord.Complete()
	report := coord.Report()
	m.logger.Info("assignment_report",
		slog.Int("bound", len(report.Bound)),
		slog.Any("unbound_readers", report.Unbound),
		slog.Int("remaining_values", len(report.Remaining)),
		slog.Any("aborted", report.Aborted),
	)
	if err != nil {
		return nil, err
	}
	m.metrics.SetBindings(store.Len())
	return store, nil
}

// RunVoting loads the binding file, enters the Voting phase and dispatches
// tags until ctx ends or the source is exhausted. Queued tags are drained
// before it returns.
func (m *Machine) RunVoting(ctx context.Context) error {
	store, err := m.bindings.Load()
	if err != nil {
		m.logger.Error("voting_refused", slog.String("path", m.bindings.Path()), slog.Any("err", err))
		return fmt.Errorf("load bindings: %w", err)
	}
	if err := m.gate.StartVoting(store); err != nil {
		return err
	}
	m.metrics.SetBindings(store.Len())

	pub, err := m.buildPublisher(ctx)
	if err != nil {
		return err
	}
	dopts := []dispatch.Option{dispatch.WithMetrics(m.metrics)}
	if m.journal != nil {
		dopts = append(dopts, dispatch.WithJournal(m.journal))
	}
	disp, err := dispatch.New(dispatch.Config{
		PublishTimeout: m.cfg.PublishTimeout,
		QueueSize:      m.cfg.QueueSize,
	}, m.gate, pub, m.logger, dopts...)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.dispatcher = disp
	m.mu.Unlock()

	dispCtx, cancelDisp := context.WithCancel(context.Background())
	defer cancelDisp()
	runDone := make(chan error, 1)
	go func() { runDone <- disp.Run(dispCtx) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wait := m.startSources(ctx, func(ev device.TagEvent) {
		_ = disp.Submit(ev)
	}, cancel)
	stopHTTP := m.startHTTP()
	defer stopHTTP()
	m.health.SetReady(true)
	m.logger.Info("voting_started", slog.Int("bindings", store.Len()))

	<-ctx.Done()
	m.health.SetReady(false)
	srcErr := wait()
	disp.Stop()
	select {
	case <-runDone:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn("dispatch_drain_timeout", slog.Duration("timeout", m.cfg.ShutdownTimeout))
		cancelDisp()
		<-runDone
	}
	stats := disp.Stats()
	m.logger.Info("voting_stopped", slog.Uint64("published", stats.Published), slog.Uint64("dropped", stats.Dropped), slog.Uint64("lost", stats.Lost))
	if srcErr != nil {
		return fmt.Errorf("tag source: %w", srcErr)
	}
	return nil
}

// Replay republishes journaled lost votes. Entries that fail again stay in
// the journal.
func (m *Machine) Replay(ctx context.Context) (replayed, remaining int, err error) {
	if m.journal == nil {
		return 0, 0, errors.New("replay needs journal.path")
	}
	pub, err := m.buildPublisher(ctx)
	if err != nil {
		return 0, 0, err
	}
	var keep []journal.Entry
	for _, e := range m.journal.Entries() {
		if ctx.Err() != nil {
			keep = append(keep, e)
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
		perr := pub.Publish(attemptCtx, e.Event)
		cancel()
		if perr != nil {
			m.logger.Warn("replay_failed", slog.Int64("seq", e.Seq), slog.String("event_id", e.Event.EventID), slog.Any("err", perr))
			keep = append(keep, e)
			continue
		}
		replayed++
		m.logger.Info("vote_replayed", slog.Int64("seq", e.Seq), slog.String("event_id", e.Event.EventID))
	}
	if err := m.journal.Rewrite(keep); err != nil {
		return replayed, len(keep), err
	}
	m.logger.Info("replay_complete", slog.Int("replayed", replayed), slog.Int("remaining", len(keep)))
	return replayed, len(keep), ctx.Err()
}

// Close releases the journal, the bus connection and the log file.
func (m *Machine) Close() error {
	var errs []error
	if m.journal != nil {
		errs = append(errs, m.journal.Close())
	}
	m.mu.Lock()
	pc := m.pubCloser
	m.pubCloser = nil
	m.mu.Unlock()
	if pc != nil {
		errs = append(errs, pc.Close())
	}
	if m.logCloser != nil {
		errs = append(errs, m.logCloser.Close())
		m.logCloser = nil
	}
	return errors.Join(errs...)
}

func (m *Machine) buildPublisher(ctx context.Context) (publish.Publisher, error) {
	if m.opts.Publisher != nil {
		return m.opts.Publisher, nil
	}
	codec, err := publish.NewCodec(m.cfg.Payload, m.cfg.PayloadTemplate)
	if err != nil {
		return nil, err
	}
	if m.opts.DryRun || m.cfg.BusKind == config.BusNone {
		return publish.NewLogPublisher(m.cfg.BusTopic, codec, m.logger), nil
	}
	switch m.cfg.BusKind {
	case config.BusMQTT:
		p, err := publish.DialMQTT(ctx, publish.MQTTOptions{
			Host:  m.cfg.MQTTHost,
			Port:  m.cfg.MQTTPort,
			Topic: m.cfg.BusTopic,
			QoS:   byte(m.cfg.MQTTQoS),
		}, codec, m.logger)
		if err != nil {
			return nil, err
		}
		m.setPubCloser(p)
		return p, nil
	case config.BusKafka:
		p, err := publish.NewKafkaPublisher(publish.KafkaOptions{
			Brokers: m.cfg.KafkaBrokers,
			Topic:   m.cfg.BusTopic,
			Breaker: m.cfg.BreakerSettings(),
		}, codec, m.logger)
		if err != nil {
			return nil, err
		}
		if b := p.Breaker(); b != nil {
			m.metrics.SetCircuitBreakerState("kafka", breakerGauge(b.State()))
			b.OnStateChange(func(_ string, s circuitbreaker.State) {
				m.metrics.SetCircuitBreakerState("kafka", breakerGauge(s))
			})
		}
		m.setPubCloser(p)
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported bus kind %q", m.cfg.BusKind)
	}
}

func (m *Machine) setPubCloser(c io.Closer) {
	m.mu.Lock()
	m.pubCloser = c
	m.mu.Unlock()
}

func breakerGauge(s circuitbreaker.State) float64 {
	switch s {
	case circuitbreaker.HalfOpen:
		return 1
	case circuitbreaker.Open:
		return 2
	default:
		return 0
	}
}

// startSources runs the configured tag source (and the USB poller when
// enabled) until ctx ends. onEnd runs once the tag source has returned.
// The returned wait blocks until everything stopped and reports the source
// error, if any.
func (m *Machine) startSources(ctx context.Context, sink source.TagSink, onEnd func()) func() error {
	var wg sync.WaitGroup
	srcErr := make(chan error, 1)

	run, err := m.tagSource(ctx, sink)
	if err != nil {
		srcErr <- err
		onEnd()
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := run(ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			srcErr <- err
			onEnd()
		}()
	}

	if m.cfg.USBPoll {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lister := device.NewUSBLister(m.cfg.USBSysfsRoot)
			_ = source.PollUSB(ctx, lister, m.registry, m.cfg.USBPollInterval, m.logger)
		}()
	}
	return func() error {
		wg.Wait()
		return <-srcErr
	}
}

func (m *Machine) tagSource(ctx context.Context, sink source.TagSink) (func(context.Context) error, error) {
	switch m.cfg.SourceKind {
	case config.SourceMQTT:
		src, err := source.DialMQTTSource(ctx, m.cfg.MQTTBrokerURL(), m.cfg.SourceMQTTPrefix, m.registry, sink, m.logger)
		if err != nil {
			return nil, err
		}
		return src.Run, nil
	case config.SourceFile:
		f, err := os.Open(m.cfg.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("open tag source: %w", err)
		}
		src := source.NewLineSource(f, m.registry, sink, m.logger)
		return func(ctx context.Context) error {
			defer f.Close()
			return src.Run(ctx)
		}, nil
	default:
		in := m.opts.Input
		if in == nil {
			in = os.Stdin
		}
		return source.NewLineSource(in, m.registry, sink, m.logger).Run, nil
	}
}

func (m *Machine) startHTTP() func() {
	if m.server == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.logger.Info("http_server_listen", slog.String("address", m.cfg.ListenAddress))
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("http_server_error", slog.Any("err", err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ShutdownTimeout)
		defer cancel()
		if err := m.server.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("server_shutdown_failed", slog.Any("err", err))
		}
		<-done
	}
}
