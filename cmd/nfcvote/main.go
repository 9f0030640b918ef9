// v1
// cmd/nfcvote/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tcalmant/nfc-voting/internal/app"
	"github.com/tcalmant/nfc-voting/internal/assign"
	"github.com/tcalmant/nfc-voting/internal/cli"
	"github.com/tcalmant/nfc-voting/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	inv, err := cli.Parse(os.Args[1:], os.Stderr)
	if err != nil {
		bootstrap.Error("usage", slog.Any("err", err))
		return 2
	}
	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		bootstrap.Error("config_load_failed", slog.Any("err", err))
		return 1
	}
	if inv.Values != "" {
		cfg.Values = strings.Split(inv.Values, ",")
		for i := range cfg.Values {
			cfg.Values[i] = strings.TrimSpace(cfg.Values[i])
		}
	}

	machine, err := app.New(cfg, app.Options{DryRun: inv.DryRun})
	if err != nil {
		bootstrap.Error("app_init_failed", slog.Any("err", err))
		return 1
	}
	defer func() {
		if cerr := machine.Close(); cerr != nil {
			bootstrap.Error("app_close_failed", slog.Any("err", cerr))
		}
	}()

	logger := machine.Logger()
	logger.Info("service_boot",
		slog.String("command", string(inv.Command)),
		slog.String("properties_path", cfg.PropertiesPath),
		slog.String("binding_path", cfg.BindingPath),
		slog.String("bus", cfg.BusKind),
		slog.String("topic", cfg.BusTopic),
		slog.String("source", cfg.SourceKind),
		slog.Bool("dry_run", inv.DryRun),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch inv.Command {
	case cli.Assign:
		store, err := machine.RunAssignment(ctx)
		if err != nil {
			if errors.Is(err, assign.ErrInsufficientValues) {
				logger.Error("assignment_failed", slog.Any("err", err))
				return 3
			}
			logger.Error("assignment_terminated", slog.Any("err", err))
			return 1
		}
		for _, b := range store.All() {
			logger.Info("binding", slog.String("reader", b.Reader), slog.String("value", string(b.Value)))
		}
	case cli.Vote:
		if err := machine.RunVoting(ctx); err != nil {
			logger.Error("service_terminated", slog.Any("err", err))
			return 1
		}
	case cli.Replay:
		replayed, remaining, err := machine.Replay(ctx)
		if err != nil {
			logger.Error("replay_failed", slog.Any("err", err))
			return 1
		}
		if remaining > 0 {
			logger.Warn("replay_incomplete", slog.Int("replayed", replayed), slog.Int("remaining", remaining))
			return 1
		}
	}
	logger.Info("service_stopped")
	return 0
}
