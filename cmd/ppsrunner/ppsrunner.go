package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CZERTAINLY/ppsrunner/internal/bus"
	"github.com/CZERTAINLY/ppsrunner/internal/ledger"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
	"github.com/CZERTAINLY/ppsrunner/internal/service"
)

// run connects the transport, opens the ledger when configured and keeps
// the supervisor running until ctx is cancelled.
func run(ctx context.Context, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	conn, err := bus.Dial(ctx, cfg.Transport.URL, cfg.Transport.Name)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.ErrorContext(ctx, "closing transport failed", "error", err)
		}
	}()

	sub, err := conn.Subscribe(cfg.Transport.Topics...)
	if err != nil {
		return err
	}
	ports := service.Ports{
		Subscriber: sub,
		Publisher:  conn.Publisher(),
	}

	if cfg.Ledger != "" {
		l, err := ledger.Open(ctx, cfg.Ledger)
		if err != nil {
			_ = sub.Close()
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer func() {
			if err := l.Close(); err != nil {
				slog.ErrorContext(ctx, "closing ledger failed", "error", err)
			}
		}()
		ports.Ledger = l
	}

	supervisor, err := service.NewSupervisor(ctx, cfg, satellite.Default(), ports)
	if err != nil {
		_ = sub.Close()
		return err
	}
	slog.InfoContext(ctx, "ppsrunner started",
		"topics", cfg.Transport.Topics,
		"workers", cfg.Workers,
		"pending_policy", cfg.PendingPolicy,
		"pending_horizon", cfg.PendingHorizon,
	)
	return supervisor.Do(ctx)
}
