package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/ppsrunner/internal/dispatch"
	"github.com/CZERTAINLY/ppsrunner/internal/ledger"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
	"github.com/CZERTAINLY/ppsrunner/internal/scene"
)

// Supervisor wires the listener, the aggregator, the pool, the job runner
// and the publisher together.
type Supervisor struct {
	listener  *Listener
	agg       *scene.Aggregator
	pool      *dispatch.Pool
	jobs      *JobRunner
	outbox    *Outbox
	publisher *Publisher
	aux       model.AuxPreparer
	horizons  []int
	scheduler gocron.Scheduler
	grace     time.Duration
}

// Ports are the external collaborators of a Supervisor.
type Ports struct {
	Subscriber model.Subscriber
	Publisher  model.Publisher
	// Ledger is optional.
	Ledger model.Ledger
}

func NewSupervisor(ctx context.Context, cfg model.Config, catalog satellite.Catalog, ports Ports) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := scene.ParsePolicy(cfg.PendingPolicy)
	if err != nil {
		return nil, err
	}
	led := ports.Ledger
	if led == nil {
		led = ledger.Nop{}
	}

	var aux model.AuxPreparer = NopPreparer{}
	var scheduler gocron.Scheduler
	jcfg := NewJobConfig(cfg)
	if cfg.NWP != nil {
		aux = NewCommandPreparer(*cfg.NWP)
		if cfg.NWP.Schedule != "" {
			scheduler, err = newScheduler(ctx, cfg.NWP.Schedule, func() {
				prepareAux(ctx, aux, jcfg.Horizons, time.Now())
			})
			if err != nil {
				return nil, err
			}
		}
	}

	var tc *TimeControl
	if cfg.TimeControl != nil {
		dir := cfg.StatisticsDir
		if dir == "" {
			dir = cfg.OutputDir
		}
		tc = NewTimeControl(dir, Command{
			Path:    cfg.TimeControl.Command,
			Args:    cfg.TimeControl.Args,
			Timeout: cfg.TimeControl.Timeout.Std(),
		})
	}

	hosts := []string{"localhost"}
	if cfg.Servername != "" {
		hosts = append(hosts, cfg.Servername)
	}

	agg := scene.New(catalog,
		scene.WithPolicy(policy),
		scene.WithHorizon(cfg.PendingHorizon.Std()),
		scene.WithLocalHosts(hosts...),
	)
	outbox := NewOutbox(256)
	return &Supervisor{
		listener:  NewListener(ports.Subscriber, catalog, cfg.Transport.ReceiveTimeout.Std()),
		agg:       agg,
		pool:      dispatch.New(cfg.Workers),
		jobs:      NewJobRunner(jcfg, catalog, outbox, WithAux(aux), WithTimeControl(tc), WithLedger(led)),
		outbox:    outbox,
		publisher: NewPublisher(outbox, ports.Publisher, led),
		aux:       aux,
		horizons:  jcfg.Horizons,
		scheduler: scheduler,
		grace:     cfg.ShutdownGrace.Std(),
	}, nil
}

// Do runs until ctx is cancelled or the listener fails, then shuts down in
// order: intake stops, running jobs get the shutdown grace before being
// cancelled, queued notifications are published and the ports are closed.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	prepareAux(ctx, s.aux, s.horizons, time.Now())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.listener.Run(gctx)
	})
	g.Go(func() error {
		// drains until the outbox is closed below, whatever happens to ctx
		return s.publisher.Run(context.WithoutCancel(ctx))
	})
	g.Go(func() error {
		defer s.outbox.Close()
		s.dispatch(gctx)
		slog.InfoContext(ctx, "waiting for running jobs", "jobs", s.pool.Running(), "grace", s.grace.String())
		if err := s.pool.Shutdown(s.grace); err != nil {
			if errors.Is(err, dispatch.ErrForceStopped) {
				slog.WarnContext(ctx, "jobs cancelled on shutdown")
				return nil
			}
			return fmt.Errorf("shutting down pool: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// dispatch evaluates events in arrival order and submits complete scenes.
// It returns once the listener closed its channel.
func (s *Supervisor) dispatch(ctx context.Context) {
	for ev := range s.listener.Events() {
		spec, ok := s.agg.Evaluate(ctx, ev)
		if !ok {
			continue
		}
		slog.InfoContext(ctx, "scene ready: dispatching", "job_id", spec.ID)
		s.pool.Submit(ctx, spec.ID, func(jctx context.Context) error {
			return s.jobs.Run(jctx, spec)
		})
	}
}
