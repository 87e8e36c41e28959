package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
)

// Listener reads level-1 notifications and forwards the admissible ones as
// events. It owns the events channel and closes it when Run returns.
type Listener struct {
	sub     model.Subscriber
	catalog satellite.Catalog
	timeout time.Duration
	events  chan model.Event
}

func NewListener(sub model.Subscriber, catalog satellite.Catalog, timeout time.Duration) *Listener {
	return &Listener{
		sub:     sub,
		catalog: catalog,
		timeout: timeout,
		events:  make(chan model.Event, 64),
	}
}

func (l *Listener) Events() <-chan model.Event {
	return l.events
}

// Run receives until ctx is cancelled or the subscriber is closed. Each
// receive waits at most the receive timeout so cancellation is observed
// even on a silent bus.
func (l *Listener) Run(ctx context.Context) error {
	ctx = logAttrs(ctx, "listener")
	defer close(l.events)
	defer func() {
		if err := l.sub.Close(); err != nil {
			slog.ErrorContext(ctx, "closing subscriber failed", "error", err)
		}
	}()

	slog.InfoContext(ctx, "listener started")
	for {
		msg, err := l.sub.Receive(ctx, l.timeout)
		switch {
		case ctx.Err() != nil:
			slog.InfoContext(ctx, "listener stopped")
			return nil
		case errors.Is(err, model.ErrReceiveTimeout):
			continue
		case errors.Is(err, model.ErrClosed):
			slog.InfoContext(ctx, "subscriber closed: listener stopped")
			return nil
		case err != nil:
			slog.WarnContext(ctx, "receiving message failed: ignoring", "error", err)
			continue
		}

		slog.DebugContext(ctx, "received message", "message", msg.String())
		ev, err := model.ParseEvent(msg)
		if err != nil {
			slog.InfoContext(ctx, "message is not a level-1 notification: ignoring", "subject", msg.Subject, "error", err)
			continue
		}
		if !l.catalog.IsSupported(ev.Platform) {
			slog.InfoContext(ctx, "platform not supported: ignoring", "platform", ev.Platform)
			continue
		}

		select {
		case l.events <- ev:
		case <-ctx.Done():
			slog.InfoContext(ctx, "listener stopped")
			return nil
		}
	}
}
