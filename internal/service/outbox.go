package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

// Outgoing is a level-2 notification waiting for the publisher together
// with the artifact it announces.
type Outgoing struct {
	Msg     message.Message
	RunID   string
	Path    string
	ModTime time.Time
}

// Outbox is the FIFO queue between jobs and the publisher. Sends after
// Close fail with model.ErrClosed; everything sent before Close is still
// handed to the publisher.
type Outbox struct {
	ch     chan Outgoing
	mx     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewOutbox(size int) *Outbox {
	return &Outbox{
		ch:   make(chan Outgoing, size),
		done: make(chan struct{}),
	}
}

func (o *Outbox) Send(ctx context.Context, item Outgoing) error {
	o.mx.RLock()
	defer o.mx.RUnlock()
	if o.closed {
		return model.ErrClosed
	}
	select {
	case o.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. It waits for in-flight sends, which requires the
// publisher to keep draining.
func (o *Outbox) Close() {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.done)
}

// Publisher drains an Outbox to a model.Publisher in FIFO order and records
// every announced artifact in the ledger.
type Publisher struct {
	outbox *Outbox
	pub    model.Publisher
	ledger model.Ledger
}

func NewPublisher(outbox *Outbox, pub model.Publisher, ledger model.Ledger) *Publisher {
	return &Publisher{outbox: outbox, pub: pub, ledger: ledger}
}

// Run publishes until the outbox is closed and empty, then closes the
// underlying publisher. Publish failures are logged and the message is
// dropped.
func (p *Publisher) Run(ctx context.Context) error {
	ctx = logAttrs(ctx, "publisher")
	defer func() {
		if err := p.pub.Close(); err != nil {
			slog.ErrorContext(ctx, "closing publisher failed", "error", err)
		}
	}()

	for {
		select {
		case item := <-p.outbox.ch:
			p.publish(ctx, item)
		case <-p.outbox.done:
			for {
				select {
				case item := <-p.outbox.ch:
					p.publish(ctx, item)
				default:
					slog.DebugContext(ctx, "outbox drained")
					return nil
				}
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, item Outgoing) {
	slog.DebugContext(ctx, "sending", "message", item.Msg.String())
	if err := p.pub.Publish(ctx, item.Msg); err != nil {
		slog.ErrorContext(ctx, "publishing failed: dropping message", "path", item.Path, "error", err)
		return
	}
	slog.InfoContext(ctx, "published", "subject", item.Msg.Subject, "path", item.Path)
	if item.Path == "" {
		return
	}
	if err := p.ledger.MarkPublished(ctx, item.RunID, item.Path, item.ModTime); err != nil {
		slog.ErrorContext(ctx, "recording publication failed", "path", item.Path, "error", err)
	}
}
