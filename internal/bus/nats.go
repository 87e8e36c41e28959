package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

// Conn is a NATS connection shared by a Subscription and a Publisher.
type Conn struct {
	nc *nats.Conn
}

// Dial connects to url. The connection reconnects forever; disconnects and
// reconnects are logged.
func Dial(ctx context.Context, url, name string) (*Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.WarnContext(ctx, "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.InfoContext(ctx, "nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", url, err)
	}
	return &Conn{nc: nc}, nil
}

func (c *Conn) Close() error {
	c.nc.Close()
	return nil
}

// Subscription receives the messages published on a fixed topic set and
// their subtopics.
type Subscription struct {
	ch   chan *nats.Msg
	subs []*nats.Subscription
	once sync.Once
	done chan struct{}
}

var _ model.Subscriber = (*Subscription)(nil)

func (c *Conn) Subscribe(topics ...string) (*Subscription, error) {
	s := &Subscription{
		ch:   make(chan *nats.Msg, 256),
		done: make(chan struct{}),
	}
	for _, topic := range topics {
		subject := Subject(topic)
		for _, subj := range []string{subject, subject + ".>"} {
			sub, err := c.nc.ChanSubscribe(subj, s.ch)
			if err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("subscribing %s: %w", subj, err)
			}
			s.subs = append(s.subs, sub)
		}
	}
	if err := c.nc.Flush(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("flushing subscriptions: %w", err)
	}
	return s, nil
}

// Receive waits up to timeout for the next message. Payloads that are not
// pytroll messages are returned as errors wrapping message.ErrNotPytroll or
// message.ErrMalformed.
func (s *Subscription) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	case <-s.done:
		return message.Message{}, model.ErrClosed
	case <-timer.C:
		return message.Message{}, model.ErrReceiveTimeout
	case m := <-s.ch:
		msg, err := message.Decode(m.Data)
		if err != nil {
			return message.Message{}, fmt.Errorf("decoding message on %s: %w", m.Subject, err)
		}
		return msg, nil
	}
}

func (s *Subscription) Close() error {
	var errs []error
	s.once.Do(func() {
		close(s.done)
		for _, sub := range s.subs {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// Publisher sends messages on the subject derived from their topic.
type Publisher struct {
	nc *nats.Conn
}

var _ model.Publisher = Publisher{}

func (c *Conn) Publisher() Publisher {
	return Publisher{nc: c.nc}
}

func (p Publisher) Publish(ctx context.Context, msg message.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := p.nc.Publish(Subject(msg.Subject), raw); err != nil {
		return fmt.Errorf("publishing on %s: %w", msg.Subject, err)
	}
	return nil
}

// Close flushes buffered messages. The connection stays open.
func (p Publisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.nc.FlushWithContext(ctx); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("flushing nats: %w", err)
	}
	return nil
}
