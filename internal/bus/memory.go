package bus

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

// Memory is an in-process bus. Messages go through the wire encoding so
// subscribers see what a NATS subscriber would.
type Memory struct {
	mx        sync.Mutex
	subs      []*MemorySubscription
	published []message.Message
}

var _ model.Publisher = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Subscribe(topics ...string) *MemorySubscription {
	s := &MemorySubscription{
		bus:    m,
		topics: slices.Clone(topics),
		ch:     make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	m.mx.Lock()
	m.subs = append(m.subs, s)
	m.mx.Unlock()
	return s
}

// Publish delivers msg to every matching subscription. A full subscription
// blocks the publisher until ctx ends.
func (m *Memory) Publish(ctx context.Context, msg message.Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	decoded, err := message.Decode(raw)
	if err != nil {
		return err
	}

	m.mx.Lock()
	m.published = append(m.published, decoded)
	subs := slices.Clone(m.subs)
	m.mx.Unlock()

	for _, s := range subs {
		if !s.matches(msg.Subject) {
			continue
		}
		select {
		case s.ch <- raw:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Published returns every message seen by the bus in publication order.
func (m *Memory) Published() []message.Message {
	m.mx.Lock()
	defer m.mx.Unlock()
	return slices.Clone(m.published)
}

func (m *Memory) Close() error { return nil }

func (m *Memory) remove(s *MemorySubscription) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.subs = slices.DeleteFunc(m.subs, func(x *MemorySubscription) bool { return x == s })
}

type MemorySubscription struct {
	bus    *Memory
	topics []string
	ch     chan []byte
	once   sync.Once
	done   chan struct{}
}

var _ model.Subscriber = (*MemorySubscription)(nil)

func (s *MemorySubscription) matches(subject string) bool {
	for _, t := range s.topics {
		if Matches(t, subject) {
			return true
		}
	}
	return false
}

func (s *MemorySubscription) Receive(ctx context.Context, timeout time.Duration) (message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	case <-s.done:
		return message.Message{}, model.ErrClosed
	case <-timer.C:
		return message.Message{}, model.ErrReceiveTimeout
	case raw := <-s.ch:
		return message.Decode(raw)
	}
}

func (s *MemorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
	})
	return nil
}
