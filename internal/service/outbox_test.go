package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/ppsrunner/internal/bus"
	"github.com/CZERTAINLY/ppsrunner/internal/ledger"
	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/service"
)

type failingPublisher struct {
	bus.Memory
	fail string
}

func (p *failingPublisher) Publish(ctx context.Context, msg message.Message) error {
	if msg.Data["uid"] == p.fail {
		return errors.New("broker gone")
	}
	return p.Memory.Publish(ctx, msg)
}

func outgoing(uid string) service.Outgoing {
	return service.Outgoing{
		Msg:     message.New("/PPS/2/site/test/polar/direct_readout/", message.TypeFile, "test", map[string]any{"uid": uid}),
		RunID:   "run-1",
		Path:    "/data/" + uid,
		ModTime: time.Unix(1609502400, 0),
	}
}

func TestPublisher_DrainsInOrder(t *testing.T) {
	t.Parallel()
	pub := &failingPublisher{fail: "b"}
	l, err := ledger.Open(t.Context(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	outbox := service.NewOutbox(8)
	for _, uid := range []string{"a", "b", "c"} {
		require.NoError(t, outbox.Send(t.Context(), outgoing(uid)))
	}
	outbox.Close()
	require.ErrorIs(t, outbox.Send(t.Context(), outgoing("d")), model.ErrClosed)

	// returns once everything queued before Close was handled
	require.NoError(t, service.NewPublisher(outbox, pub, l).Run(t.Context()))

	var uids []any
	for _, m := range pub.Published() {
		uids = append(uids, m.Data["uid"])
	}
	require.Equal(t, []any{"a", "c"}, uids)

	for uid, then := range map[string]bool{"a": true, "b": false, "c": true} {
		ok, err := l.Published(t.Context(), "/data/"+uid, time.Unix(1609502400, 0))
		require.NoError(t, err)
		require.Equal(t, then, ok, uid)
	}
}

func TestOutbox_SendBlocksUntilDrained(t *testing.T) {
	t.Parallel()
	outbox := service.NewOutbox(1)
	require.NoError(t, outbox.Send(t.Context(), outgoing("a")))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, outbox.Send(ctx, outgoing("b")), context.DeadlineExceeded)

	pub := bus.NewMemory()
	done := make(chan error)
	go func() { done <- service.NewPublisher(outbox, pub, ledger.Nop{}).Run(t.Context()) }()

	require.NoError(t, outbox.Send(t.Context(), outgoing("c")))
	outbox.Close()
	require.NoError(t, <-done)
	require.Len(t, pub.Published(), 2)
}
