package bus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/ppsrunner/internal/bus"
	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

func TestSubject(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		given string
		then  string
	}{
		{"/PPS/2/norrkoping/offline/polar/direct_readout/", "PPS.2.norrkoping.offline.polar.direct_readout"},
		{"AAPP-HRPT", "AAPP-HRPT"},
		{"/EOS/1B", "EOS.1B"},
		{"//SDR//1B/", "SDR.1B"},
	}
	for _, tt := range testCases {
		require.Equal(t, tt.then, bus.Subject(tt.given))
	}
	require.Equal(t, "/EOS/1B", bus.Topic("EOS.1B"))
}

func TestMatches(t *testing.T) {
	t.Parallel()
	require.True(t, bus.Matches("/AAPP-HRPT", "/AAPP-HRPT/"))
	require.True(t, bus.Matches("AAPP-HRPT", "/AAPP-HRPT/1b/norrkoping"))
	require.False(t, bus.Matches("AAPP-HRPT", "/AAPP-HRPTX"))
	require.False(t, bus.Matches("EOS/1B", "/EOS"))
}

func TestMemory(t *testing.T) {
	t.Parallel()
	b := bus.NewMemory()
	sub := b.Subscribe("AAPP-HRPT", "EOS/1B")
	other := b.Subscribe("SDR/1B")
	t.Cleanup(func() { _ = other.Close() })

	start := time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)
	msg := message.New("/AAPP-HRPT/1C/", message.TypeFile, "aapp@rx", map[string]any{
		"platform_name": "NOAA-19",
		"start_time":    start,
	})
	require.NoError(t, b.Publish(t.Context(), msg))

	got, err := sub.Receive(t.Context(), time.Second)
	require.NoError(t, err)
	require.Equal(t, "/AAPP-HRPT/1C/", got.Subject)
	require.Equal(t, start, got.Data["start_time"])

	_, err = other.Receive(t.Context(), 10*time.Millisecond)
	require.ErrorIs(t, err, model.ErrReceiveTimeout)

	require.Len(t, b.Published(), 1)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, err = sub.Receive(t.Context(), time.Second)
	require.ErrorIs(t, err, model.ErrClosed)
	// closed subscriptions no longer block publishers
	require.NoError(t, b.Publish(t.Context(), msg))
}
