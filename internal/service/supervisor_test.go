package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/CZERTAINLY/ppsrunner/internal/bus"
	"github.com/CZERTAINLY/ppsrunner/internal/ledger"
	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
	"github.com/CZERTAINLY/ppsrunner/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, scriptPath, out string) model.Config {
	t.Helper()
	cfg := model.DefaultConfig()
	cfg.Script = scriptPath
	cfg.OutputDir = out
	cfg.Servername = "pps-host"
	cfg.Timeout = model.Duration(10 * time.Second)
	cfg.ShutdownGrace = model.Duration(10 * time.Second)
	cfg.Transport.ReceiveTimeout = model.Duration(20 * time.Millisecond)
	return cfg
}

func publishL1(t *testing.T, b *bus.Memory, sensor, level, uri string) {
	t.Helper()
	msg := message.New("/AAPP-HRPT/1C/norrkoping/", message.TypeFile, "aapp@rx", map[string]any{
		"platform_name":         "NOAA-19",
		"orbit_number":          12345,
		"start_time":            sceneStart,
		"end_time":              sceneStart.Add(15 * time.Minute),
		"sensor":                sensor,
		"data_processing_level": level,
		"uri":                   uri,
	})
	require.NoError(t, b.Publish(t.Context(), msg))
}

func level2(b *bus.Memory) []message.Message {
	var ret []message.Message
	for _, m := range b.Published() {
		if strings.HasSuffix(m.Subject, "/polar/direct_readout/") {
			ret = append(ret, m)
		}
	}
	return ret
}

func TestSupervisor(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`echo cma > %s/%s`, out, cmaName))
	cfg := testConfig(t, path, out)

	l, err := ledger.Open(t.Context(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	b := bus.NewMemory()
	sup, err := service.NewSupervisor(t.Context(), cfg, satellite.Default(), service.Ports{
		Subscriber: b.Subscribe(cfg.Transport.Topics...),
		Publisher:  b,
		Ledger:     l,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error)
	go func() { done <- sup.Do(ctx) }()

	publishL1(t, b, "amsu-a", "1C", "/data/l1c/amsua.l1c")
	publishL1(t, b, "mhs", "1C", "/data/l1c/mhs.l1c")
	publishL1(t, b, "avhrr/3", "1B", "/data/l1b/avhrr.l1b")
	// not a level-1 notification
	require.NoError(t, b.Publish(t.Context(), message.New("/AAPP-HRPT/", message.TypeFile, "aapp@rx", map[string]any{"uri": "/x"})))

	require.Eventually(t, func() bool {
		return len(level2(b)) == 1
	}, 10*time.Second, 20*time.Millisecond)

	msg := level2(b)[0]
	require.Equal(t, "/CF/2/norrkoping/offline/polar/direct_readout/", msg.Subject)
	require.Equal(t, "ssh://pps-host"+filepath.Join(out, cmaName), msg.Data["uri"])
	require.Equal(t, sceneStart, msg.Data["start_time"])
	require.Equal(t, []any{"avhrr/3", "mhs", "amsu-a"}, msg.Data["sensor"])

	cancel()
	require.NoError(t, <-done)

	// shutdown closed the subscription
	require.NoError(t, b.Publish(t.Context(), msg))
	require.Len(t, level2(b), 2)
}

func TestSupervisor_ShutdownCancelsAfterGrace(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	started := filepath.Join(t.TempDir(), "started")
	path := script(t, t.TempDir(), fmt.Sprintf("touch %s\nexec sleep 30", started))
	cfg := testConfig(t, path, out)
	cfg.ShutdownGrace = model.Duration(100 * time.Millisecond)

	b := bus.NewMemory()
	sup, err := service.NewSupervisor(t.Context(), cfg, satellite.Default(), service.Ports{
		Subscriber: b.Subscribe(cfg.Transport.Topics...),
		Publisher:  b,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error)
	go func() { done <- sup.Do(ctx) }()

	msg := message.New("/SDR/1B/", message.TypeFile, "viirs@rx", map[string]any{
		"platform_name": "Suomi-NPP",
		"orbit_number":  42,
		"start_time":    sceneStart,
		"sensor":        "viirs",
		"uri":           "/data/sdr/GMTCO_npp.h5",
	})
	require.NoError(t, b.Publish(t.Context(), msg))
	require.Eventually(t, func() bool {
		_, err := os.Stat(started)
		return err == nil
	}, 10*time.Second, 10*time.Millisecond)

	start := time.Now()
	cancel()
	require.NoError(t, <-done)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, cfg.ShutdownGrace.Std())
	require.Less(t, elapsed, 10*time.Second)
}

func TestNewSupervisor_Invalid(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig()
	b := bus.NewMemory()
	_, err := service.NewSupervisor(t.Context(), cfg, satellite.Default(), service.Ports{
		Subscriber: b.Subscribe("AAPP-HRPT"),
		Publisher:  b,
	})
	require.Error(t, err)
	require.ErrorContains(t, err, "PPS_SCRIPT")
}
