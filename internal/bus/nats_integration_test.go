//go:build integration_nats

package bus_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/CZERTAINLY/ppsrunner/internal/bus"
	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

func startNATS(t *testing.T) (url string, stop func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start nats container: %v", err)
	}
	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "4222/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	url = fmt.Sprintf("nats://%s:%s", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return url, stop
}

func TestNATS_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	url, stop := startNATS(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := bus.Dial(ctx, url, "ppsrunner-integration")
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.Subscribe("AAPP-HRPT", "SDR/1B")
	require.NoError(t, err)
	defer sub.Close()

	pub := conn.Publisher()
	start := time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)
	for _, subject := range []string{"/AAPP-HRPT", "/SDR/1B/npp/", "/EOS/1B"} {
		msg := message.New(subject, message.TypeFile, "rx@station", map[string]any{
			"platform_name": "NOAA-19",
			"orbit_number":  12345,
			"start_time":    start,
		})
		require.NoError(t, pub.Publish(ctx, msg))
	}
	require.NoError(t, pub.Close())

	var subjects []string
	for range 2 {
		got, err := sub.Receive(ctx, 5*time.Second)
		require.NoError(t, err)
		subjects = append(subjects, got.Subject)
		require.Equal(t, start, got.Data["start_time"])
	}
	require.ElementsMatch(t, []string{"/AAPP-HRPT", "/SDR/1B/npp/"}, subjects)

	_, err = sub.Receive(ctx, 200*time.Millisecond)
	require.ErrorIs(t, err, model.ErrReceiveTimeout)
}
