package service_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/ppsrunner/internal/ledger"
	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
	"github.com/CZERTAINLY/ppsrunner/internal/service"
)

const (
	cmaName  = "S_NWC_CMA_noaa19_12345_20210101T120000000Z_20210101T121500000Z.nc"
	ctName   = "S_NWC_CT_noaa19_12345_20210101T120000000Z_20210101T121500000Z.h5"
	statName = "S_NWC_CMA_noaa19_12345_20210101T120000000Z_20210101T121500000Z_statistics.xml"
)

var sceneStart = time.Date(2021, 1, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mx    sync.Mutex
	items []service.Outgoing
	err   error
}

func (s *recordingSink) Send(_ context.Context, item service.Outgoing) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, item)
	return nil
}

func (s *recordingSink) get() []service.Outgoing {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]service.Outgoing(nil), s.items...)
}

type recordingAux struct {
	mx       sync.Mutex
	refs     []time.Time
	horizons [][]int
}

func (a *recordingAux) Prepare(_ context.Context, ref time.Time, horizons []int) error {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.refs = append(a.refs, ref)
	a.horizons = append(a.horizons, horizons)
	return nil
}

func noaaSpec(t *testing.T) model.JobSpec {
	t.Helper()
	m := message.New("/AAPP-HRPT/1C/", message.TypeFile, "aapp@rx", map[string]any{
		"platform_name":         "NOAA-19",
		"orbit_number":          12345,
		"start_time":            sceneStart,
		"sensor":                "avhrr/3",
		"data_processing_level": "1B",
		"uri":                   "/data/l1b/avhrr.l1b",
		"station":               "norrkoping",
	})
	ev, err := model.ParseEvent(m)
	require.NoError(t, err)
	return model.JobSpec{
		ID:       "NOAA-19_12345_202101011200",
		Platform: "NOAA-19",
		Orbit:    12345,
		Day:      "20210101",
		Hour:     "1200",
		Start:    sceneStart,
		Sensors:  []string{"avhrr/3", "mhs", "amsu-a"},
		Event:    ev,
	}
}

func TestJobRunner_Argv(t *testing.T) {
	t.Parallel()
	cfg := service.JobConfig{Lvl1NPPPath: "/data/npp", Lvl1EOSPath: "/data/eos"}
	jr := service.NewJobRunner(cfg, satellite.Default(), &recordingSink{})

	testCases := []struct {
		scenario string
		given    model.JobSpec
		then     []string
	}{
		{"noaa", model.JobSpec{Platform: "NOAA-19", Orbit: 12345, Day: "20210101", Hour: "1200"}, []string{"noaa19", "12345", "0", "0"}},
		{"metop", model.JobSpec{Platform: "Metop-B", Orbit: 42}, []string{"metop01", "42", "0", "0"}},
		{"eos", model.JobSpec{Platform: "EOS-Aqua", Orbit: 7, Day: "20210101", Hour: "1200"}, []string{"eos2", "7", "20210101", "1200", "/data/eos"}},
		{"jpss", model.JobSpec{Platform: "Suomi-NPP", Orbit: 9}, []string{"npp", "9", "0", "0", "/data/npp"}},
	}
	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			got, err := jr.Argv(tt.given)
			require.NoError(t, err)
			require.Equal(t, tt.then, got)
		})
	}

	_, err := jr.Argv(model.JobSpec{Platform: "Sentinel-3A"})
	require.ErrorIs(t, err, service.ErrUnknownPlatform)

	bare := service.NewJobRunner(service.JobConfig{}, satellite.Default(), &recordingSink{})
	got, err := bare.Argv(model.JobSpec{Platform: "EOS-Terra", Orbit: 7, Day: "20210101", Hour: "1200"})
	require.NoError(t, err)
	require.Equal(t, []string{"eos1", "7", "20210101", "1200"}, got)
}

func TestJobRunner_Run(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`
test "$*" = "noaa19 12345 0 0" || exit 2
echo cma > %[1]s/%[2]s
echo ct > %[1]s/%[3]s
echo unrelated > %[1]s/S_NWC_CMA_noaa18_12345_x.nc
`, out, cmaName, ctName))

	now := time.Now()
	sink := &recordingSink{}
	aux := &recordingAux{}
	jr := service.NewJobRunner(service.JobConfig{
		Script:     path,
		OutputDir:  out,
		Timeout:    10 * time.Second,
		Site:       "norrkoping",
		Mode:       "offline",
		Servername: "pps-host",
		Horizons:   []int{3, 6},
	}, satellite.Default(), sink, service.WithAux(aux), service.WithClock(func() time.Time { return now }))

	require.NoError(t, jr.Run(t.Context(), noaaSpec(t)))

	require.Equal(t, []time.Time{now.Add(-24 * time.Hour)}, aux.refs)
	require.Equal(t, [][]int{{3, 6}}, aux.horizons)

	items := sink.get()
	require.Len(t, items, 2)

	cma := items[0].Msg
	require.Equal(t, "/CF/2/norrkoping/offline/polar/direct_readout/", cma.Subject)
	require.Equal(t, message.TypeFile, cma.Type)
	require.Equal(t, "ssh://pps-host"+filepath.Join(out, cmaName), cma.Data["uri"])
	require.Equal(t, cmaName, cma.Data["uid"])
	require.Equal(t, "CF", cma.Data["format"])
	require.Equal(t, "netCDF4", cma.Data["type"])
	require.Equal(t, "2", cma.Data["data_processing_level"])
	require.Equal(t, []string{"avhrr/3", "mhs", "amsu-a"}, cma.Data["sensor"])
	require.Equal(t, "NOAA-19", cma.Data["platform_name"])
	require.Equal(t, 12345, cma.Data["orbit_number"])
	require.Equal(t, sceneStart, cma.Data["start_time"])
	require.Equal(t, sceneStart.Add(15*time.Minute), cma.Data["end_time"])
	require.Equal(t, "norrkoping", cma.Data["station"])
	require.Equal(t, filepath.Join(out, cmaName), items[0].Path)

	ct := items[1].Msg
	require.Equal(t, "/PPS/2/norrkoping/offline/polar/direct_readout/", ct.Subject)
	require.Equal(t, "HDF5", ct.Data["type"])
}

func TestJobRunner_TimeoutPublishesPartialOutput(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`echo cma > %s/%s; exec sleep 30`, out, cmaName))

	sink := &recordingSink{}
	jr := service.NewJobRunner(service.JobConfig{
		Script:    path,
		OutputDir: out,
		Timeout:   300 * time.Millisecond,
	}, satellite.Default(), sink)

	start := time.Now()
	require.NoError(t, jr.Run(t.Context(), noaaSpec(t)))
	require.Less(t, time.Since(start), 10*time.Second)
	items := sink.get()
	require.Len(t, items, 1)
	require.Equal(t, cmaName, items[0].Msg.Data["uid"])
}

func TestJobRunner_AbnormalExit(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`echo ct > %s/%s; exit 1`, out, ctName))

	sink := &recordingSink{}
	jr := service.NewJobRunner(service.JobConfig{Script: path, OutputDir: out, Timeout: 10 * time.Second}, satellite.Default(), sink)
	require.NoError(t, jr.Run(t.Context(), noaaSpec(t)))
	require.Len(t, sink.get(), 1)
}

func TestJobRunner_MissingScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	l, err := ledger.Open(t.Context(), filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	sink := &recordingSink{}
	jr := service.NewJobRunner(service.JobConfig{
		Script:    filepath.Join(dir, "missing.sh"),
		OutputDir: dir,
	}, satellite.Default(), sink, service.WithLedger(l))

	err = jr.Run(t.Context(), noaaSpec(t))
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Empty(t, sink.get())
}

func TestJobRunner_StatisticsAndTimeControl(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	stats := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`echo ctrl > %s/S_NWC_timectrl_noaa19_12345_20210101.txt`, stats))

	lookSh(t)
	tcScript := filepath.Join(t.TempDir(), "timectrl.sh")
	require.NoError(t, os.WriteFile(tcScript, []byte(fmt.Sprintf(
		"#!/bin/sh\ntest -f \"$1\" || exit 2\necho xml > %s/%s\n", stats, statName)), 0o755))

	sink := &recordingSink{}
	jr := service.NewJobRunner(service.JobConfig{
		Script:        path,
		OutputDir:     out,
		StatisticsDir: stats,
		Timeout:       10 * time.Second,
		Site:          "norrkoping",
		Mode:          "offline",
	}, satellite.Default(), sink,
		service.WithTimeControl(service.NewTimeControl(stats, service.Command{Path: tcScript, Timeout: 10 * time.Second})),
	)

	require.NoError(t, jr.Run(t.Context(), noaaSpec(t)))
	items := sink.get()
	require.Len(t, items, 1)
	require.Equal(t, "/PPS-XML/2/norrkoping/offline/polar/direct_readout/", items[0].Msg.Subject)
	require.Equal(t, "XML", items[0].Msg.Data["type"])
	require.Equal(t, statName, items[0].Msg.Data["uid"])
}

func TestJobRunner_LedgerSkipsPublished(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`test -f %[1]s/%[2]s || echo cma > %[1]s/%[2]s`, out, cmaName))

	l, err := ledger.Open(t.Context(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	sink := &recordingSink{}
	jr := service.NewJobRunner(service.JobConfig{Script: path, OutputDir: out, Timeout: 10 * time.Second},
		satellite.Default(), sink, service.WithLedger(l))

	require.NoError(t, jr.Run(t.Context(), noaaSpec(t)))
	items := sink.get()
	require.Len(t, items, 1)
	require.NotEmpty(t, items[0].RunID)
	require.NoError(t, l.MarkPublished(t.Context(), items[0].RunID, items[0].Path, items[0].ModTime))

	run, err := l.Get(t.Context(), items[0].RunID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatePublished, run.State)

	require.NoError(t, jr.Run(t.Context(), noaaSpec(t)))
	require.Len(t, sink.get(), 1)
}

func TestJobRunner_SinkClosed(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	path := script(t, t.TempDir(), fmt.Sprintf(`echo cma > %s/%s`, out, cmaName))

	sink := &recordingSink{err: model.ErrClosed}
	jr := service.NewJobRunner(service.JobConfig{Script: path, OutputDir: out, Timeout: 10 * time.Second}, satellite.Default(), sink)
	require.ErrorIs(t, jr.Run(t.Context(), noaaSpec(t)), model.ErrClosed)
}
