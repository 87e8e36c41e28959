package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/artifact"
	"github.com/CZERTAINLY/ppsrunner/internal/ledger"
	"github.com/CZERTAINLY/ppsrunner/internal/log"
	"github.com/CZERTAINLY/ppsrunner/internal/message"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// JobConfig is the part of model.Config a JobRunner needs.
type JobConfig struct {
	Script        string
	OutputDir     string
	StatisticsDir string
	Lvl1NPPPath   string
	Lvl1EOSPath   string
	Timeout       time.Duration
	Freshness     time.Duration
	Site          string
	Mode          string
	Servername    string
	Horizons      []int
}

func NewJobConfig(cfg model.Config) JobConfig {
	jc := JobConfig{
		Script:        cfg.Script,
		OutputDir:     cfg.OutputDir,
		StatisticsDir: cfg.StatisticsDir,
		Lvl1NPPPath:   cfg.Lvl1NPPPath,
		Lvl1EOSPath:   cfg.Lvl1EOSPath,
		Timeout:       cfg.Timeout.Std(),
		Freshness:     cfg.Freshness.Std(),
		Site:          cfg.Site,
		Mode:          cfg.Mode,
		Servername:    cfg.Servername,
		Horizons:      DefaultHorizons,
	}
	if cfg.NWP != nil && len(cfg.NWP.Horizons) > 0 {
		jc.Horizons = cfg.NWP.Horizons
	}
	return jc
}

// Sink accepts outgoing notifications, *Outbox implements it.
type Sink interface {
	Send(ctx context.Context, item Outgoing) error
}

// JobRunner runs the PPS script on one ready scene and announces what it
// produced.
type JobRunner struct {
	cfg         JobConfig
	catalog     satellite.Catalog
	aux         model.AuxPreparer
	timeControl *TimeControl
	ledger      model.Ledger
	sink        Sink
	sender      string
	now         func() time.Time
}

type JobOption func(*JobRunner)

func WithAux(aux model.AuxPreparer) JobOption {
	return func(j *JobRunner) { j.aux = aux }
}

func WithTimeControl(tc *TimeControl) JobOption {
	return func(j *JobRunner) { j.timeControl = tc }
}

func WithLedger(l model.Ledger) JobOption {
	return func(j *JobRunner) { j.ledger = l }
}

func WithClock(now func() time.Time) JobOption {
	return func(j *JobRunner) { j.now = now }
}

func NewJobRunner(cfg JobConfig, catalog satellite.Catalog, sink Sink, opts ...JobOption) *JobRunner {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if cfg.Servername == "" {
		cfg.Servername = host
	}
	if cfg.Freshness == 0 {
		cfg.Freshness = artifact.DefaultFreshness
	}
	j := &JobRunner{
		cfg:     cfg,
		catalog: catalog,
		aux:     NopPreparer{},
		ledger:  ledger.Nop{},
		sink:    sink,
		sender:  "ppsrunner@" + host,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Argv returns the PPS script arguments for spec: code, orbit, day and hour
// for EOS, code, orbit, 0 and 0 otherwise, followed by the level-1 path of
// the family when configured.
func (j *JobRunner) Argv(spec model.JobSpec) ([]string, error) {
	platform, ok := j.catalog.Lookup(spec.Platform)
	if !ok {
		return nil, fmt.Errorf("%s: %w", spec.Platform, ErrUnknownPlatform)
	}
	argv := []string{platform.Code, strconv.Itoa(spec.Orbit)}
	switch platform.Family {
	case satellite.FamilyEOS:
		argv = append(argv, spec.Day, spec.Hour)
		if j.cfg.Lvl1EOSPath != "" {
			argv = append(argv, j.cfg.Lvl1EOSPath)
		}
	case satellite.FamilyJPSS:
		argv = append(argv, "0", "0")
		if j.cfg.Lvl1NPPPath != "" {
			argv = append(argv, j.cfg.Lvl1NPPPath)
		}
	default:
		argv = append(argv, "0", "0")
	}
	return argv, nil
}

// Run processes spec. Errors are returned only when nothing could be
// launched or the outgoing queue is gone; a failing or timed out script
// still has its outputs collected and published.
func (j *JobRunner) Run(ctx context.Context, spec model.JobSpec) (err error) {
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", spec.ID),
		slog.String("platform", spec.Platform),
		slog.Int("orbit", spec.Orbit),
	)
	start := j.now()

	runID, lerr := j.ledger.Begin(ctx, spec.ID)
	if lerr != nil {
		slog.ErrorContext(ctx, "recording run failed", "error", lerr)
	}
	state := model.JobStateFailed
	reason := ""
	defer func() {
		if err != nil {
			reason = err.Error()
		}
		if lerr := j.ledger.Finish(ctx, runID, state, reason); lerr != nil {
			slog.ErrorContext(ctx, "recording run result failed", "error", lerr)
		}
		slog.InfoContext(ctx, "PPS on scene finished", "state", state, "elapsed", j.now().Sub(start).String())
	}()

	platform, ok := j.catalog.Lookup(spec.Platform)
	if !ok {
		return fmt.Errorf("%s: %w", spec.Platform, ErrUnknownPlatform)
	}
	argv, err := j.Argv(spec)
	if err != nil {
		return err
	}
	if err := CheckExecutable(j.cfg.Script); err != nil {
		return fmt.Errorf("pps script: %w", err)
	}

	prepareAux(ctx, j.aux, j.cfg.Horizons, j.now())

	slog.InfoContext(ctx, "starting PPS", "script", j.cfg.Script, "args", argv)
	j.setState(ctx, runID, model.JobStateLaunched)
	res := NewRunner().Run(ctx, Command{
		Path:    j.cfg.Script,
		Args:    argv,
		Timeout: j.cfg.Timeout,
	}, logLine)
	switch {
	case !res.Launched():
		return fmt.Errorf("launching pps: %w", res.Err)
	case res.TimedOut:
		slog.ErrorContext(ctx, "PPS timed out: process killed", "timeout", j.cfg.Timeout.String())
		j.setState(ctx, runID, model.JobStateTimedOut)
		reason = "timed out"
	case res.Err != nil:
		slog.ErrorContext(ctx, "PPS exited abnormally", "exit_code", res.ExitCode(), "error", res.Err)
		j.setState(ctx, runID, model.JobStateExited)
		reason = "exit code " + strconv.Itoa(res.ExitCode())
	default:
		slog.InfoContext(ctx, "ready with PPS level-2 processing", "elapsed", res.Stopped.Sub(res.Started).String())
		j.setState(ctx, runID, model.JobStateExited)
	}

	if err := j.timeControl.Run(ctx, platform.OutputCode, spec.Orbit); err != nil {
		slog.ErrorContext(ctx, "time control failed", "error", err)
	}

	found := j.collect(ctx, platform.OutputCode, spec.Orbit)
	j.setState(ctx, runID, model.JobStateCollected)

	for _, a := range found {
		msg, ok := j.outgoing(ctx, spec, a)
		if !ok {
			continue
		}
		if err := j.sink.Send(ctx, Outgoing{Msg: msg, RunID: runID, Path: a.Path, ModTime: a.ModTime}); err != nil {
			return fmt.Errorf("queueing %s: %w", a.Name(), err)
		}
	}
	state = model.JobStatePublished
	return nil
}

func (j *JobRunner) setState(ctx context.Context, runID string, state model.JobState) {
	if err := j.ledger.SetState(ctx, runID, state); err != nil {
		slog.ErrorContext(ctx, "recording job state failed", "state", state, "error", err)
	}
}

// collect scans the output and statistics directories and drops what the
// ledger says was announced before.
func (j *JobRunner) collect(ctx context.Context, outputCode string, orbit int) []artifact.Artifact {
	dirs := []string{j.cfg.OutputDir}
	if j.cfg.StatisticsDir != "" && filepath.Clean(j.cfg.StatisticsDir) != filepath.Clean(j.cfg.OutputDir) {
		dirs = append(dirs, j.cfg.StatisticsDir)
	}

	now := j.now()
	var ret []artifact.Artifact
	for _, dir := range dirs {
		found, err := artifact.Scan(ctx, dir, outputCode, orbit, j.cfg.Freshness, now)
		if err != nil {
			slog.ErrorContext(ctx, "scanning for PPS output failed", "dir", dir, "error", err)
			continue
		}
		for _, a := range found {
			published, err := j.ledger.Published(ctx, a.Path, a.ModTime)
			if err != nil {
				slog.ErrorContext(ctx, "checking ledger failed", "path", a.Path, "error", err)
			}
			if published {
				slog.InfoContext(ctx, "already published: skipping", "path", a.Path)
				continue
			}
			ret = append(ret, a)
		}
	}
	slog.InfoContext(ctx, "PPS output files", "count", len(ret))
	return ret
}

// outgoing builds the level-2 notification of a. The payload starts from
// the triggering level-1 message.
func (j *JobRunner) outgoing(ctx context.Context, spec model.JobSpec, a artifact.Artifact) (message.Message, bool) {
	meta, err := artifact.ParseName(a.Name())
	if err != nil {
		slog.WarnContext(ctx, "unexpected PPS output name: skipping", "path", a.Path, "error", err)
		return message.Message{}, false
	}
	format, typ := a.Kind.Format()

	data := spec.Event.Message.CopyData()
	delete(data, "dataset")
	delete(data, "collection")
	path, err := filepath.Abs(a.Path)
	if err != nil {
		path = a.Path
	}
	data["uri"] = "ssh://" + j.cfg.Servername + filepath.ToSlash(path)
	data["uid"] = a.Name()
	data["sensor"] = sensorValue(spec.Sensors)
	data["platform_name"] = spec.Platform
	data["orbit_number"] = spec.Orbit
	data["format"] = format
	data["type"] = typ
	data["data_processing_level"] = "2"
	data["start_time"] = meta.Start
	data["end_time"] = meta.End

	subject := fmt.Sprintf("/%s/2/%s/%s/polar/direct_readout/", format, j.cfg.Site, j.cfg.Mode)
	return message.New(subject, message.TypeFile, j.sender, data), true
}

func sensorValue(sensors []string) any {
	if len(sensors) == 1 {
		return sensors[0]
	}
	return slices.Clone(sensors)
}

func logAttrs(ctx context.Context, component string) context.Context {
	return log.ContextAttrs(ctx, slog.String("component", component))
}

func logLine(ctx context.Context, stream, line string) {
	slog.InfoContext(ctx, line, "stream", stream)
}
