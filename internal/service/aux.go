package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/ppsrunner/internal/model"
)

// NWPLead is how far the NWP reference time lies before now.
const NWPLead = 24 * time.Hour

var DefaultHorizons = []int{3, 6, 9, 12, 15, 18, 21, 24}

// CommandPreparer prepares NWP fields by running an external command with
// the reference time (YYYYMMDDhhmm) and the comma separated horizons
// appended to its arguments. Calls are serialized.
type CommandPreparer struct {
	cmd    Command
	mx     sync.Mutex
	runner *Runner
}

var _ model.AuxPreparer = (*CommandPreparer)(nil)

func NewCommandPreparer(cfg model.NWP) *CommandPreparer {
	return &CommandPreparer{
		cmd: Command{
			Path:    cfg.Command,
			Args:    cfg.Args,
			Timeout: cfg.Timeout.Std(),
		},
		runner: NewRunner(),
	}
}

func (p *CommandPreparer) Prepare(ctx context.Context, reference time.Time, horizons []int) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	hs := make([]string, len(horizons))
	for i, h := range horizons {
		hs[i] = strconv.Itoa(h)
	}
	cmd := p.cmd
	cmd.Args = append(append([]string(nil), p.cmd.Args...),
		reference.UTC().Format("200601021504"),
		strings.Join(hs, ","),
	)

	ctx = logAttrs(ctx, "nwp")
	slog.InfoContext(ctx, "preparing nwp data", "reference", reference.UTC(), "horizons", horizons)
	res := p.runner.Run(ctx, cmd, logLine)
	switch {
	case res.TimedOut:
		return fmt.Errorf("nwp preparation timed out after %s", cmd.Timeout)
	case res.Err != nil:
		return fmt.Errorf("nwp preparation: %w", res.Err)
	}
	slog.InfoContext(ctx, "nwp data ready", "elapsed", res.Stopped.Sub(res.Started).String())
	return nil
}

// NopPreparer is used when no NWP command is configured.
type NopPreparer struct{}

func (NopPreparer) Prepare(context.Context, time.Time, []int) error { return nil }

// prepareAux runs aux for the current time, failures are only logged as PPS
// may still run on older NWP fields.
func prepareAux(ctx context.Context, aux model.AuxPreparer, horizons []int, now time.Time) {
	if err := aux.Prepare(ctx, now.Add(-NWPLead), horizons); err != nil {
		slog.ErrorContext(ctx, "nwp preparation failed", "error", err)
	}
}

func newScheduler(ctx context.Context, schedule string, task func()) (gocron.Scheduler, error) {
	if schedule == "" {
		return nil, errors.New("empty schedule")
	}
	if _, err := model.ParseCron(schedule); err != nil {
		return nil, fmt.Errorf("parsing nwp.schedule: %w", err)
	}
	job := gocron.CronJob(schedule, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", schedule)

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
