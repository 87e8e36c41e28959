package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
)

// TimeControl turns the PPS time control text file of a scene into the
// statistics XML by running an external command on it.
type TimeControl struct {
	dir string
	cmd Command
}

func NewTimeControl(dir string, cmd Command) *TimeControl {
	return &TimeControl{dir: dir, cmd: cmd}
}

func timeControlGlob(outputCode string, orbit int) string {
	return fmt.Sprintf("S_NWC_timectrl_%s_%d*.txt", outputCode, orbit)
}

// Run does nothing unless exactly one control file of the scene exists.
// It is safe to call from concurrent jobs.
func (t *TimeControl) Run(ctx context.Context, outputCode string, orbit int) error {
	if t == nil || t.dir == "" {
		return nil
	}
	pattern := timeControlGlob(outputCode, orbit)
	matches, err := doublestar.Glob(os.DirFS(t.dir), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return fmt.Errorf("globbing time control files: %w", err)
	}
	slog.InfoContext(ctx, "time control file candidates", "dir", t.dir, "pattern", pattern, "matches", matches)
	if len(matches) != 1 {
		return nil
	}

	cmd := t.cmd
	cmd.Args = append(append([]string(nil), t.cmd.Args...), filepath.Join(t.dir, matches[0]))
	res := NewRunner().Run(logAttrs(ctx, "time_control"), cmd, logLine)
	switch {
	case res.TimedOut:
		return fmt.Errorf("time control timed out after %s", cmd.Timeout)
	case res.Err != nil:
		return fmt.Errorf("time control: %w", res.Err)
	}
	return nil
}
