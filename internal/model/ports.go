package model

import (
	"context"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/message"
)

// Subscriber delivers decoded notifications from the level-1 topics.
// Receive returns ErrReceiveTimeout when nothing arrived within timeout.
type Subscriber interface {
	Receive(ctx context.Context, timeout time.Duration) (message.Message, error)
	Close() error
}

// Publisher sends level-2 notifications.
type Publisher interface {
	Publish(ctx context.Context, msg message.Message) error
	Close() error
}

// AuxPreparer prepares the numerical weather prediction fields PPS reads for
// the given reference time and forecast horizons (hours).
type AuxPreparer interface {
	Prepare(ctx context.Context, reference time.Time, horizons []int) error
}

// Ledger records job runs and the artifacts already published, so a file
// is announced once even when its scene is processed again.
type Ledger interface {
	Begin(ctx context.Context, jobID string) (runID string, err error)
	SetState(ctx context.Context, runID string, state JobState) error
	Finish(ctx context.Context, runID string, state JobState, reason string) error
	Published(ctx context.Context, path string, mtime time.Time) (bool, error)
	MarkPublished(ctx context.Context, runID, path string, mtime time.Time) error
}
