package model

import (
	"time"
)

// JobState is the lifecycle state of one PPS run.
type JobState string

const (
	JobStateDispatched JobState = "dispatched"
	JobStateLaunched   JobState = "launched"
	JobStateTimedOut   JobState = "timed_out"
	JobStateExited     JobState = "exited"
	JobStateCollected  JobState = "outputs_collected"
	JobStatePublished  JobState = "published"
	JobStateFailed     JobState = "failed"
)

// JobSpec is everything needed to run PPS on one ready scene.
type JobSpec struct {
	ID       string
	Platform string
	Orbit    int
	// Day (YYYYMMDD) and Hour (HHMM) of the scene start; EOS argv only.
	Day     string
	Hour    string
	Start   time.Time
	End     time.Time
	Sensors []string
	Event   Event
}
