// Package scene decides when a satellite overpass has all the level-1 input
// PPS needs.
package scene

import (
	"strconv"
	"time"
)

const DefaultTolerance = 5 * time.Minute

// Key identifies one overpass. Two keys are Equal when platform and orbit
// match and the start times are closer than the tolerance. The relation is
// not transitive.
type Key struct {
	Platform  string
	Orbit     int
	Start     time.Time
	Tolerance time.Duration
}

func NewKey(platform string, orbit int, start time.Time) Key {
	return Key{
		Platform:  platform,
		Orbit:     orbit,
		Start:     start,
		Tolerance: DefaultTolerance,
	}
}

// Equal uses the tolerance of k.
func (k Key) Equal(other Key) bool {
	if k.Platform != other.Platform || k.Orbit != other.Orbit {
		return false
	}
	d := k.Start.Sub(other.Start)
	if d < 0 {
		d = -d
	}
	return d < k.Tolerance
}

// String renders platform_orbit_YYYYMMDDHHMM, the job id of the scene.
func (k Key) String() string {
	return k.Platform + "_" + strconv.Itoa(k.Orbit) + "_" + k.Start.UTC().Format("200601021504")
}
