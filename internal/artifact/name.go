package artifact

import (
	"errors"
	"fmt"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/pattern"
)

var ErrUnknownName = errors.New("filename matches no PPS template")

// Meta is what an output filename says about its content.
type Meta struct {
	Segment  string
	Platform string
	Orbit    int
	Start    time.Time
	End      time.Time
}

const stamp = "{start:%Y%m%dT%H%M%S%f}Z_{end:%Y%m%dT%H%M%S%f}Z"

// tried in order, the first match wins
var templates = []*pattern.Pattern{
	pattern.MustCompile("S_NWC_{segment}_{platform}_{orbit:05d}_" + stamp + ".{ext}"),
	pattern.MustCompile("S_NWC_{segment1}_{segment2}_{platform}_{orbit:05d}_" + stamp + ".{ext}"),
	pattern.MustCompile("S_NWC_{segment}_{platform}_{orbit:05d}_" + stamp + "_statistics.xml"),
}

// ParseName reads Meta from a PPS output filename.
func ParseName(name string) (Meta, error) {
	for _, tmpl := range templates {
		v, err := tmpl.Parse(name)
		if err != nil {
			continue
		}
		m := Meta{
			Platform: v["platform"].(string),
			Orbit:    v["orbit"].(int),
			Start:    v["start"].(time.Time),
			End:      v["end"].(time.Time),
		}
		if s, ok := v["segment"].(string); ok {
			m.Segment = s
		} else {
			m.Segment = v["segment1"].(string) + "_" + v["segment2"].(string)
		}
		return m, nil
	}
	return Meta{}, fmt.Errorf("%s: %w", name, ErrUnknownName)
}
