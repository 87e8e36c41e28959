package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/ppsrunner/internal/log"
	"github.com/CZERTAINLY/ppsrunner/internal/model"
	"github.com/CZERTAINLY/ppsrunner/internal/satellite"
)

var ErrNotLocal = errors.New("file is not present on this host")

// DefaultHorizon bounds how far behind the newest scene start an incomplete
// or dispatched scene is remembered.
const DefaultHorizon = 6 * time.Hour

// Policy says what happens to the files collected for a scene when an
// evaluation finds it incomplete.
type Policy int

const (
	// PolicyRetain keeps the collected files until the scene is complete.
	PolicyRetain Policy = iota
	// PolicyDiscard drops the collected files after every evaluation, so a
	// scene is only complete when one event brings all the files.
	PolicyDiscard
)

// ParsePolicy maps the configuration value onto a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", model.PendingRetain:
		return PolicyRetain, nil
	case model.PendingDiscard:
		return PolicyDiscard, nil
	}
	return 0, fmt.Errorf("unknown pending policy %q", s)
}

type Option func(*Aggregator)

func WithPolicy(p Policy) Option {
	return func(a *Aggregator) { a.policy = p }
}

// WithHorizon sets how long, in scene time, an incomplete scene waits for
// the rest of its files. Non-positive values keep the default.
func WithHorizon(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.horizon = d
		}
	}
}

// WithLocalHosts adds host names under which level-1 uris count as local.
func WithLocalHosts(hosts ...string) Option {
	return func(a *Aggregator) {
		for _, h := range hosts {
			if h != "" {
				a.hosts[h] = struct{}{}
			}
		}
	}
}

// Aggregator folds level-1 events into per scene completeness decisions.
// It is safe for concurrent use, although the supervisor calls it from a
// single loop.
type Aggregator struct {
	catalog satellite.Catalog
	policy  Policy
	horizon time.Duration
	hosts   map[string]struct{}

	mx         sync.Mutex
	pending    map[string]*pendingScene
	dispatched map[string]Key
	newest     time.Time
}

type pendingScene struct {
	key   Key
	files []string
}

func (p *pendingScene) add(files ...string) {
	for _, f := range files {
		if !slices.Contains(p.files, f) {
			p.files = append(p.files, f)
		}
	}
}

func New(catalog satellite.Catalog, opts ...Option) *Aggregator {
	a := &Aggregator{
		catalog:    catalog,
		horizon:    DefaultHorizon,
		hosts:      map[string]struct{}{"": {}, "localhost": {}},
		pending:    make(map[string]*pendingScene),
		dispatched: make(map[string]Key),
	}
	if h, err := os.Hostname(); err == nil {
		a.hosts[h] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Evaluate adds the files of ev to its scene and reports whether the scene
// is now complete. Irrelevant events are logged and yield false.
func (a *Aggregator) Evaluate(ctx context.Context, ev model.Event) (model.JobSpec, bool) {
	ctx = log.ContextAttrs(ctx,
		slog.String("platform", ev.Platform),
		slog.Int("orbit", ev.Orbit),
		slog.String("sensor", ev.Sensor),
	)

	platform, ok := a.catalog.Lookup(ev.Platform)
	if !ok {
		slog.InfoContext(ctx, "platform not supported: ignoring")
		return model.JobSpec{}, false
	}

	uris, err := ev.URIs()
	if err != nil {
		slog.DebugContext(ctx, "no level-1 files in message: ignoring", "type", ev.Message.Type, "error", err)
		return model.JobSpec{}, false
	}
	paths, err := a.localPaths(uris)
	if err != nil {
		slog.InfoContext(ctx, "level-1 files not usable: ignoring", "error", err)
		return model.JobSpec{}, false
	}

	if !a.catalog.IsRecognizedSensor(ev.Sensor) {
		slog.InfoContext(ctx, "sensor not needed by PPS: ignoring")
		return model.JobSpec{}, false
	}
	if !wanted(ctx, platform, ev) {
		return model.JobSpec{}, false
	}

	key := NewKey(ev.Platform, ev.Orbit, ev.Start)
	files := selectFiles(platform, paths)

	a.mx.Lock()
	a.expire(key.Start)
	id, entry := a.lookup(key)
	entry.add(files...)
	count := len(entry.files)
	collected := slices.Clone(entry.files)
	ready := a.complete(platform, ev, count)
	if ready || a.policy == PolicyDiscard {
		delete(a.pending, id)
	}
	if ready {
		a.dispatched[id] = entry.key
	}
	start := entry.key.Start
	a.mx.Unlock()

	ctx = log.ContextAttrs(ctx, slog.String("scene", id))
	if !ready {
		slog.InfoContext(ctx, "not enough level-1 data available yet",
			"files", count,
			"required", a.catalog.RequiredFileCount(ev.Platform))
		return model.JobSpec{}, false
	}
	slog.InfoContext(ctx, "level-1 files ready", "files", collected)

	return model.JobSpec{
		ID:       id,
		Platform: ev.Platform,
		Orbit:    ev.Orbit,
		Day:      start.UTC().Format("20060102"),
		Hour:     start.UTC().Format("1504"),
		Start:    start,
		End:      ev.End,
		Sensors:  slices.Clone(platform.Sensors),
		Event:    ev,
	}, true
}

// Pending returns the files collected so far for the scene with id.
func (a *Aggregator) Pending(id string) []string {
	a.mx.Lock()
	defer a.mx.Unlock()
	if p, ok := a.pending[id]; ok {
		return slices.Clone(p.files)
	}
	return nil
}

// Len returns the number of incomplete scenes.
func (a *Aggregator) Len() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return len(a.pending)
}

// lookup finds the pending scene of key. Files of one overpass may carry
// start times on different minutes, so an Equal key is reused before a new
// entry is created. A new entry for an overpass which was already dispatched
// takes over the earlier id and key, so the pool sees one job per overpass.
// Must be called with a.mx held.
func (a *Aggregator) lookup(key Key) (string, *pendingScene) {
	id := key.String()
	if p, ok := a.pending[id]; ok {
		return id, p
	}
	for otherID, p := range a.pending {
		if p.key.Equal(key) {
			return otherID, p
		}
	}
	if k, ok := a.dispatched[id]; ok {
		key = k
	} else {
		for otherID, k := range a.dispatched {
			if k.Equal(key) {
				id, key = otherID, k
				break
			}
		}
	}
	if p, ok := a.pending[id]; ok {
		return id, p
	}
	p := &pendingScene{key: key}
	a.pending[id] = p
	return id, p
}

// expire forgets scenes starting more than the horizon before the newest
// start seen. Must be called with a.mx held.
func (a *Aggregator) expire(start time.Time) {
	if start.After(a.newest) {
		a.newest = start
	}
	limit := a.newest.Add(-a.horizon)
	for id, p := range a.pending {
		if p.key.Start.Before(limit) {
			slog.Warn("scene never completed: dropping", "scene", id, "files", len(p.files))
			delete(a.pending, id)
		}
	}
	for id, k := range a.dispatched {
		if k.Start.Before(limit) {
			delete(a.dispatched, id)
		}
	}
}

func (a *Aggregator) complete(platform satellite.Platform, ev model.Event, count int) bool {
	switch platform.Family {
	case satellite.FamilyMetop:
		if strings.EqualFold(ev.Variant, "EARS") {
			return count >= 1
		}
	}
	return count >= a.catalog.RequiredFileCount(platform.Name)
}

func (a *Aggregator) localPaths(uris []string) ([]string, error) {
	paths := make([]string, 0, len(uris))
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parsing uri %q: %w", raw, err)
		}
		if _, ok := a.hosts[u.Hostname()]; !ok {
			return nil, fmt.Errorf("%s: %w", raw, ErrNotLocal)
		}
		paths = append(paths, u.Path)
	}
	return paths, nil
}

// wanted applies the per family sensor and processing level rules.
func wanted(ctx context.Context, platform satellite.Platform, ev model.Event) bool {
	switch platform.Family {
	case satellite.FamilyEOS, satellite.FamilyJPSS:
		if ev.Sensor != platform.Imager() {
			slog.InfoContext(ctx, "sensor not required for this platform: ignoring")
			return false
		}
		return true
	}

	if ev.Sensor != platform.Imager() && !slices.Contains(platform.Microwave, ev.Sensor) {
		slog.InfoContext(ctx, "sensor not required for this platform: ignoring")
		return false
	}
	if slices.Contains(platform.Microwave, ev.Sensor) && ev.Level != "1C" {
		if ev.Level != "1c" {
			slog.InfoContext(ctx, "level not the required type for PPS: ignoring", "level", ev.Level)
			return false
		}
		slog.WarnContext(ctx, "level should be in upper case", "level", ev.Level)
	}
	return true
}

// selectFiles keeps the geolocation and radiance files of an EOS dataset,
// every file otherwise.
func selectFiles(platform satellite.Platform, paths []string) []string {
	if platform.Family != satellite.FamilyEOS {
		return paths
	}
	var out []string
	for _, p := range paths {
		base := filepath.Base(p)
		if strings.HasPrefix(base, platform.GeolocPrefix) || strings.HasPrefix(base, platform.RadiancePrefix) {
			out = append(out, p)
		}
	}
	return out
}
