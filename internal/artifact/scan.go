// Package artifact finds PPS output files of a scene and reads their
// metadata from the filename.
package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultFreshness is the age limit above which an output file is assumed to
// belong to an older scene with the same orbit number.
const DefaultFreshness = 90 * time.Minute

type Kind string

const (
	KindHDF5   Kind = "h5"
	KindNetCDF Kind = "nc"
	KindXML    Kind = "xml"
)

// Format returns the format and type advertised for files of this kind.
func (k Kind) Format() (format, typ string) {
	switch k {
	case KindHDF5:
		return "PPS", "HDF5"
	case KindNetCDF:
		return "CF", "netCDF4"
	case KindXML:
		return "PPS-XML", "XML"
	}
	return "", ""
}

type Artifact struct {
	Path    string
	Kind    Kind
	ModTime time.Time
}

func (a Artifact) Name() string { return filepath.Base(a.Path) }

// Glob returns the pattern matching every output kind of one scene.
func Glob(outputCode string, orbit int) string {
	return fmt.Sprintf("S_NWC*%s_%05d_*.{%s,%s,%s}", outputCode, orbit, KindHDF5, KindNetCDF, KindXML)
}

// Scan lists the files in dir matching Glob that were modified less than
// freshness before now. Older files are logged and skipped.
func Scan(ctx context.Context, dir, outputCode string, orbit int, freshness time.Duration, now time.Time) ([]Artifact, error) {
	pattern := Glob(outputCode, orbit)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid artifact pattern %q", pattern)
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output directory %s: not a directory", dir)
	}

	slog.DebugContext(ctx, "scanning for output files", "dir", dir, "pattern", pattern)
	fsys := os.DirFS(dir)
	names, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("globbing %s: %w", dir, err)
	}
	slices.Sort(names)

	var ret []Artifact
	for _, name := range names {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			slog.WarnContext(ctx, "output file vanished: skipping", "name", name, "error", err)
			continue
		}
		if now.Sub(info.ModTime()) >= freshness {
			slog.InfoContext(ctx, "found old PPS result: skipping", "name", name, "mtime", info.ModTime())
			continue
		}
		ret = append(ret, Artifact{
			Path:    filepath.Join(dir, filepath.FromSlash(name)),
			Kind:    Kind(strings.TrimPrefix(filepath.Ext(name), ".")),
			ModTime: info.ModTime(),
		})
	}
	return ret, nil
}
