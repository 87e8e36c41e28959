// Package satellite holds the static platform and sensor tables used to
// decide which level-1 files a PPS scene needs and how the PPS script names
// each platform.
package satellite

import (
	"maps"
	"slices"
)

type Family int

const (
	FamilyNOAA Family = iota + 1
	FamilyMetop
	FamilyEOS
	FamilyJPSS
)

func (f Family) String() string {
	switch f {
	case FamilyNOAA:
		return "noaa"
	case FamilyMetop:
		return "metop"
	case FamilyEOS:
		return "eos"
	case FamilyJPSS:
		return "jpss"
	}
	return "unknown"
}

// Sensor names as they appear in level-1 notifications.
const (
	AVHRR = "avhrr/3"
	AMSUA = "amsu-a"
	AMSUB = "amsu-b"
	MHS   = "mhs"
	VIIRS = "viirs"
	MODIS = "modis"
)

// Platform describes one supported satellite.
type Platform struct {
	// Name as used in notifications, e.g. "NOAA-19".
	Name   string
	Family Family
	// Code is the platform identifier the PPS script expects, e.g. "noaa19".
	Code string
	// OutputCode is the identifier PPS writes into its output filenames.
	OutputCode string
	// Microwave lists the sounder sensors that must be present before a
	// NOAA/Metop scene is complete.
	Microwave []string
	// Sensors is the sensor list advertised on outgoing messages.
	Sensors []string
	// GeolocPrefix and RadiancePrefix select the EOS level-1 file pair.
	GeolocPrefix   string
	RadiancePrefix string
}

// Imager returns the imaging sensor of the platform.
func (p Platform) Imager() string {
	switch p.Family {
	case FamilyEOS:
		return MODIS
	case FamilyJPSS:
		return VIIRS
	}
	return AVHRR
}

// Catalog is an immutable lookup table. The zero value knows no platform.
type Catalog struct {
	platforms map[string]Platform
	sensors   map[string]struct{}
}

// NewCatalog builds a catalog from platforms; sensors lists every sensor
// name the runner reacts to.
func NewCatalog(platforms []Platform, sensors []string) Catalog {
	c := Catalog{
		platforms: make(map[string]Platform, len(platforms)),
		sensors:   make(map[string]struct{}, len(sensors)),
	}
	for _, p := range platforms {
		p.Microwave = slices.Clone(p.Microwave)
		p.Sensors = slices.Clone(p.Sensors)
		c.platforms[p.Name] = p
	}
	for _, s := range sensors {
		c.sensors[s] = struct{}{}
	}
	return c
}

// Default returns the platforms supported by PPS direct readout processing.
func Default() Catalog {
	noaaMetop := func(name string, family Family, code, outCode string, mw ...string) Platform {
		sensors := []string{AVHRR, MHS, AMSUA}
		if slices.Contains(mw, AMSUB) {
			sensors = []string{AVHRR, AMSUB, AMSUA}
		}
		return Platform{
			Name:       name,
			Family:     family,
			Code:       code,
			OutputCode: outCode,
			Microwave:  mw,
			Sensors:    sensors,
		}
	}
	jpss := func(name, code string) Platform {
		return Platform{Name: name, Family: FamilyJPSS, Code: code, OutputCode: code, Sensors: []string{VIIRS}}
	}
	eos := func(name, code, geo, rad string) Platform {
		return Platform{
			Name:           name,
			Family:         FamilyEOS,
			Code:           code,
			OutputCode:     code,
			Sensors:        []string{MODIS},
			GeolocPrefix:   geo,
			RadiancePrefix: rad,
		}
	}

	return NewCatalog([]Platform{
		noaaMetop("NOAA-15", FamilyNOAA, "noaa15", "noaa15", AMSUA, AMSUB),
		noaaMetop("NOAA-18", FamilyNOAA, "noaa18", "noaa18", AMSUA, MHS),
		noaaMetop("NOAA-19", FamilyNOAA, "noaa19", "noaa19", AMSUA, MHS),
		noaaMetop("Metop-A", FamilyMetop, "metop02", "metopa", AMSUA, MHS),
		noaaMetop("Metop-B", FamilyMetop, "metop01", "metopb", AMSUA, MHS),
		eos("EOS-Terra", "eos1", "MOD03", "MOD021km"),
		eos("EOS-Aqua", "eos2", "MYD03", "MYD021km"),
		jpss("Suomi-NPP", "npp"),
		jpss("NOAA-20", "noaa20"),
		jpss("NOAA-21", "noaa21"),
	}, []string{AMSUA, AMSUB, MHS, AVHRR, VIIRS, MODIS})
}

func (c Catalog) Lookup(name string) (Platform, bool) {
	p, ok := c.platforms[name]
	return p, ok
}

func (c Catalog) IsSupported(name string) bool {
	_, ok := c.platforms[name]
	return ok
}

// IsRecognizedSensor reports whether level-1 data from sensor is used at all.
func (c Catalog) IsRecognizedSensor(sensor string) bool {
	_, ok := c.sensors[sensor]
	return ok
}

// RequiredFileCount is the number of level-1 files a scene needs before the
// PPS script may run. Unknown platforms need 0 files and are never ready.
func (c Catalog) RequiredFileCount(name string) int {
	p, ok := c.platforms[name]
	if !ok {
		return 0
	}
	switch p.Family {
	case FamilyNOAA, FamilyMetop:
		return len(p.Microwave) + 1
	case FamilyEOS:
		return 2
	default:
		return 1
	}
}

// Names returns the supported platform names in sorted order.
func (c Catalog) Names() []string {
	return slices.Sorted(maps.Keys(c.platforms))
}
