package model

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	PendingRetain  = "retain"
	PendingDiscard = "discard"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version        int          `json:"version" yaml:"version"`
	Mode           string       `json:"mode" yaml:"mode"`
	Site           string       `json:"site" yaml:"site"`
	Servername     string       `json:"servername,omitempty" yaml:"servername,omitempty"`
	Script         string       `json:"script" yaml:"script"`
	OutputDir      string       `json:"output_dir" yaml:"output_dir"`
	StatisticsDir  string       `json:"statistics_dir,omitempty" yaml:"statistics_dir,omitempty"`
	Lvl1NPPPath    string       `json:"lvl1_npp_path,omitempty" yaml:"lvl1_npp_path,omitempty"`
	Lvl1EOSPath    string       `json:"lvl1_eos_path,omitempty" yaml:"lvl1_eos_path,omitempty"`
	Workers        int          `json:"workers" yaml:"workers"`
	Timeout        Duration     `json:"timeout" yaml:"timeout"`
	Freshness      Duration     `json:"freshness" yaml:"freshness"`
	ShutdownGrace  Duration     `json:"shutdown_grace" yaml:"shutdown_grace"`
	PendingPolicy  string       `json:"pending_policy" yaml:"pending_policy"`
	PendingHorizon Duration     `json:"pending_horizon" yaml:"pending_horizon"`
	Transport      Transport    `json:"transport" yaml:"transport"`
	NWP            *NWP         `json:"nwp,omitempty" yaml:"nwp,omitempty"`
	TimeControl    *TimeControl `json:"time_control,omitempty" yaml:"time_control,omitempty"`
	Ledger         string       `json:"ledger,omitempty" yaml:"ledger,omitempty"`
	Log            string       `json:"log" yaml:"log"`
	Verbose        bool         `json:"verbose" yaml:"verbose"`
}

// Transport configures the NATS connection carrying pytroll messages.
type Transport struct {
	URL            string   `json:"url" yaml:"url"`
	Name           string   `json:"name" yaml:"name"`
	Topics         []string `json:"topics" yaml:"topics"`
	ReceiveTimeout Duration `json:"receive_timeout" yaml:"receive_timeout"`
}

// NWP configures the external numerical weather prediction preparation.
type NWP struct {
	Command  string   `json:"command" yaml:"command"`
	Args     []string `json:"args" yaml:"args"`
	Horizons []int    `json:"horizons" yaml:"horizons"`
	Schedule string   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Timeout  Duration `json:"timeout" yaml:"timeout"`
}

// TimeControl configures the PPS time statistics reconciliation command.
type TimeControl struct {
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if out.NWP != nil && out.NWP.Schedule != "" {
		if _, err := ParseCron(out.NWP.Schedule); err != nil {
			return Config{}, fmt.Errorf("nwp.schedule: %w", err)
		}
	}
	return out, nil
}

// DefaultConfig returns the schema defaults.
func DefaultConfig() Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks what the schema can't: values which may come from the
// environment after the file was loaded.
func (c Config) Validate() error {
	var errs []error
	if c.Script == "" {
		errs = append(errs, errors.New("script is empty: set script or PPS_SCRIPT"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is empty: set output_dir or SM_PRODUCT_DIR"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.PendingPolicy != PendingRetain && c.PendingPolicy != PendingDiscard {
		errs = append(errs, fmt.Errorf("pending_policy %q is not supported", c.PendingPolicy))
	}
	return errors.Join(errs...)
}
