package model

import (
	"io"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	yamlv3 "gopkg.in/yaml.v3"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	ExternalChangesAccept   = "accept"
	ExternalChangesConflict = "conflict"
)

//go:embed preferences.cue
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
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("preferences.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Preferences"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

// Preferences configure the squadt controller
type Preferences struct {
	Version         int       `json:"version" yaml:"version"` // fixed 0 for now
	Verbose         bool      `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	ExternalChanges string    `json:"external-changes" yaml:"external-changes"` // "accept" | "conflict"
	Execution       Execution `json:"execution" yaml:"execution"`
	Formats         []Format  `json:"formats,omitempty" yaml:"formats,omitempty"`
	Catalog         string    `json:"catalog,omitempty" yaml:"catalog,omitempty"` // tool catalog file
	History         string    `json:"history,omitempty" yaml:"history,omitempty"` // sqlite database of tool runs
	Metrics         *Metrics  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Service         Service   `json:"service" yaml:"service"`
}

// Execution limits the tool processes
type Execution struct {
	MaximumProcessTotal int    `json:"maximum-process-total" yaml:"maximum-process-total"`
	ConnectTimeout      string `json:"connect-timeout" yaml:"connect-timeout"`
	LogFilterLevel      int    `json:"log-filter-level" yaml:"log-filter-level"`
}

// Format associates file extensions and an editing command with a storage format
type Format struct {
	Format     string   `json:"format" yaml:"format"`
	Extensions []string `json:"extensions" yaml:"extensions"`
	Command    string   `json:"command,omitempty" yaml:"command,omitempty"`
}

type Metrics struct {
	Address TCPAddr `json:"address" yaml:"address"` // host:port of the prometheus endpoint
}

// Service controls how the serve command keeps projects up to date
type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// TimerSchedule holds either a cron expression or a duration like 1h30m
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// LoadPreferences validates YAML from r against CUE schema and decodes to Preferences.
func LoadPreferences(r io.Reader) (Preferences, error) {
	yamlFile, err := yaml.Extract("preferences.yaml", r)
	if err != nil {
		return Preferences{}, err
	}
	return decode(cueCtx.BuildFile(yamlFile))
}

// DefaultPreferences are the preferences of an empty file
func DefaultPreferences() Preferences {
	p, err := decode(cueCtx.CompileString("{}"))
	if err != nil {
		panic(err)
	}
	return p
}

func decode(v cue.Value) (Preferences, error) {
	unified := schema.Unify(v)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Preferences{}, err
	}

	var out Preferences
	if err := unified.Decode(&out); err != nil {
		return Preferences{}, err
	}
	out.Catalog = os.ExpandEnv(out.Catalog)
	out.History = os.ExpandEnv(out.History)
	return out, nil
}

// Store writes p as YAML
func (p Preferences) Store(w io.Writer) error {
	enc := yamlv3.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return err
	}
	return enc.Close()
}
