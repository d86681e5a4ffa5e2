package model

import (
	"fmt"
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

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
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int     `json:"version" yaml:"version"` // fixed 0 for now
	Ingest  Ingest  `json:"ingest" yaml:"ingest"`
	Modules Modules `json:"modules" yaml:"modules"`
	Sources Sources `json:"sources" yaml:"sources"`
	Service Service `json:"service" yaml:"service"`
	Events  *Events `json:"events,omitempty" yaml:"events,omitempty"`
}

// Ingest configures the job manager shared by all data sources.
type Ingest struct {
	Workers     *int         `json:"workers,omitempty" yaml:"workers,omitempty"`
	Fairness    string       `json:"fairness" yaml:"fairness"`               // "round-robin" | "fifo"
	Store       *string      `json:"store,omitempty" yaml:"store,omitempty"` // sqlite path, nil => in memory
	Filter      *Filter      `json:"filter,omitempty" yaml:"filter,omitempty"`
	DiskMonitor *DiskMonitor `json:"disk_monitor,omitempty" yaml:"disk_monitor,omitempty"`
}

type Filter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	MaxSize *int64   `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// DiskMonitor cancels running jobs when free space drops under MinFreeMB.
type DiskMonitor struct {
	Enabled   *bool   `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path      *string `json:"path,omitempty" yaml:"path,omitempty"`
	MinFreeMB int64   `json:"min_free_mb" yaml:"min_free_mb"`
	Interval  string  `json:"interval" yaml:"interval"` // ISO-8601 duration
}

type Toggle struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Modules lists the ingest modules in the order they run.
type Modules struct {
	Hash      *HashModule    `json:"hash,omitempty" yaml:"hash,omitempty"`
	FileType  *Toggle        `json:"filetype,omitempty" yaml:"filetype,omitempty"`
	Secrets   *SecretsModule `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Certs     *Toggle        `json:"certs,omitempty" yaml:"certs,omitempty"`
	Command   *CommandModule `json:"command,omitempty" yaml:"command,omitempty"`
	Inventory *Toggle        `json:"inventory,omitempty" yaml:"inventory,omitempty"`
}

type HashModule struct {
	Enabled    *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Algorithms []string `json:"algorithms,omitempty" yaml:"algorithms,omitempty"`
}

type SecretsModule struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxSize *int64 `json:"max_size,omitempty" yaml:"max_size,omitempty"`
}

// CommandModule runs an external program for every file.
type CommandModule struct {
	Enabled *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout *string           `json:"timeout,omitempty" yaml:"timeout,omitempty"` // ISO-8601 duration
}

type Sources struct {
	Filesystem *Filesystem `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	Containers *Containers `json:"containers,omitempty" yaml:"containers,omitempty"`
}

// Filesystem data sources.
type Filesystem struct {
	Enabled *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty"` // nil/empty => use CWD
}

// Container image data sources.
type Containers struct {
	Enabled *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Images  []string `json:"images,omitempty" yaml:"images,omitempty"`
}

type Service struct {
	Mode       string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Schedule   *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Verbose    *bool          `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        *string        `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Dir        *string        `json:"dir,omitempty" yaml:"dir,omitempty"` // output directory
	Repository *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"`
	Metrics    *Metrics       `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// TimerSchedule has exactly one of Cron or Duration set.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Repository publication settings.
type Repository struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
	Auth    Auth   `json:"auth" yaml:"auth,omitempty"`
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `json:"type" yaml:"type,omitempty"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type Metrics struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Addr    string `json:"addr" yaml:"addr"`
}

type Events struct {
	NATS *NATS `json:"nats,omitempty" yaml:"nats,omitempty"`
}

// NATS publishes ingest events to a subject.
type NATS struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
	Subject string `json:"subject" yaml:"subject"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if out.Version != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, out.Version)
	}
	return &out, nil
}

// DefaultConfig is written when no configuration file exists yet.
func DefaultConfig() Config {
	enabled := true
	return Config{
		Version: 0,
		Ingest: Ingest{
			Fairness: "round-robin",
			Filter: &Filter{
				Exclude: []string{"proc/**", "sys/**", "dev/**", "**/.git/**"},
			},
		},
		Modules: Modules{
			Hash:      &HashModule{Enabled: &enabled, Algorithms: []string{"sha256"}},
			FileType:  &Toggle{Enabled: &enabled},
			Secrets:   &SecretsModule{Enabled: &enabled},
			Certs:     &Toggle{Enabled: &enabled},
			Inventory: &Toggle{Enabled: &enabled},
		},
		Sources: Sources{
			Filesystem: &Filesystem{Enabled: &enabled},
		},
		Service: Service{
			Mode: ServiceModeManual,
		},
	}
}

// Or returns *p, or def when p is nil.
func Or[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Enabled treats a missing toggle as enabled, an explicit false as disabled.
func Enabled(p *bool) bool {
	return Or(p, true)
}
