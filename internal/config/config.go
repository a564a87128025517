// Package config loads the runner's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/signalsfoundry/fleet-simulator/internal/engine"
	"github.com/signalsfoundry/fleet-simulator/internal/logging"
	"github.com/signalsfoundry/fleet-simulator/internal/observability"
	"github.com/signalsfoundry/fleet-simulator/model"
	"github.com/signalsfoundry/fleet-simulator/timectrl"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Sink kinds.
const (
	SinkNone   = "none"
	SinkJSON   = "json"
	SinkSQLite = "sqlite"
)

// FleetGroup is Count identical agents of one archetype.
type FleetGroup struct {
	// Prefix names the agents Prefix-1 .. Prefix-Count. Defaults to the
	// archetype name.
	Prefix  string
	Count   int
	Profile model.CapabilityProfile
}

// SinkConfig selects where the delivery log is flushed on shutdown.
type SinkConfig struct {
	Kind string
	Path string
}

// Config is the fully resolved runner configuration.
type Config struct {
	Engine      engine.Config
	WorldPath   string
	Fleet       []FleetGroup
	TasksPath   string
	Log         logging.Config
	MetricsAddr string
	Tracing     observability.TracingConfig
	Sink        SinkConfig
}

// Default returns a runnable configuration: two drones, two wheeled
// vehicles and one legged robot, text logs on stdout.
func Default() Config {
	return Config{
		Engine: engine.DefaultConfig(),
		Fleet: []FleetGroup{
			{Prefix: "drone", Count: 2, Profile: model.DroneProfile()},
			{Prefix: "wheeled", Count: 2, Profile: model.WheeledProfile()},
			{Prefix: "legged", Count: 1, Profile: model.LeggedProfile()},
		},
		Log:         logging.Config{Level: "info", Format: "text"},
		MetricsAddr: ":9090",
		Tracing: observability.TracingConfig{
			ServiceName: "fleet-simulator",
			Exporter:    observability.ExporterStdout,
			SampleRatio: 1,
		},
		Sink: SinkConfig{Kind: SinkNone},
	}
}

// AgentSpecs expands the fleet groups into engine agent specs.
func (c Config) AgentSpecs() []engine.AgentSpec {
	var specs []engine.AgentSpec
	for _, g := range c.Fleet {
		prefix := g.Prefix
		if prefix == "" {
			prefix = string(g.Profile.Archetype)
		}
		for i := 1; i <= g.Count; i++ {
			specs = append(specs, engine.AgentSpec{
				ID:      fmt.Sprintf("%s-%d", prefix, i),
				Profile: g.Profile,
			})
		}
	}
	return specs
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(c.Fleet) == 0 {
		return fmt.Errorf("%w: fleet is empty", ErrInvalidConfig)
	}
	total := 0
	for i, g := range c.Fleet {
		if g.Count <= 0 {
			return fmt.Errorf("%w: fleet[%d]: count must be positive", ErrInvalidConfig, i)
		}
		if err := g.Profile.Validate(); err != nil {
			return fmt.Errorf("%w: fleet[%d]: %w", ErrInvalidConfig, i, err)
		}
		total += g.Count
	}
	seen := make(map[string]struct{}, total)
	for _, s := range c.AgentSpecs() {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate agent id %q; give fleet groups distinct prefixes", ErrInvalidConfig, s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	switch c.Sink.Kind {
	case SinkNone, "":
	case SinkJSON:
	case SinkSQLite:
		if strings.TrimSpace(c.Sink.Path) == "" {
			return fmt.Errorf("%w: sqlite sink requires a path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sink kind %q", ErrInvalidConfig, c.Sink.Kind)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

type fileConfig struct {
	Engine  engineSection  `toml:"engine"`
	World   worldSection   `toml:"world"`
	Fleet   []fleetSection `toml:"fleet"`
	Tasks   tasksSection   `toml:"tasks"`
	Log     logSection     `toml:"log"`
	Metrics metricsSection `toml:"metrics"`
	Tracing tracingSection `toml:"tracing"`
	Sink    sinkSection    `toml:"sink"`
}

type engineSection struct {
	Tick                 string  `toml:"tick"`
	DispatchInterval     string  `toml:"dispatch_interval"`
	RelayProcessingDelay string  `toml:"relay_processing_delay"`
	RelayWaitPenalty     float64 `toml:"relay_wait_penalty"`
	FeasibleResidual     float64 `toml:"feasible_residual"`
	MaxAttempts          int     `toml:"max_attempts"`
	ExplorationRadius    int     `toml:"exploration_radius"`
	PreloadRadius        int     `toml:"preload_radius"`
	Mode                 string  `toml:"mode"`
}

type worldSection struct {
	Path string `toml:"path"`
}

type fleetSection struct {
	Archetype       string   `toml:"archetype"`
	Prefix          string   `toml:"prefix"`
	Count           int      `toml:"count"`
	Speed           *float64 `toml:"speed"`
	PayloadLimit    *float64 `toml:"payload_limit"`
	RoadOnly        *bool    `toml:"road_only"`
	CanCrossWater   *bool    `toml:"can_cross_water"`
	ClimbableHeight *float64 `toml:"climbable_height"`
	CruiseAltitude  *float64 `toml:"cruise_altitude"`
	ReturnBias      *float64 `toml:"return_bias"`
}

type tasksSection struct {
	Path string `toml:"path"`
}

type logSection struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"`
	AddSource bool   `toml:"add_source"`
}

type metricsSection struct {
	Addr string `toml:"addr"`
}

type tracingSection struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	Exporter    string  `toml:"exporter"`
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

type sinkSection struct {
	Kind string `toml:"kind"`
	Path string `toml:"path"`
}

// Load reads a TOML file on top of Default. Keys absent from the file keep
// their default values; a [[fleet]] array replaces the default fleet.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg, err := resolve(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses TOML text the same way Load parses a file.
func Decode(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return resolve(raw, meta)
}

func resolve(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}
	cfg, err := apply(Default(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"tick", raw.Engine.Tick, &cfg.Engine.Tick},
		{"dispatch_interval", raw.Engine.DispatchInterval, &cfg.Engine.DispatchInterval},
		{"relay_processing_delay", raw.Engine.RelayProcessingDelay, &cfg.Engine.RelayProcessingDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("engine", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Config{}, fmt.Errorf("%w: engine.%s: %w", ErrInvalidConfig, d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("engine", "relay_wait_penalty") {
		cfg.Engine.RelayWaitPenalty = raw.Engine.RelayWaitPenalty
	}
	if meta.IsDefined("engine", "feasible_residual") {
		cfg.Engine.FeasibleResidual = raw.Engine.FeasibleResidual
	}
	if meta.IsDefined("engine", "max_attempts") {
		cfg.Engine.MaxAttempts = raw.Engine.MaxAttempts
	}
	if meta.IsDefined("engine", "exploration_radius") {
		cfg.Engine.ExplorationRadius = raw.Engine.ExplorationRadius
	}
	if meta.IsDefined("engine", "preload_radius") {
		cfg.Engine.PreloadRadius = raw.Engine.PreloadRadius
	}
	if meta.IsDefined("engine", "mode") {
		switch m := strings.ToLower(strings.TrimSpace(raw.Engine.Mode)); m {
		case "realtime", "accelerated":
			cfg.Engine.Mode = timectrl.ParseMode(m)
		default:
			return Config{}, fmt.Errorf("%w: engine.mode: unknown mode %q", ErrInvalidConfig, raw.Engine.Mode)
		}
	}

	if meta.IsDefined("world", "path") {
		cfg.WorldPath = strings.TrimSpace(raw.World.Path)
	}
	if meta.IsDefined("tasks", "path") {
		cfg.TasksPath = strings.TrimSpace(raw.Tasks.Path)
	}

	if meta.IsDefined("fleet") {
		cfg.Fleet = cfg.Fleet[:0:0]
		for i, f := range raw.Fleet {
			g, err := fleetGroup(f)
			if err != nil {
				return Config{}, fmt.Errorf("%w: fleet[%d]: %w", ErrInvalidConfig, i, err)
			}
			cfg.Fleet = append(cfg.Fleet, g)
		}
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = raw.Log.Format
	}
	if meta.IsDefined("log", "add_source") {
		cfg.Log.AddSource = raw.Log.AddSource
	}

	if meta.IsDefined("metrics", "addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.Metrics.Addr)
	}

	if meta.IsDefined("tracing", "enabled") {
		cfg.Tracing.Enabled = raw.Tracing.Enabled
	}
	if meta.IsDefined("tracing", "service_name") {
		cfg.Tracing.ServiceName = raw.Tracing.ServiceName
	}
	if meta.IsDefined("tracing", "exporter") {
		cfg.Tracing.Exporter = strings.ToLower(strings.TrimSpace(raw.Tracing.Exporter))
	}
	if meta.IsDefined("tracing", "endpoint") {
		cfg.Tracing.Endpoint = raw.Tracing.Endpoint
	}
	if meta.IsDefined("tracing", "sample_ratio") {
		cfg.Tracing.SampleRatio = raw.Tracing.SampleRatio
	}

	if meta.IsDefined("sink", "kind") {
		cfg.Sink.Kind = strings.ToLower(strings.TrimSpace(raw.Sink.Kind))
	}
	if meta.IsDefined("sink", "path") {
		cfg.Sink.Path = strings.TrimSpace(raw.Sink.Path)
	}
	return cfg, nil
}

// fleetGroup starts from the archetype preset and applies any overrides.
func fleetGroup(f fleetSection) (FleetGroup, error) {
	archetype, err := model.ParseArchetype(f.Archetype)
	if err != nil {
		return FleetGroup{}, err
	}
	p, err := model.ProfileFor(archetype)
	if err != nil {
		return FleetGroup{}, err
	}
	if f.Speed != nil {
		p.Speed = *f.Speed
	}
	if f.PayloadLimit != nil {
		p.PayloadLimit = *f.PayloadLimit
	}
	if f.RoadOnly != nil {
		p.RoadOnly = *f.RoadOnly
	}
	if f.CanCrossWater != nil {
		p.CanCrossWater = *f.CanCrossWater
	}
	if f.ClimbableHeight != nil {
		p.ClimbableHeight = *f.ClimbableHeight
	}
	if f.CruiseAltitude != nil {
		p.CruiseAltitude = *f.CruiseAltitude
	}
	if f.ReturnBias != nil {
		p.ReturnBias = *f.ReturnBias
	}
	prefix := strings.TrimSpace(f.Prefix)
	if prefix == "" {
		prefix = string(archetype)
	}
	return FleetGroup{Prefix: prefix, Count: f.Count, Profile: p}, nil
}
