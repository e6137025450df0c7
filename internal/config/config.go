// Package config assembles railsim settings from defaults, an optional TOML
// file and RAILSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration that decodes from strings such as "100ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Train is the initial placement of one train.
type Train struct {
	ID           string  `toml:"id"`
	Track        string  `toml:"track"`
	Speed        float64 `toml:"speed"`
	MaxRotations int     `toml:"max_rotations"`
}

// Simulation holds the engine settings.
type Simulation struct {
	Tracks           []string `toml:"tracks"`
	Trains           []Train  `toml:"trains"`
	TrackTicks       float64  `toml:"track_ticks"`
	TickInterval     Duration `toml:"tick_interval"`
	Seed             uint64   `toml:"seed"`
	Mode             string   `toml:"mode"`
	HoldWhileWaiting bool     `toml:"hold_while_waiting"`
	StallTicks       int      `toml:"stall_ticks"`
	EventLogSize     int      `toml:"event_log_size"`
}

// Log mirrors logging.Config.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Tracing mirrors observability.TracingConfig.
type Tracing struct {
	Enabled     bool    `toml:"enabled"`
	ServiceName string  `toml:"service_name"`
	Exporter    string  `toml:"exporter"`
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Config is the full server configuration.
type Config struct {
	HTTPAddr    string     `toml:"http_addr"`
	GRPCAddr    string     `toml:"grpc_addr"`
	MetricsAddr string     `toml:"metrics_addr"`
	Log         Log        `toml:"log"`
	Tracing     Tracing    `toml:"tracing"`
	Simulation  Simulation `toml:"simulation"`
}

// DefaultSimulation is the three-train, three-track scenario.
func DefaultSimulation() Simulation {
	return Simulation{
		Tracks: []string{"A", "B", "C"},
		Trains: []Train{
			{ID: "T1", Track: "A", Speed: 30},
			{ID: "T2", Track: "B", Speed: 25},
			{ID: "T3", Track: "C", Speed: 35},
		},
		TrackTicks:       1000,
		TickInterval:     Duration{100 * time.Millisecond},
		Seed:             1,
		Mode:             "centralized",
		HoldWhileWaiting: true,
		StallTicks:       50,
		EventLogSize:     200,
	}
}

// Default returns a Config with every field populated.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Log:      Log{Level: "info", Format: "text"},
		Tracing: Tracing{
			ServiceName: "railsim",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Simulation: DefaultSimulation(),
	}
}

// Load reads a TOML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Decode unmarshals TOML data into cfg, keeping fields absent from data.
// Track and train lists present in data replace the defaults wholesale.
func Decode(data []byte, cfg *Config) error {
	var probe struct {
		Simulation struct {
			Tracks []string `toml:"tracks"`
			Trains []Train  `toml:"trains"`
		} `toml:"simulation"`
	}
	if err := toml.Unmarshal(data, &probe); err != nil {
		return err
	}
	if probe.Simulation.Tracks != nil {
		cfg.Simulation.Tracks = nil
	}
	if probe.Simulation.Trains != nil {
		cfg.Simulation.Trains = nil
	}
	return toml.Unmarshal(data, cfg)
}

// ApplyEnv overrides fields from RAILSIM_* variables (and the LOG_LEVEL /
// LOG_FORMAT pair used by the logger). lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RAILSIM_HTTP_ADDR", &c.HTTPAddr)
	str("RAILSIM_GRPC_ADDR", &c.GRPCAddr)
	str("RAILSIM_METRICS_ADDR", &c.MetricsAddr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("RAILSIM_MODE", &c.Simulation.Mode)
	str("RAILSIM_TRACING_EXPORTER", &c.Tracing.Exporter)
	str("RAILSIM_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	str("RAILSIM_OTLP_ENDPOINT", &c.Tracing.Endpoint)

	if v, ok := lookup("RAILSIM_TRACING_ENABLED"); ok && v != "" {
		c.Tracing.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("RAILSIM_TRACING_SAMPLE_RATIO"); ok && v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: RAILSIM_TRACING_SAMPLE_RATIO: %v", ErrInvalidConfig, err)
		}
		c.Tracing.SampleRatio = ratio
	}
	if v, ok := lookup("RAILSIM_SEED"); ok && v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: RAILSIM_SEED: %v", ErrInvalidConfig, err)
		}
		c.Simulation.Seed = seed
	}
	if v, ok := lookup("RAILSIM_TICK_INTERVAL"); ok && v != "" {
		if err := c.Simulation.TickInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%w: RAILSIM_TICK_INTERVAL: %v", ErrInvalidConfig, err)
		}
	}
	if v, ok := lookup("RAILSIM_HOLD_WHILE_WAITING"); ok && v != "" {
		hold, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: RAILSIM_HOLD_WHILE_WAITING: %v", ErrInvalidConfig, err)
		}
		c.Simulation.HoldWhileWaiting = hold
	}
	return nil
}

// Validate checks the whole configuration.
func (c Config) Validate() error {
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("%w: tracing sample_ratio %v outside [0,1]", ErrInvalidConfig, c.Tracing.SampleRatio)
	}
	return c.Simulation.Validate()
}

// Validate checks the simulation scenario.
func (s Simulation) Validate() error {
	if len(s.Tracks) == 0 {
		return fmt.Errorf("%w: no tracks", ErrInvalidConfig)
	}
	tracks := make(map[string]bool, len(s.Tracks))
	for _, id := range s.Tracks {
		if id == "" {
			return fmt.Errorf("%w: empty track id", ErrInvalidConfig)
		}
		if tracks[id] {
			return fmt.Errorf("%w: duplicate track %q", ErrInvalidConfig, id)
		}
		tracks[id] = true
	}

	if len(s.Trains) == 0 {
		return fmt.Errorf("%w: no trains", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(s.Trains))
	for _, t := range s.Trains {
		switch {
		case t.ID == "":
			return fmt.Errorf("%w: train with empty id", ErrInvalidConfig)
		case seen[t.ID]:
			return fmt.Errorf("%w: duplicate train %q", ErrInvalidConfig, t.ID)
		case !tracks[t.Track]:
			return fmt.Errorf("%w: train %q starts on unknown track %q", ErrInvalidConfig, t.ID, t.Track)
		case t.Speed <= 0:
			return fmt.Errorf("%w: train %q speed must be positive", ErrInvalidConfig, t.ID)
		case t.MaxRotations < 0:
			return fmt.Errorf("%w: train %q max_rotations must not be negative", ErrInvalidConfig, t.ID)
		}
		seen[t.ID] = true
	}

	if s.TrackTicks <= 0 {
		return fmt.Errorf("%w: track_ticks must be positive", ErrInvalidConfig)
	}
	if s.TickInterval.Duration <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", ErrInvalidConfig)
	}
	switch strings.ToLower(s.Mode) {
	case "centralized", "ordered":
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, s.Mode)
	}
	if s.StallTicks < 0 {
		return fmt.Errorf("%w: stall_ticks must not be negative", ErrInvalidConfig)
	}
	if s.EventLogSize < 0 {
		return fmt.Errorf("%w: event_log_size must not be negative", ErrInvalidConfig)
	}
	return nil
}
