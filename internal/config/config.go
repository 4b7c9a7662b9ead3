// Package config loads the graft configuration file.
//
// Values come from Default, then the YAML file, then GRAFT_* environment
// variables. The merged result is checked with validator struct tags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/grafting/internal/engine"
	"github.com/roach88/grafting/internal/store"
)

// Config is the whole configuration file.
type Config struct {
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
}

// StoreConfig mirrors store.Config.
type StoreConfig struct {
	Dir             string        `yaml:"dir" validate:"required_unless=Backend memory,excluded_if=Backend memory"`
	Backend         string        `yaml:"backend" validate:"oneof=badger bolt memory"`
	SyncWrites      bool          `yaml:"sync_writes"`
	CompactInterval time.Duration `yaml:"compact_interval" validate:"gte=0s"`
}

// EngineConfig mirrors the engine options.
type EngineConfig struct {
	MaxSteps       int           `yaml:"max_steps" validate:"gte=1"`
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout" validate:"gte=0s"`
	Workers        int           `yaml:"workers" validate:"gte=1,lte=256"`
	PatchCacheSize int64         `yaml:"patch_cache_size" validate:"gte=0"`
	NonInjective   bool          `yaml:"non_injective"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

var validate = validator.New()

// Default returns the built-in configuration: a badger store under
// .graft in the working directory and the engine's default budgets.
func Default() Config {
	sc := store.DefaultConfig(".graft")
	return Config{
		Store: StoreConfig{
			Dir:             sc.Dir,
			Backend:         string(sc.Backend),
			SyncWrites:      sc.SyncWrites,
			CompactInterval: sc.CompactInterval,
		},
		Engine: EngineConfig{
			MaxSteps:       engine.DefaultMaxSteps,
			MaxRetries:     engine.DefaultMaxRetries,
			Workers:        1,
			PatchCacheSize: engine.DefaultPatchCacheSize,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load merges the file at path (if path is non-empty) and the environment
// over Default. A named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are rejected.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("GRAFT_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("GRAFT_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
		if v == string(store.BackendMemory) {
			cfg.Store.Dir = ""
		}
	}
	if v := os.Getenv("GRAFT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GRAFT_MAX_STEPS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRAFT_MAX_STEPS: %w", err)
		}
		cfg.Engine.MaxSteps = n
	}
	return nil
}

// Validate checks the struct tags.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// StoreConfig converts to a store configuration.
func (c Config) StoreConfig(logger *slog.Logger) store.Config {
	return store.Config{
		Dir:             c.Store.Dir,
		Backend:         store.Backend(c.Store.Backend),
		SyncWrites:      c.Store.SyncWrites,
		CompactInterval: c.Store.CompactInterval,
		Logger:          logger,
	}
}

// EngineOptions converts to engine options. Provenance, ids, logger and
// metrics are wired by the caller.
func (c Config) EngineOptions() []engine.EngineOption {
	opts := []engine.EngineOption{
		engine.WithMaxSteps(c.Engine.MaxSteps),
		engine.WithMaxRetries(c.Engine.MaxRetries),
		engine.WithWorkers(c.Engine.Workers),
		engine.WithPatchCacheSize(c.Engine.PatchCacheSize),
	}
	if c.Engine.Timeout > 0 {
		opts = append(opts, engine.WithTimeout(c.Engine.Timeout))
	}
	if c.Engine.NonInjective {
		opts = append(opts, engine.WithNonInjective())
	}
	return opts
}

// Logger builds the configured handler writing to w. verbose forces debug.
func (c Config) Logger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch c.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
