// Package config loads cuckooctl configuration from JSONC files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/cuckoo/internal/logging"
	"github.com/calvinalkan/cuckoo/pkg/cuckoo"
)

// Errors returned by [Load].
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// FileName is the project config file looked up in the working directory.
const FileName = ".cuckoo.json"

// Config holds all configuration options.
type Config struct {
	SegmentID        string `json:"segment_id"`
	Dir              string `json:"dir,omitempty"`
	SlotCount        uint32 `json:"slot_count"`
	ChunkSize        uint32 `json:"chunk_size"`
	DataBytes        uint32 `json:"data_bytes"`
	ForceReinit      bool   `json:"force_reinit"`
	LockAttempts     int    `json:"lock_attempts"`
	LockLeaseSeconds int    `json:"lock_lease_seconds"`

	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	LogFile       string `json:"log_file,omitempty"`
	LogMaxSizeMB  int    `json:"log_max_size_mb"`
	LogMaxBackups int    `json:"log_max_backups"`

	// Resolved (computed, not serialized)
	EffectiveCwd string  `json:"-"`
	Sources      Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// fileConfig is one config file. Pointer fields distinguish "absent" from an
// explicit zero value.
type fileConfig struct {
	SegmentID        *string `json:"segment_id"`
	Dir              *string `json:"dir"`
	SlotCount        *uint32 `json:"slot_count"`
	ChunkSize        *uint32 `json:"chunk_size"`
	DataBytes        *uint32 `json:"data_bytes"`
	ForceReinit      *bool   `json:"force_reinit"`
	LockAttempts     *int    `json:"lock_attempts"`
	LockLeaseSeconds *int    `json:"lock_lease_seconds"`
	LogLevel         *string `json:"log_level"`
	LogFormat        *string `json:"log_format"`
	LogFile          *string `json:"log_file"`
	LogMaxSizeMB     *int    `json:"log_max_size_mb"`
	LogMaxBackups    *int    `json:"log_max_backups"`
}

// Default returns the built-in configuration.
func Default() Config {
	opts := cuckoo.DefaultOptions()

	return Config{
		SegmentID:        opts.SegmentID,
		SlotCount:        opts.SlotCount,
		ChunkSize:        opts.ChunkSize,
		DataBytes:        opts.DataBytes,
		LockAttempts:     opts.LockAttempts,
		LockLeaseSeconds: int(opts.LockLease / time.Second),
		LogLevel:         "warn",
		LogFormat:        logging.FormatConsole,
		LogMaxSizeMB:     100,
		LogMaxBackups:    3,
	}
}

// Input holds the inputs for [Load].
type Input struct {
	WorkDirOverride   string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath        string            // -c/--config flag value
	SegmentIDOverride string            // --segment flag value; empty means no override
	DirOverride       string            // --dir flag value; empty means no override
	Env               map[string]string // environment variables
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/cuckoo/config.json or ~/.config/cuckoo/config.json)
// 3. Project config file (.cuckoo.json in the working directory, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3; must exist)
// 5. CLI overrides.
func Load(input Input) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	globalPath := globalConfigPath(input.Env)
	if globalPath != "" {
		loaded, err := loadFile(&cfg, globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = globalPath
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false

	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		_, statErr := os.Stat(projectPath)
		if statErr != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	loaded, err := loadFile(&cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	if input.SegmentIDOverride != "" {
		cfg.SegmentID = input.SegmentIDOverride
	}

	if input.DirOverride != "" {
		cfg.Dir = input.DirOverride
	}

	if cfg.Dir != "" && !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(workDir, cfg.Dir)
	}

	if cfg.LogFile != "" && !filepath.IsAbs(cfg.LogFile) {
		cfg.LogFile = filepath.Join(workDir, cfg.LogFile)
	}

	err = validate(cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// globalConfigPath returns $XDG_CONFIG_HOME/cuckoo/config.json if set,
// otherwise ~/.config/cuckoo/config.json. Returns empty string if neither
// variable is set.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "cuckoo", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "cuckoo", "config.json")
	}

	return ""
}

// loadFile merges the file at path into cfg. If mustExist is false, a missing
// file is not an error. Reports whether the file was loaded.
func loadFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}

		return false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
	}

	fc, err := parse(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	merge(cfg, fc)

	return true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var fc fileConfig

	err = dec.Decode(&fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func merge(cfg *Config, fc fileConfig) {
	setIf(&cfg.SegmentID, fc.SegmentID)
	setIf(&cfg.Dir, fc.Dir)
	setIf(&cfg.SlotCount, fc.SlotCount)
	setIf(&cfg.ChunkSize, fc.ChunkSize)
	setIf(&cfg.DataBytes, fc.DataBytes)
	setIf(&cfg.ForceReinit, fc.ForceReinit)
	setIf(&cfg.LockAttempts, fc.LockAttempts)
	setIf(&cfg.LockLeaseSeconds, fc.LockLeaseSeconds)
	setIf(&cfg.LogLevel, fc.LogLevel)
	setIf(&cfg.LogFormat, fc.LogFormat)
	setIf(&cfg.LogFile, fc.LogFile)
	setIf(&cfg.LogMaxSizeMB, fc.LogMaxSizeMB)
	setIf(&cfg.LogMaxBackups, fc.LogMaxBackups)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func validate(cfg Config) error {
	if cfg.SegmentID == "" {
		return errors.New("segment_id cannot be empty")
	}

	if cfg.LockAttempts < 0 {
		return fmt.Errorf("lock_attempts must be >= 0, got %d", cfg.LockAttempts)
	}

	if cfg.LockLeaseSeconds < 0 {
		return fmt.Errorf("lock_lease_seconds must be >= 0, got %d", cfg.LockLeaseSeconds)
	}

	_, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	if cfg.LogFormat != logging.FormatConsole && cfg.LogFormat != logging.FormatJSON {
		return fmt.Errorf("log_format must be %q or %q, got %q", logging.FormatConsole, logging.FormatJSON, cfg.LogFormat)
	}

	if cfg.LogMaxSizeMB < 0 || cfg.LogMaxBackups < 0 {
		return errors.New("log_max_size_mb and log_max_backups must be >= 0")
	}

	// Geometry is checked by the store itself.
	_, err = cuckoo.New(cfg.StoreOptions())
	if err != nil {
		return err
	}

	return nil
}

// StoreOptions converts the config into store options. Logger and clock are
// left for the caller.
func (cfg Config) StoreOptions() cuckoo.Options {
	return cuckoo.Options{
		SegmentID:    cfg.SegmentID,
		Dir:          cfg.Dir,
		SlotCount:    cfg.SlotCount,
		ChunkSize:    cfg.ChunkSize,
		DataBytes:    cfg.DataBytes,
		ForceReinit:  cfg.ForceReinit,
		LockAttempts: cfg.LockAttempts,
		LockLease:    time.Duration(cfg.LockLeaseSeconds) * time.Second,
	}
}

// LogOptions converts the config into logger options.
func (cfg Config) LogOptions() logging.Options {
	return logging.Options{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	}
}

// Format returns the config as indented JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
