package shell

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// Config errors.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrUnknownBackend     = errors.New("unknown backend")
	ErrRootRequired       = errors.New("disk backend requires a root directory")
)

// Backend names accepted in [Config.Backend].
const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
)

// ConfigFileName is the project config file looked up in the working directory.
const ConfigFileName = ".vfsh.json"

// Config holds all shell options. Files are JSONC.
type Config struct {
	Backend       string   `json:"backend"`
	Root          string   `json:"root,omitempty"`
	StrictDirSync bool     `json:"strict_dir_sync,omitempty"`
	LogLevel      string   `json:"log_level,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	Faults        []string `json:"faults,omitempty"`

	// Source is the config file that was loaded, empty if none.
	Source string `json:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendMemory,
		LogLevel: "warn",
	}
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	WorkDir    string // resolves relative paths; os.Getwd() if empty
	ConfigPath string // --config; must exist when set
	Overrides  Config // flag values, applied when the matching Set* is true

	SetBackend       bool
	SetRoot          bool
	SetStrictDirSync bool
	SetLogLevel      bool
	SetSeed          bool
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Project config file (.vfsh.json in WorkDir) or the explicit ConfigPath
// 3. Flag overrides.
//
// A relative Root is resolved against WorkDir.
func LoadConfig(input LoadConfigInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := DefaultConfig()

	fileCfg, source, err := loadProjectConfig(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg = mergeConfig(cfg, fileCfg)
	cfg.Source = source

	o := input.Overrides
	if input.SetBackend {
		cfg.Backend = o.Backend
	}

	if input.SetRoot {
		cfg.Root = o.Root
	}

	if input.SetStrictDirSync {
		cfg.StrictDirSync = o.StrictDirSync
	}

	if input.SetLogLevel {
		cfg.LogLevel = o.LogLevel
	}

	if input.SetSeed {
		cfg.Seed = o.Seed
	}

	cfg.Faults = append(cfg.Faults, o.Faults...)

	if cfg.Root != "" && !filepath.IsAbs(cfg.Root) {
		cfg.Root = filepath.Join(workDir, cfg.Root)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	cfgFile := filepath.Join(workDir, ConfigFileName)
	mustExist := false

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileNotFound, configPath)
		}
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		if !mustExist {
			return Config{}, "", nil
		}

		return Config{}, "", fmt.Errorf("%w: %s", ErrConfigFileRead, cfgFile)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", ErrConfigInvalid, cfgFile, err)
	}

	return cfg, cfgFile, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.Backend != "" {
		base.Backend = overlay.Backend
	}

	if overlay.Root != "" {
		base.Root = overlay.Root
	}

	if overlay.StrictDirSync {
		base.StrictDirSync = true
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	if overlay.Seed != 0 {
		base.Seed = overlay.Seed
	}

	base.Faults = append(base.Faults, overlay.Faults...)

	return base
}

func validateConfig(cfg Config) error {
	switch cfg.Backend {
	case BackendMemory:
	case BackendDisk:
		if cfg.Root == "" {
			return ErrRootRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}

	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	for _, spec := range cfg.Faults {
		if _, err := parseFault(spec); err != nil {
			return fmt.Errorf("%w: fault %q: %w", ErrConfigInvalid, spec, err)
		}
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level

	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}

	return lvl, nil
}
