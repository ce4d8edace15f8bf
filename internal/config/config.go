// Package config loads localstore settings from a YAML file, the environment
// and command-line overrides, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Engine drivers.
const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Environment variables consulted by Resolve.
const (
	EnvDir    = "LOCALSTORE_DIR"
	EnvDriver = "LOCALSTORE_DRIVER"
)

// Config is the resolved configuration.
type Config struct {
	// Dir holds the database files, the broadcast channel and file handles.
	Dir string `yaml:"dir"`

	// Name is the logical database name.
	Name string `yaml:"name"`

	// Driver selects the storage engine: "sqlite" or "bolt".
	Driver string `yaml:"driver"`

	// WaitTimeout bounds WaitForReady.
	WaitTimeout Duration `yaml:"wait_timeout"`

	// PollInterval is the WaitForReady polling period.
	PollInterval Duration `yaml:"poll_interval"`

	// LockTimeout bounds how long the bolt driver waits for the file lock.
	LockTimeout Duration `yaml:"lock_timeout"`

	// TemporaryMaxAge is the default age for purging temporary images.
	TemporaryMaxAge Duration `yaml:"temporary_max_age"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-"`
}

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Dir:             DefaultDir(),
		Name:            "localstore",
		Driver:          DriverSQLite,
		WaitTimeout:     Duration(8 * time.Second),
		PollInterval:    Duration(100 * time.Millisecond),
		LockTimeout:     Duration(time.Second),
		TemporaryMaxAge: Duration(7 * 24 * time.Hour),
		LogLevel:        "info",
	}
}

// DefaultDir is ~/.localstore.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".localstore")
}

// DefaultPath is the config file consulted when none is given.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Overrides are command-line values; empty fields are ignored.
type Overrides struct {
	ConfigPath string
	Dir        string
	Driver     string
	LogLevel   string
}

// Resolve builds the configuration from defaults, the config file, the
// environment and overrides. A missing default config file is not an error;
// a missing explicit one is.
func Resolve(o Overrides) (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(o.ConfigPath)
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.loadFile(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			path = ""
		} else {
			return cfg, err
		}
	}
	cfg.Path = path

	if v := strings.TrimSpace(os.Getenv(EnvDir)); v != "" {
		cfg.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDriver)); v != "" {
		cfg.Driver = v
	}

	if o.Dir != "" {
		cfg.Dir = o.Dir
	}
	if o.Driver != "" {
		cfg.Driver = o.Driver
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	cfg.Dir = expandHome(cfg.Dir)
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	var errs []error
	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	switch c.Driver {
	case DriverSQLite, DriverBolt:
	default:
		errs = append(errs, fmt.Errorf("unknown driver %q (want %s or %s)", c.Driver, DriverSQLite, DriverBolt))
	}
	if c.WaitTimeout <= 0 {
		errs = append(errs, errors.New("wait_timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, errors.New("lock_timeout must not be negative"))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// BroadcastDir is where peers exchange readiness signals.
func (c Config) BroadcastDir() string {
	return filepath.Join(c.Dir, "broadcast")
}

// HandleDir is where file handles are materialized.
func (c Config) HandleDir() string {
	return filepath.Join(c.Dir, "handles")
}

// Encode renders the configuration as YAML.
func (c Config) Encode() ([]byte, error) {
	return yaml.Marshal(c)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
