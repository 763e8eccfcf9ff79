// Package config loads the shell configuration: built-in defaults, then an
// optional TOML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Environment variables understood by Load.
const (
	EnvConfigFile = "PIANKI_SHELL_CONFIG"
	EnvDataDir    = "PIANKI_DATA_DIR"
	EnvDevMode    = "PIANKI_DEV"
	EnvPort       = "PORT"
	EnvBackend    = "PIANKI_BACKEND"
	EnvListen     = "PIANKI_LISTEN"
	EnvLogLevel   = "LOG_LEVEL"
)

// EnvPortRange passes the fallback port range ("start-end") to the backend.
// Load does not read it.
const EnvPortRange = "PORT_RANGE"

const appName = "pianki"

// Config holds the shell configuration.
type Config struct {
	// DataDir is the application data directory handed to the backend.
	DataDir string `toml:"data_dir"`
	// DevMode skips spawning the backend; an external tool runs it.
	DevMode bool `toml:"dev_mode"`
	// Listen is the address of the front-end bridge.
	Listen string `toml:"listen"`

	Backend BackendConfig `toml:"backend"`
	Probe   ProbeConfig   `toml:"probe"`
	Log     LogConfig     `toml:"log"`

	// path is the file the config was read from, if any.
	path string
}

// BackendConfig describes the sidecar executable.
type BackendConfig struct {
	Executable string   `toml:"executable"`
	Args       []string `toml:"args"`
	Port       int      `toml:"port"`
	// PortRangeStart and PortRangeEnd bound the fallback ports the backend
	// may bind when Port is taken. Zero disables the range.
	PortRangeStart int `toml:"port_range_start"`
	PortRangeEnd   int `toml:"port_range_end"`
}

// ProbeConfig tunes the readiness probe.
type ProbeConfig struct {
	Host        string   `toml:"host"`
	Timeout     Duration `toml:"timeout"`
	Interval    Duration `toml:"interval"`
	DialTimeout Duration `toml:"dial_timeout"`
}

// LogConfig configures the shell logger.
type LogConfig struct {
	Level string `toml:"level"`
	Dir   string `toml:"dir"`
}

// Duration is a time.Duration that reads from TOML strings like "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir: defaultDataDir(),
		Listen:  "127.0.0.1:8421",
		Backend: BackendConfig{
			Executable: "pianki-backend",
			Port:       3001,
		},
		Probe: ProbeConfig{
			Host:        "127.0.0.1",
			Timeout:     Duration{5 * time.Second},
			Interval:    Duration{200 * time.Millisecond},
			DialTimeout: Duration{150 * time.Millisecond},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty or the file does not exist) and environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Path returns the file the configuration was read from.
func (c Config) Path() string {
	return c.path
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.path = path
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.path = path
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDataDir); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv(EnvDevMode); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.DevMode = b
		}
	}
	if v := os.Getenv(EnvPort); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Backend.Port = n
		}
	}
	if v := os.Getenv(EnvBackend); v != "" {
		c.Backend.Executable = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
}

// Validate checks ports and durations.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if c.Backend.Executable == "" && !c.DevMode {
		return errors.New("backend.executable is required")
	}
	if !validPort(c.Backend.Port) {
		return fmt.Errorf("backend.port out of range: %d", c.Backend.Port)
	}

	start, end := c.Backend.PortRangeStart, c.Backend.PortRangeEnd
	if start != 0 || end != 0 {
		if !validPort(start) || !validPort(end) {
			return fmt.Errorf("backend port range out of range: %d-%d", start, end)
		}
		if start > end {
			return fmt.Errorf("backend port range is inverted: %d-%d", start, end)
		}
	}

	if c.Probe.Timeout.Duration <= 0 {
		return errors.New("probe.timeout must be positive")
	}
	if c.Probe.Interval.Duration <= 0 {
		return errors.New("probe.interval must be positive")
	}
	if c.Probe.DialTimeout.Duration <= 0 {
		return errors.New("probe.dial_timeout must be positive")
	}
	return nil
}

// HasPortRange reports whether a fallback range is configured.
func (c Config) HasPortRange() bool {
	return c.Backend.PortRangeStart != 0 && c.Backend.PortRangeEnd != 0
}

// CandidatePorts lists the ports the backend may end up on: the requested
// port first, then the fallback range in ascending order, without repeats.
func (c Config) CandidatePorts() []int {
	ports := []int{c.Backend.Port}
	if !c.HasPortRange() {
		return ports
	}
	for p := c.Backend.PortRangeStart; p <= c.Backend.PortRangeEnd; p++ {
		if p != c.Backend.Port {
			ports = append(ports, p)
		}
	}
	return ports
}

// LogDir is the directory for the shell log; it defaults to logs/ under
// the data dir.
func (c Config) LogDir() string {
	if c.Log.Dir != "" {
		return c.Log.Dir
	}
	return filepath.Join(c.DataDir, "logs")
}

// LogFile is the shell log file path.
func (c Config) LogFile() string {
	return filepath.Join(c.LogDir(), "shell.log")
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(os.TempDir(), appName)
}
