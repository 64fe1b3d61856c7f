// Package config loads r2d2ctl settings from a YAML file, an optional .env
// file and R2D2_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mil-ad/r2d2ctl/internal/bridge"
	"github.com/mil-ad/r2d2ctl/internal/robot"
)

type Config struct {
	Device DeviceConfig `yaml:"device"`
	Daemon DaemonConfig `yaml:"daemon"`
	Bridge BridgeConfig `yaml:"bridge"`
	Log    LogConfig    `yaml:"log"`
}

type DeviceConfig struct {
	Name           string        `yaml:"name"`
	Adapter        string        `yaml:"adapter"`
	Characteristic string        `yaml:"characteristic"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type DaemonConfig struct {
	Socket string `yaml:"socket"`
	// EventsAddr enables the WebSocket event feed when non-empty.
	EventsAddr string `yaml:"events_addr"`
}

type BridgeConfig struct {
	Addr           string        `yaml:"addr"`
	UserAgent      string        `yaml:"user_agent"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxSourceBytes int64         `yaml:"max_source_bytes"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:           "Pico_Agent",
			Adapter:        "hci0",
			Characteristic: robot.UARTRxCharUUID,
			ScanTimeout:    robot.DefaultScanTimeout,
			ConnectTimeout: robot.DefaultConnectTimeout,
		},
		Daemon: DaemonConfig{
			Socket: SocketPath(),
		},
		Bridge: BridgeConfig{
			Addr:           "0.0.0.0:5050",
			UserAgent:      bridge.DefaultUserAgent,
			FetchTimeout:   bridge.DefaultFetchTimeout,
			MaxSourceBytes: bridge.DefaultMaxSourceBytes,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Path returns the default config file location.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "r2d2ctl", "config.yaml")
}

// SocketPath returns the default daemon socket location.
func SocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return filepath.Join(dir, "r2d2ctl.sock")
}

// Load reads path (Path() when empty) over the defaults. A missing file is
// not an error. A .env file in the working directory is loaded into the
// environment before overrides are applied.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if path == "" {
		path = Path()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"R2D2_DEVICE_NAME":       &c.Device.Name,
		"R2D2_ADAPTER":           &c.Device.Adapter,
		"R2D2_CHARACTERISTIC":    &c.Device.Characteristic,
		"R2D2_SOCKET":            &c.Daemon.Socket,
		"R2D2_EVENTS_ADDR":       &c.Daemon.EventsAddr,
		"R2D2_BRIDGE_ADDR":       &c.Bridge.Addr,
		"R2D2_BRIDGE_USER_AGENT": &c.Bridge.UserAgent,
		"R2D2_LOG_LEVEL":         &c.Log.Level,
		"R2D2_LOG_FORMAT":        &c.Log.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durs := map[string]*time.Duration{
		"R2D2_SCAN_TIMEOUT":    &c.Device.ScanTimeout,
		"R2D2_CONNECT_TIMEOUT": &c.Device.ConnectTimeout,
		"R2D2_FETCH_TIMEOUT":   &c.Bridge.FetchTimeout,
	}
	for key, dst := range durs {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	if v, ok := os.LookupEnv("R2D2_MAX_SOURCE_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("R2D2_MAX_SOURCE_BYTES: %w", err)
		}
		c.Bridge.MaxSourceBytes = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Device.Name == "":
		return errors.New("device.name must not be empty")
	case c.Device.Adapter == "":
		return errors.New("device.adapter must not be empty")
	case c.Device.Characteristic == "":
		return errors.New("device.characteristic must not be empty")
	case c.Device.ScanTimeout <= 0:
		return errors.New("device.scan_timeout must be positive")
	case c.Device.ConnectTimeout <= 0:
		return errors.New("device.connect_timeout must be positive")
	case c.Daemon.Socket == "":
		return errors.New("daemon.socket must not be empty")
	case c.Bridge.FetchTimeout <= 0:
		return errors.New("bridge.fetch_timeout must be positive")
	case c.Bridge.MaxSourceBytes <= 0:
		return errors.New("bridge.max_source_bytes must be positive")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}
