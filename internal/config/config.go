// Package config loads and persists meshbridge settings.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshcommons/meshbridge/internal/proto"
	"github.com/meshcommons/meshbridge/internal/transport"
)

// MaxFrameSizeLimit is the largest transport.max_frame_size whose frames,
// position marker included, still fit one radio packet.
const MaxFrameSizeLimit = proto.MaxPayload - transport.MarkerReserve

// DefaultPath is used when no --config flag is given.
const DefaultPath = "meshbridge.yaml"

// Config holds all meshbridge configuration.
type Config struct {
	Radio     RadioConfig     `yaml:"radio"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Log       LogConfig       `yaml:"log"`
}

// RadioConfig selects the device.
type RadioConfig struct {
	// Target is a serial path (/dev/ttyUSB0, COM3) or a host[:port].
	Target         string `yaml:"target"`
	ConnectOnStart bool   `yaml:"connect_on_start"`
	BaudRate       int    `yaml:"baud_rate"`
}

// TransportConfig tunes the resilient transport.
type TransportConfig struct {
	MaxFrameSize  int             `yaml:"max_frame_size"`
	FramePacing   time.Duration   `yaml:"frame_pacing"`
	RetrySchedule []time.Duration `yaml:"retry_schedule"`
	QueueLimit    int             `yaml:"queue_limit"` // 0 = unbounded
	OpenTimeout   time.Duration   `yaml:"open_timeout"`
}

// APIConfig configures the HTTP facade.
type APIConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

// StoreConfig configures the SQLite journal.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// OllamaConfig configures the chat engine.
type OllamaConfig struct {
	URL     string        `yaml:"url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// BridgeConfig configures the auto-reply bridge.
type BridgeConfig struct {
	AutoReply bool `yaml:"auto_reply"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
	File        string `yaml:"file"` // rotated with lumberjack when set
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Radio: RadioConfig{
			BaudRate: 115200,
		},
		Transport: TransportConfig{
			MaxFrameSize:  200,
			FramePacing:   200 * time.Millisecond,
			RetrySchedule: []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second},
			OpenTimeout:   10 * time.Second,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: ":5000",
		},
		Store: StoreConfig{
			Path: "meshbridge.db",
		},
		Ollama: OllamaConfig{
			URL:     "http://localhost:11434",
			Timeout: 120 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads path over the defaults, so keys missing from an older file keep
// their default value. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MESHBRIDGE_TARGET"); v != "" {
		c.Radio.Target = v
	}
	if v := os.Getenv("MESHBRIDGE_LISTEN_ADDR"); v != "" {
		c.API.ListenAddr = v
	}
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		c.Ollama.URL = v
	}
	if v := os.Getenv("MESHBRIDGE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ValidLogLevels lists the accepted log.level values.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate checks the values the transport and API depend on.
func (c *Config) Validate() error {
	var errs []error

	if c.Transport.MaxFrameSize <= 0 || c.Transport.MaxFrameSize > MaxFrameSizeLimit {
		errs = append(errs, fmt.Errorf("transport.max_frame_size must be 1-%d bytes, got %d", MaxFrameSizeLimit, c.Transport.MaxFrameSize))
	}
	if c.Transport.FramePacing < 0 {
		errs = append(errs, fmt.Errorf("transport.frame_pacing must not be negative"))
	}
	if len(c.Transport.RetrySchedule) == 0 {
		errs = append(errs, errors.New("transport.retry_schedule must have at least one entry"))
	}
	for i, d := range c.Transport.RetrySchedule {
		if d < 0 {
			errs = append(errs, fmt.Errorf("transport.retry_schedule[%d] must not be negative", i))
		}
	}
	if c.Transport.QueueLimit < 0 {
		errs = append(errs, errors.New("transport.queue_limit must not be negative"))
	}
	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("api.listen_addr: %w", err))
		}
	}

	valid := false
	for _, l := range ValidLogLevels {
		if c.Log.Level == l {
			valid = true
			break
		}
	}
	if !valid {
		errs = append(errs, fmt.Errorf("invalid log.level: %s (valid: %v)", c.Log.Level, ValidLogLevels))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
