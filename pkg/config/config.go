package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fako1024/bthalo/pkg/session"
	"github.com/mcuadros/go-defaults"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (

	// TransportGATT selects the HCI GATT backend
	TransportGATT = "gatt"

	// TransportGoBLE selects the go-ble backend
	TransportGoBLE = "goble"

	// TransportMock selects the simulated peripheral
	TransportMock = "mock"
)

// Config denotes the configuration of the tool
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Transport  string `yaml:"transport" default:"gatt"`
	HCIDevice  int    `yaml:"hci_device" default:"-1"`
	Bonds      bool   `yaml:"bonds" default:"true"`
	Adapter    string `yaml:"adapter"`
	NameFilter string `yaml:"name_filter" default:"Flarm"`

	ScanWindow     time.Duration `yaml:"scan_window" default:"15s"`
	RescanSettle   time.Duration `yaml:"rescan_settle" default:"1s"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" default:"3s"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	ReadStagger    time.Duration `yaml:"read_stagger" default:"100ms"`
	SyncTimeout    time.Duration `yaml:"sync_timeout" default:"5s"`
	ResetSettle    time.Duration `yaml:"reset_settle" default:"500ms"`
	OpTimeout      time.Duration `yaml:"op_timeout" default:"3s"`

	QueueDepth    int  `yaml:"queue_depth" default:"16"`
	AutoReconnect bool `yaml:"auto_reconnect" default:"true"`

	Listen string `yaml:"listen" default:":8080"`
}

// Default returns the default configuration
func Default() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads the configuration from a YAML file, falling back to the defaults for all
// keys not present. An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses a YAML configuration, falling back to the defaults for all keys not present
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level `%s`", c.LogLevel)
	}

	switch c.Transport {
	case TransportGATT, TransportGoBLE, TransportMock:
	default:
		return fmt.Errorf("unknown transport `%s`", c.Transport)
	}

	for name, d := range map[string]time.Duration{
		"scan_window":     c.ScanWindow,
		"rescan_settle":   c.RescanSettle,
		"reconnect_delay": c.ReconnectDelay,
		"connect_timeout": c.ConnectTimeout,
		"read_stagger":    c.ReadStagger,
		"sync_timeout":    c.SyncTimeout,
		"reset_settle":    c.ResetSettle,
		"op_timeout":      c.OpTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %v", name, d)
		}
	}

	if c.QueueDepth <= 0 {
		return fmt.Errorf("invalid queue_depth: %d", c.QueueDepth)
	}

	return nil
}

// Timing returns the session timing
func (c *Config) Timing() session.Timing {
	return session.Timing{
		ConnectTimeout: c.ConnectTimeout,
		ReadStagger:    c.ReadStagger,
		SyncTimeout:    c.SyncTimeout,
		ResetSettle:    c.ResetSettle,
		ReconnectDelay: c.ReconnectDelay,
		OpTimeout:      c.OpTimeout,
	}
}

// Write writes the configuration as YAML
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
