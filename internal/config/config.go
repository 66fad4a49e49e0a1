package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds persistent defaults loaded from config files.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// SerialConfig holds port defaults.
type SerialConfig struct {
	Baud              int    `yaml:"baud"`
	Parity            string `yaml:"parity"`
	ReconnectDelay    string `yaml:"reconnect_delay"`
	DiscoveryInterval string `yaml:"discovery_interval"`
	AutoReconnect     *bool  `yaml:"auto_reconnect"`
}

// MonitorConfig holds capture session defaults.
type MonitorConfig struct {
	Dir          string `yaml:"dir"`
	RingCapacity int    `yaml:"ring_capacity"`
	MaxFile      string `yaml:"max_file"`
	MaxDisk      string `yaml:"max_disk"`
	Compress     *bool  `yaml:"compress"`
	IngestBuffer int    `yaml:"ingest_buffer"`
}

// DefaultsConfig holds global defaults.
type DefaultsConfig struct {
	Timeout string `yaml:"timeout"`
	Verbose bool   `yaml:"verbose"`
}

// Load reads config from ~/.serialtap/config.yaml then CWD .serialtap.yaml.
// CWD config values override home config. Missing files are not errors.
// Environment variables (SERIALTAP_*) override config file values.
func Load() *Config {
	cfg := &Config{}

	// home config
	if home, err := os.UserHomeDir(); err == nil {
		_ = loadFile(filepath.Join(home, ".serialtap", "config.yaml"), cfg)
	}

	// CWD config overrides
	_ = loadFile(".serialtap.yaml", cfg)

	// env overrides
	applyEnv(cfg)

	return cfg
}

// LoadFrom reads config from a specific path. Used for testing.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERIALTAP_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Serial.Baud = n
		}
	}
	if v := os.Getenv("SERIALTAP_PARITY"); v != "" {
		cfg.Serial.Parity = v
	}
	if v := os.Getenv("SERIALTAP_RECONNECT_DELAY"); v != "" {
		cfg.Serial.ReconnectDelay = v
	}
	if v := os.Getenv("SERIALTAP_DISCOVERY_INTERVAL"); v != "" {
		cfg.Serial.DiscoveryInterval = v
	}
	if v := os.Getenv("SERIALTAP_AUTO_RECONNECT"); v != "" {
		b := isTrue(v)
		cfg.Serial.AutoReconnect = &b
	}
	if v := os.Getenv("SERIALTAP_MONITOR_DIR"); v != "" {
		cfg.Monitor.Dir = v
	}
	if v := os.Getenv("SERIALTAP_RING_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.RingCapacity = n
		}
	}
	if v := os.Getenv("SERIALTAP_MAX_FILE"); v != "" {
		cfg.Monitor.MaxFile = v
	}
	if v := os.Getenv("SERIALTAP_MAX_DISK"); v != "" {
		cfg.Monitor.MaxDisk = v
	}
	if v := os.Getenv("SERIALTAP_COMPRESS"); v != "" {
		b := isTrue(v)
		cfg.Monitor.Compress = &b
	}
	if v := os.Getenv("SERIALTAP_TIMEOUT"); v != "" {
		cfg.Defaults.Timeout = v
	}
	if v := os.Getenv("SERIALTAP_VERBOSE"); v != "" {
		cfg.Defaults.Verbose = isTrue(v)
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
