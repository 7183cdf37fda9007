package livewatch

import (
	"github.com/hazyhaar/livewatch/livewatch/internal/config"
)

// Config is the top-level livewatch configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// MonitoringConfig holds session defaults and check timing.
type MonitoringConfig = config.MonitoringConfig

// TabConfig defines a tab opened at startup.
type TabConfig = config.TabConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// DefaultConfig returns the configuration of an empty file.
func DefaultConfig() *Config {
	return config.Default()
}
