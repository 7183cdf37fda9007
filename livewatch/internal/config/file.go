// Package config handles livewatch configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/livewatch/check"
)

// Config is the top-level livewatch configuration.
type Config struct {
	Browser       BrowserConfig       `yaml:"browser"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	Describe      DescribeConfig      `yaml:"describe"`
	Frames        FramesConfig        `yaml:"frames"`
	Tabs          []TabConfig         `yaml:"tabs"`
	Sinks         []SinkConfig        `yaml:"sinks"`
	API           APIConfig           `yaml:"api"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Mode             string        `yaml:"mode"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// MonitoringConfig holds the session defaults and check timing.
type MonitoringConfig struct {
	Interval         time.Duration `yaml:"interval"`
	MonitorVideos    *bool         `yaml:"monitor_videos"`
	MonitorPage      *bool         `yaml:"monitor_page"`
	SpeechRate       float64       `yaml:"speech_rate"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	TextThreshold    int           `yaml:"text_threshold"`
	Root             string        `yaml:"root"`
}

// DescribeConfig points at the description service.
type DescribeConfig struct {
	BaseURL          string        `yaml:"base_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// FramesConfig controls frame capture.
type FramesConfig struct {
	Count       int           `yaml:"count"`
	Window      time.Duration `yaml:"window"`
	SeekTimeout time.Duration `yaml:"seek_timeout"`
	Quality     float64       `yaml:"quality"`
}

// TabConfig is a tab opened at startup.
type TabConfig struct {
	ID      string `yaml:"id"`
	URL     string `yaml:"url"`
	Mode    string `yaml:"mode"` // auto | static | headless | headful
	Monitor bool   `yaml:"monitor"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook
	URL  string `yaml:"url"`  // for webhook
}

// APIConfig controls the HTTP control API.
type APIConfig struct {
	Addr         string `yaml:"addr"`
	AllowPrivate bool   `yaml:"allow_private"`
}

// ObservabilityConfig enables the SQLite metrics store.
type ObservabilityConfig struct {
	DB        string        `yaml:"db"`
	Retention time.Duration `yaml:"retention"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Session().Validate(); err != nil {
		return nil, fmt.Errorf("config: monitoring: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration of an empty file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Session returns the default per-session configuration.
func (c *Config) Session() check.SessionConfig {
	return check.SessionConfig{
		IntervalMs:    c.Monitoring.Interval.Milliseconds(),
		MonitorVideos: *c.Monitoring.MonitorVideos,
		MonitorPage:   *c.Monitoring.MonitorPage,
		SpeechRate:    c.Monitoring.SpeechRate,
	}
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}

	m := &c.Monitoring
	if m.Interval <= 0 {
		m.Interval = time.Duration(check.DefaultIntervalMs) * time.Millisecond
	}
	if m.MonitorVideos == nil {
		m.MonitorVideos = boolPtr(true)
	}
	if m.MonitorPage == nil {
		m.MonitorPage = boolPtr(true)
	}
	if m.SpeechRate <= 0 {
		m.SpeechRate = check.DefaultSpeechRate
	}
	if m.InitialDelay <= 0 {
		m.InitialDelay = time.Second
	}
	if m.ReadinessTimeout <= 0 {
		m.ReadinessTimeout = 10 * time.Second
	}
	if m.InitTimeout <= 0 {
		m.InitTimeout = m.ReadinessTimeout + 5*time.Second
	}
	if m.CheckTimeout <= 0 {
		m.CheckTimeout = 45 * time.Second
	}
	if m.TextThreshold <= 0 {
		m.TextThreshold = 100
	}
	if m.Root == "" {
		m.Root = "body"
	}

	if c.Describe.BaseURL == "" {
		c.Describe.BaseURL = "http://127.0.0.1:8000"
	}
	if c.Describe.Timeout <= 0 {
		c.Describe.Timeout = 10 * time.Second
	}

	if c.Frames.Count <= 0 {
		c.Frames.Count = 3
	}
	if c.Frames.Window <= 0 {
		c.Frames.Window = 10 * time.Second
	}
	if c.Frames.SeekTimeout <= 0 {
		c.Frames.SeekTimeout = 2 * time.Second
	}
	if c.Frames.Quality <= 0 || c.Frames.Quality > 1 {
		c.Frames.Quality = 0.8
	}

	for i := range c.Tabs {
		if c.Tabs[i].Mode == "" {
			c.Tabs[i].Mode = "auto"
		}
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	if c.Observability.Retention <= 0 {
		c.Observability.Retention = 7 * 24 * time.Hour
	}
}

func boolPtr(b bool) *bool { return &b }
