// ABOUTME: YAML configuration parsing, discovery, and validation
// ABOUTME: Defines listener, logging, and per-station buffer settings
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/harper/station-input-buffer/internal/infrastructure/frame"
	"github.com/harper/station-input-buffer/internal/infrastructure/ring"
)

// SearchPaths are the directories Discover looks in for stationbuf.yaml.
var SearchPaths = []string{"/etc/stationbuf", "."}

const (
	defaultHost            = "0.0.0.0"
	defaultPort            = 8000
	defaultClockHz         = 200_000_000
	defaultBlockSize       = 1024
	defaultReadTimeoutMs   = 5000
	defaultConnectTimeout  = 5000
	defaultStatsIntervalMs = 10_000
)

type Config struct {
	Listen   ListenConfig    `yaml:"listen" mapstructure:"listen"`
	Stations []StationConfig `yaml:"stations" mapstructure:"stations"`
	Logging  LoggingConfig   `yaml:"logging" mapstructure:"logging"`
}

type ListenConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
}

type StationConfig struct {
	ID              string       `yaml:"id" mapstructure:"id"`
	ClockHz         int64        `yaml:"clock_hz" mapstructure:"clock_hz"`
	StatsIntervalMs int          `yaml:"stats_interval_ms" mapstructure:"stats_interval_ms"`
	Source          SourceConfig `yaml:"source" mapstructure:"source"`
	Buffer          BufferConfig `yaml:"buffer" mapstructure:"buffer"`
	Stream          StreamConfig `yaml:"stream" mapstructure:"stream"`
}

type SourceConfig struct {
	URL              string            `yaml:"url" mapstructure:"url"`
	RequestHeaders   map[string]string `yaml:"request_headers" mapstructure:"request_headers"`
	ConnectTimeoutMs int               `yaml:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs    int               `yaml:"read_timeout_ms" mapstructure:"read_timeout_ms"`
}

type BufferConfig struct {
	Capacity       int  `yaml:"capacity" mapstructure:"capacity"`
	Channels       int  `yaml:"channels" mapstructure:"channels"`
	HistoryDepth   int  `yaml:"history_depth" mapstructure:"history_depth"`
	ReadWriteDelay int  `yaml:"read_write_delay" mapstructure:"read_write_delay"`
	ZeroFillGaps   bool `yaml:"zero_fill_gaps" mapstructure:"zero_fill_gaps"`
}

// StreamConfig controls how readers attached over HTTP consume the buffer.
type StreamConfig struct {
	BlockSize     int `yaml:"block_size" mapstructure:"block_size"`
	ReadTimeoutMs int `yaml:"read_timeout_ms" mapstructure:"read_timeout_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
}

func (b BufferConfig) Ring() ring.Config {
	return ring.Config{
		Capacity:       b.Capacity,
		Channels:       b.Channels,
		HistoryDepth:   b.HistoryDepth,
		ReadWriteDelay: b.ReadWriteDelay,
		ZeroFillGaps:   b.ZeroFillGaps,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Discover finds stationbuf.yaml in the given directories (SearchPaths when
// none are given). Top-level settings can be overridden from the
// environment, e.g. STATIONBUF_LISTEN_PORT or STATIONBUF_LOGGING_LEVEL.
func Discover(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = SearchPaths
	}

	v := viper.New()
	v.SetConfigName("stationbuf")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("STATIONBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen.host", defaultHost)
	v.SetDefault("listen.port", defaultPort)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", v.ConfigFileUsed(), err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", v.ConfigFileUsed(), err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Host == "" {
		c.Listen.Host = defaultHost
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = defaultPort
	}

	for i := range c.Stations {
		st := &c.Stations[i]
		if st.ClockHz == 0 {
			st.ClockHz = defaultClockHz
		}
		if st.StatsIntervalMs == 0 {
			st.StatsIntervalMs = defaultStatsIntervalMs
		}
		if st.Source.ConnectTimeoutMs == 0 {
			st.Source.ConnectTimeoutMs = defaultConnectTimeout
		}
		if st.Stream.BlockSize == 0 {
			st.Stream.BlockSize = min(defaultBlockSize, st.Buffer.Capacity/2)
		}
		if st.Stream.ReadTimeoutMs == 0 {
			st.Stream.ReadTimeoutMs = defaultReadTimeoutMs
		}
	}
}

func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool)
	for i, st := range c.Stations {
		if st.ID == "" {
			errs = append(errs, fmt.Errorf("station %d: missing id", i))
			continue
		}
		if seen[st.ID] {
			errs = append(errs, fmt.Errorf("station %s: duplicate id", st.ID))
		}
		seen[st.ID] = true

		if st.Source.URL == "" {
			errs = append(errs, fmt.Errorf("station %s: missing source url", st.ID))
		}
		if err := st.Buffer.Ring().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("station %s: buffer: %w", st.ID, err))
		}
		if st.Stream.BlockSize <= 0 || st.Stream.BlockSize > st.Buffer.Capacity {
			errs = append(errs, fmt.Errorf("station %s: stream block size %d outside (0, %d]",
				st.ID, st.Stream.BlockSize, st.Buffer.Capacity))
		}
		if st.Stream.BlockSize*st.Buffer.Channels > frame.MaxValues {
			errs = append(errs, fmt.Errorf("station %s: stream block of %d samples x %d channels exceeds frame limit",
				st.ID, st.Stream.BlockSize, st.Buffer.Channels))
		}
		if st.ClockHz <= 0 {
			errs = append(errs, fmt.Errorf("station %s: clock_hz must be positive", st.ID))
		}
	}

	return errors.Join(errs...)
}
