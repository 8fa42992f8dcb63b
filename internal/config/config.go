// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is the root directory for all partition files.
	DataDir string `yaml:"data_dir"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// WAL configures the durable append log.
	WAL WALConfig `yaml:"wal"`

	// Buffer configures the in-memory write-ahead buffer.
	Buffer BufferConfig `yaml:"buffer"`

	// Flush configures flush and compaction behavior.
	Flush FlushConfig `yaml:"flush"`

	// Segment configures committed segment files.
	Segment SegmentConfig `yaml:"segment"`

	// Fanout configures live subscription delivery.
	Fanout FanoutConfig `yaml:"fanout"`

	// Backpressure configures load shedding.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Query configures the query engine.
	Query QueryConfig `yaml:"query"`

	// Venues lists the market data sources to collect from.
	Venues []VenueConfig `yaml:"venues"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON.
	JSON bool `yaml:"json"`
}

// WALConfig configures the durable append log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum log segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// BufferConfig configures the in-memory write-ahead buffer.
type BufferConfig struct {
	// MaxRecords caps the buffered record count per partition.
	MaxRecords int `yaml:"max_records"`

	// MaxBytes caps the buffered memory per partition.
	MaxBytes int64 `yaml:"max_bytes"`

	// CursorBuffer is the per-subscriber channel capacity.
	CursorBuffer int `yaml:"cursor_buffer"`
}

// FlushConfig configures flush and compaction behavior.
type FlushConfig struct {
	// Interval is how often buffers are checked against thresholds.
	Interval time.Duration `yaml:"interval"`

	// MaxRecords triggers a flush when a buffer reaches this count.
	MaxRecords int `yaml:"max_records"`

	// MaxBytes triggers a flush when a buffer reaches this size.
	MaxBytes int64 `yaml:"max_bytes"`
}

// SegmentConfig configures committed segment files.
type SegmentConfig struct {
	// Compression is the parquet compression: snappy, zstd, lz4, none.
	Compression string `yaml:"compression"`

	// RowGroupSize is the maximum rows per parquet row group.
	RowGroupSize int `yaml:"row_group_size"`
}

// FanoutConfig configures live subscription delivery.
type FanoutConfig struct {
	// QueueSize is the per-subscription channel capacity.
	QueueSize int `yaml:"queue_size"`

	// Policy is the lagging-subscriber policy: close, drop_oldest.
	Policy string `yaml:"policy"`
}

// BackpressureConfig configures load shedding.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines buffer usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Hysteresis prevents level flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// BackpressureThresholds defines buffer usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0): compaction pauses.
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0): backfill throttles.
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0): live appends are rejected.
	Emergency float64 `yaml:"emergency"`
}

// QueryConfig configures the query engine.
type QueryConfig struct {
	// Parallelism is the number of trading dates scanned concurrently.
	Parallelism int `yaml:"parallelism"`
}

// VenueConfig describes one market data source.
type VenueConfig struct {
	// Name is the broker identifier used in partition paths.
	Name string `yaml:"name"`

	// Market is the market identifier used in partition paths.
	Market string `yaml:"market"`

	// Timezone is the venue's IANA timezone. Empty means UTC.
	Timezone string `yaml:"timezone"`

	// Rollover shifts the trading-day boundary from local midnight.
	// Negative values open the session the previous evening.
	Rollover time.Duration `yaml:"rollover"`

	// WSHost is the venue's websocket endpoint.
	WSHost string `yaml:"ws_host"`

	// RESTHost is the venue's REST endpoint for backfill.
	RESTHost string `yaml:"rest_host"`

	// Symbols lists the instruments to collect.
	Symbols []string `yaml:"symbols"`

	// KlineFreqs lists the bar frequencies to stream. Empty means
	// ticks only.
	KlineFreqs []string `yaml:"kline_freqs"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/zq-data",
		Log: LogConfig{
			Level: "info",
		},
		WAL: WALConfig{
			SyncMode:       "fsync",
			MaxSegmentSize: 64 * 1024 * 1024,
		},
		Buffer: BufferConfig{
			MaxRecords:   262144,
			MaxBytes:     64 * 1024 * 1024,
			CursorBuffer: 1024,
		},
		Flush: FlushConfig{
			Interval:   30 * time.Second,
			MaxRecords: 65536,
			MaxBytes:   16 * 1024 * 1024,
		},
		Segment: SegmentConfig{
			Compression:  "zstd",
			RowGroupSize: 100000,
		},
		Fanout: FanoutConfig{
			QueueSize: 256,
			Policy:    "close",
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.70,
				Critical:  0.85,
				Emergency: 0.95,
			},
			Hysteresis: 0.05,
			Cooldown:   time.Second,
		},
		Query: QueryConfig{
			Parallelism: 4,
		},
	}
}
