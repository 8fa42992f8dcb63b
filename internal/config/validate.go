package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zonequant/zq-data/internal/record"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if err := c.WAL.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}
	if err := c.Buffer.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer: %w", err))
	}
	if err := c.Flush.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := c.Segment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("segment: %w", err))
	}
	if err := c.Fanout.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("fanout: %w", err))
	}
	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}
	if err := c.Query.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("query: %w", err))
	}
	for i := range c.Venues {
		if err := c.Venues[i].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("venues[%d]: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the log configuration.
func (c *LogConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
}

// Validate checks the WAL configuration.
func (c *WALConfig) Validate() error {
	var errs []error

	switch c.SyncMode {
	case "", "async", "sync", "fsync":
	default:
		errs = append(errs, fmt.Errorf("invalid sync_mode %q", c.SyncMode))
	}
	if c.SyncMode == "async" && c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval required for async mode"))
	}
	if c.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("max_segment_size must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the buffer configuration.
func (c *BufferConfig) Validate() error {
	var errs []error

	if c.MaxRecords < 0 {
		errs = append(errs, errors.New("max_records must be non-negative"))
	}
	if c.MaxBytes < 0 {
		errs = append(errs, errors.New("max_bytes must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the flush configuration.
func (c *FlushConfig) Validate() error {
	if c.Interval < 0 {
		return errors.New("interval must be non-negative")
	}
	return nil
}

// Validate checks the segment configuration.
func (c *SegmentConfig) Validate() error {
	switch c.Compression {
	case "", "snappy", "zstd", "lz4", "gzip", "none":
		return nil
	default:
		return fmt.Errorf("invalid compression %q", c.Compression)
	}
}

// Validate checks the fanout configuration.
func (c *FanoutConfig) Validate() error {
	switch c.Policy {
	case "", "close", "drop_oldest":
		return nil
	default:
		return fmt.Errorf("invalid policy %q", c.Policy)
	}
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error
	t := c.Thresholds

	if t.Warning <= 0 || t.Warning > 1 {
		errs = append(errs, errors.New("thresholds.warning must be in (0, 1]"))
	}
	if t.Critical <= 0 || t.Critical > 1 {
		errs = append(errs, errors.New("thresholds.critical must be in (0, 1]"))
	}
	if t.Emergency <= 0 || t.Emergency > 1 {
		errs = append(errs, errors.New("thresholds.emergency must be in (0, 1]"))
	}
	if t.Warning > t.Critical || t.Critical > t.Emergency {
		errs = append(errs, errors.New("thresholds must be ordered warning <= critical <= emergency"))
	}
	if c.Hysteresis < 0 || c.Hysteresis >= 1 {
		errs = append(errs, errors.New("hysteresis must be in [0, 1)"))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the query configuration.
func (c *QueryConfig) Validate() error {
	if c.Parallelism < 0 {
		return errors.New("parallelism must be non-negative")
	}
	return nil
}

// Validate checks one venue configuration.
func (c *VenueConfig) Validate() error {
	var errs []error

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Market == "" {
		errs = append(errs, errors.New("market is required"))
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err))
		}
	}
	if len(c.Symbols) == 0 {
		errs = append(errs, errors.New("at least one symbol is required"))
	}
	for _, f := range c.KlineFreqs {
		if _, err := record.ParseFreq(f); err != nil {
			errs = append(errs, fmt.Errorf("invalid kline_freq %q", f))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates the data root.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", c.DataDir, err)
	}
	return nil
}
