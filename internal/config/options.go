package config

import (
	"log/slog"
	"time"

	"github.com/zonequant/zq-data/internal/backpressure"
	"github.com/zonequant/zq-data/internal/coordinator"
	"github.com/zonequant/zq-data/internal/fanout"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/query"
	"github.com/zonequant/zq-data/internal/storage/segment"
)

// LogLevel maps the configured level name to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Calendars builds the per-venue trading calendars. Venues with an
// unloadable timezone fall back to UTC; Validate catches those earlier.
func (c *Config) Calendars() *partition.CalendarSet {
	cals := make([]partition.Calendar, 0, len(c.Venues))
	for _, v := range c.Venues {
		loc := time.UTC
		if v.Timezone != "" {
			if l, err := time.LoadLocation(v.Timezone); err == nil {
				loc = l
			}
		}
		cals = append(cals, partition.Calendar{
			Venue:    v.Name,
			Loc:      loc,
			Rollover: v.Rollover,
		})
	}
	return partition.NewCalendarSet(cals...)
}

// CoordinatorOptions maps the configuration onto coordinator options.
func (c *Config) CoordinatorOptions() coordinator.Options {
	opts := coordinator.DefaultOptions()
	opts.Root = c.DataDir
	opts.Calendars = c.Calendars()

	if c.WAL.SyncMode != "" {
		opts.WAL.SyncMode = c.WAL.SyncMode
	}
	if c.WAL.SyncInterval > 0 {
		opts.WAL.SyncInterval = c.WAL.SyncInterval
	}
	if c.WAL.MaxSegmentSize > 0 {
		opts.WAL.MaxSegmentSize = c.WAL.MaxSegmentSize
	}

	if c.Buffer.MaxRecords > 0 {
		opts.Buffer.MaxRecords = c.Buffer.MaxRecords
	}
	if c.Buffer.MaxBytes > 0 {
		opts.Buffer.MaxBytes = c.Buffer.MaxBytes
	}
	if c.Buffer.CursorBuffer > 0 {
		opts.Buffer.CursorBuffer = c.Buffer.CursorBuffer
	}

	if c.Flush.Interval > 0 {
		opts.FlushInterval = c.Flush.Interval
	}
	if c.Flush.MaxRecords > 0 {
		opts.FlushMaxRecords = c.Flush.MaxRecords
	}
	if c.Flush.MaxBytes > 0 {
		opts.FlushMaxBytes = c.Flush.MaxBytes
	}

	if c.Segment.Compression != "" {
		opts.Segment.Compression = segment.ParseCompressionType(c.Segment.Compression)
	}
	if c.Segment.RowGroupSize > 0 {
		opts.Segment.RowGroupSize = c.Segment.RowGroupSize
	}

	if c.Fanout.QueueSize > 0 {
		opts.Fanout.QueueSize = c.Fanout.QueueSize
	}
	if c.Fanout.Policy == "drop_oldest" {
		opts.Fanout.Policy = fanout.PolicyDropOldest
	}

	opts.Backpressure = backpressure.Options{
		Enabled: c.Backpressure.Enabled,
		Thresholds: backpressure.Thresholds{
			Warning:   c.Backpressure.Thresholds.Warning,
			Critical:  c.Backpressure.Thresholds.Critical,
			Emergency: c.Backpressure.Thresholds.Emergency,
		},
		Hysteresis: c.Backpressure.Hysteresis,
		Cooldown:   c.Backpressure.Cooldown,
	}

	if c.Query.Parallelism > 0 {
		opts.Query = query.Options{Parallelism: c.Query.Parallelism}
	}

	return opts
}
