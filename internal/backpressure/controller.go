// Package backpressure grades memory pressure across the open partition
// buffers into discrete levels and tells the write and maintenance paths
// how to react.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, pause compaction.
	LevelWarning

	// LevelCritical - high load, throttle historical backfill.
	LevelCritical

	// LevelEmergency - overload, reject live appends.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are the usage ratios at which each level engages.
type Thresholds struct {
	Warning   float64
	Critical  float64
	Emergency float64
}

// Options configures the controller.
type Options struct {
	Enabled    bool
	Thresholds Thresholds

	// Hysteresis is how far usage must fall below a threshold before the
	// level steps back down.
	Hysteresis float64

	// Cooldown is the minimum interval between level evaluations.
	Cooldown time.Duration
}

// DefaultOptions returns default controller options.
func DefaultOptions() Options {
	return Options{
		Enabled: true,
		Thresholds: Thresholds{
			Warning:   0.70,
			Critical:  0.85,
			Emergency: 0.95,
		},
		Hysteresis: 0.05,
		Cooldown:   time.Second,
	}
}

// UsageFunc reports buffered usage as a ratio of capacity, 0.0 to 1.0.
type UsageFunc func() float64

// Controller grades usage into levels with hysteresis and a cooldown.
type Controller struct {
	mu sync.Mutex

	opts  Options
	usage UsageFunc

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats Stats

	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	RecordsDropped int64
}

// New creates a controller over a usage source.
func New(opts Options, usage UsageFunc) *Controller {
	return &Controller{
		opts:  opts,
		usage: usage,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current usage and updates the level. Called
// periodically by the coordinator.
func (c *Controller) Check() Level {
	if !c.opts.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.opts.Cooldown {
		return c.lastLevel
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.usage())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel grades usage with hysteresis against the current level.
func (c *Controller) determineLevel(usage float64) Level {
	t := c.opts.Thresholds
	h := c.opts.Hysteresis

	if usage >= t.Emergency {
		return LevelEmergency
	}
	if usage >= t.Critical {
		return LevelCritical
	}
	if usage >= t.Warning {
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < t.Emergency-h {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < t.Critical-h {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < t.Warning-h {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldReject reports whether live appends should be rejected.
func (c *Controller) ShouldReject() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottleBackfill reports whether historical ingestion should
// slow down.
func (c *Controller) ShouldThrottleBackfill() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldPauseCompaction reports whether compaction should wait.
func (c *Controller) ShouldPauseCompaction() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleDelay returns the recommended delay between backfill batches.
func (c *Controller) ThrottleDelay() time.Duration {
	switch c.CurrentLevel() {
	case LevelCritical:
		return 50 * time.Millisecond
	case LevelEmergency:
		return 100 * time.Millisecond
	default:
		return 0
	}
}

// RecordDrop records a rejected record.
func (c *Controller) RecordDrop() {
	c.mu.Lock()
	c.stats.RecordsDropped++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStats{
		CurrentLevel:   c.lastLevel,
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		RecordsDropped: c.stats.RecordsDropped,
		Usage:          c.usage(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	RecordsDropped int64
	Usage          float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.opts.Enabled
}
