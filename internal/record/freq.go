package record

import (
	"fmt"
	"time"

	"github.com/zonequant/zq-data/internal/errors"
)

// Freq is a kline bar frequency. The canonical set matches the venues'
// interval vocabulary; any other value is treated as a custom duration and
// must parse with time.ParseDuration.
type Freq string

const (
	Freq1m  Freq = "1m"
	Freq3m  Freq = "3m"
	Freq5m  Freq = "5m"
	Freq15m Freq = "15m"
	Freq30m Freq = "30m"
	Freq1h  Freq = "1h"
	Freq2h  Freq = "2h"
	Freq4h  Freq = "4h"
	Freq1d  Freq = "1d"
	Freq1w  Freq = "1w"
	Freq1M  Freq = "1M"
)

// canonical maps the enumerated frequencies to their bar durations.
// 1M is nominal: calendar months vary, 30 days is used for bucketing math only.
var canonical = map[Freq]time.Duration{
	Freq1m:  time.Minute,
	Freq3m:  3 * time.Minute,
	Freq5m:  5 * time.Minute,
	Freq15m: 15 * time.Minute,
	Freq30m: 30 * time.Minute,
	Freq1h:  time.Hour,
	Freq2h:  2 * time.Hour,
	Freq4h:  4 * time.Hour,
	Freq1d:  24 * time.Hour,
	Freq1w:  7 * 24 * time.Hour,
	Freq1M:  30 * 24 * time.Hour,
}

// AllFreqs returns the canonical frequencies in ascending duration order.
func AllFreqs() []Freq {
	return []Freq{Freq1m, Freq3m, Freq5m, Freq15m, Freq30m,
		Freq1h, Freq2h, Freq4h, Freq1d, Freq1w, Freq1M}
}

// Duration returns the bar duration for this frequency.
// Returns 0 for an empty or unparsable frequency.
func (f Freq) Duration() time.Duration {
	if d, ok := canonical[f]; ok {
		return d
	}
	d, err := time.ParseDuration(string(f))
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// Valid reports whether the frequency is canonical or a parsable custom
// duration. The empty frequency is not valid; tick partitions carry no
// frequency at all.
func (f Freq) Valid() bool {
	return f != "" && f.Duration() > 0
}

// String returns the frequency as written in file names and stream topics.
func (f Freq) String() string { return string(f) }

// ParseFreq validates a frequency string.
func ParseFreq(s string) (Freq, error) {
	f := Freq(s)
	if !f.Valid() {
		return "", fmt.Errorf("%q: %w", s, errors.ErrInvalidFreq)
	}
	return f, nil
}

// Truncate returns the bar-open time for ts at this frequency, in UTC.
func (f Freq) Truncate(ts time.Time) time.Time {
	d := f.Duration()
	if d <= 0 {
		return ts.UTC()
	}
	if f == Freq1M {
		t := ts.UTC()
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return ts.UTC().Truncate(d)
}
