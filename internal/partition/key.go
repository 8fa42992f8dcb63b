// Package partition defines partition identity for the store: the
// deterministic mapping from (broker, market, data type, symbol, frequency,
// trading date) to an on-disk location, the venue trading-day calendar, and
// enumeration of existing partitions.
package partition

import (
	"fmt"
	"time"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

// DataType selects between tick and kline partitions.
type DataType string

const (
	DataTypeTick  DataType = "tick"
	DataTypeKline DataType = "kline"
)

// Valid reports whether the data type is one of the known values.
func (d DataType) Valid() bool {
	return d == DataTypeTick || d == DataTypeKline
}

// Date is a trading date in the venue's trading-day convention,
// encoded as YYYYMMDD.
type Date int

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	return Date(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// String formats the date as YYYYMMDD.
func (d Date) String() string { return fmt.Sprintf("%08d", int(d)) }

// Year returns the calendar year of the date.
func (d Date) Year() int { return int(d) / 10000 }

// Time returns midnight UTC of the date. This is a labeling convenience
// only; the trading session itself may start earlier or later.
func (d Date) Time() time.Time {
	return time.Date(d.Year(), time.Month(int(d)/100%100), int(d)%100, 0, 0, 0, 0, time.UTC)
}

// Next returns the following calendar date.
func (d Date) Next() Date { return DateOf(d.Time().AddDate(0, 0, 1)) }

// ParseDate parses a YYYYMMDD string.
func ParseDate(s string) (Date, error) {
	if len(s) != 8 {
		return 0, fmt.Errorf("date %q: %w", s, errors.ErrInvalidKey)
	}
	var y, m, day int
	if _, err := fmt.Sscanf(s, "%4d%2d%2d", &y, &m, &day); err != nil {
		return 0, fmt.Errorf("date %q: %w", s, errors.ErrInvalidKey)
	}
	if m < 1 || m > 12 || day < 1 || day > 31 {
		return 0, fmt.Errorf("date %q: %w", s, errors.ErrInvalidKey)
	}
	return Date(y*10000 + m*100 + day), nil
}

// Key identifies exactly one logical partition.
//
// Invariant: a Key maps to exactly one partition and one on-disk location;
// partitions never span two keys. Freq is empty for tick partitions and
// required for kline partitions.
type Key struct {
	Broker   string
	Market   string
	DataType DataType
	Symbol   string
	Freq     record.Freq
	Date     Date
}

// Validate checks the key is syntactically well formed.
func (k Key) Validate() error {
	if k.Broker == "" || k.Market == "" || k.Symbol == "" {
		return fmt.Errorf("broker/market/symbol required: %w", errors.ErrInvalidKey)
	}
	if !k.DataType.Valid() {
		return fmt.Errorf("data type %q: %w", k.DataType, errors.ErrInvalidKey)
	}
	switch k.DataType {
	case DataTypeTick:
		if k.Freq != "" {
			return fmt.Errorf("tick partition carries no frequency: %w", errors.ErrInvalidKey)
		}
	case DataTypeKline:
		if !k.Freq.Valid() {
			return fmt.Errorf("kline partition needs a frequency: %w", errors.ErrInvalidKey)
		}
	}
	if k.Date <= 0 {
		return fmt.Errorf("date required: %w", errors.ErrInvalidKey)
	}
	return nil
}

// String returns a stable identifier for logging and registry maps.
func (k Key) String() string {
	if k.Freq != "" {
		return fmt.Sprintf("%s/%s/%s/%s/%s/%s", k.Broker, k.Market, k.DataType, k.Symbol, k.Freq, k.Date)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", k.Broker, k.Market, k.DataType, k.Symbol, k.Date)
}

// freqOrTick returns the frequency label used in file names: the frequency
// for klines, the literal "tick" for ticks.
func (k Key) freqOrTick() string {
	if k.DataType == DataTypeTick {
		return "tick"
	}
	return string(k.Freq)
}
