package record

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind indicates the variant of a MarketRecord.
type Kind uint8

const (
	// KindTick is a single trade or quote event.
	KindTick Kind = iota
	// KindKline is a derived candle bar at a fixed frequency.
	KindKline
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindKline:
		return "kline"
	default:
		return "unknown"
	}
}

// Side indicates the aggressor side of a tick.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

// String returns a human-readable representation of the Side.
func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return "unknown"
	}
}

// Key is the ordering key of a record within a partition: event timestamp
// in UTC nanoseconds, then the venue-assigned sequence number (or the
// partition's ingestion counter when the venue provides none).
type Key struct {
	TsNs int64
	Seq  uint64
}

// Compare returns -1, 0, or +1 comparing k against o lexicographically.
func (k Key) Compare(o Key) int {
	switch {
	case k.TsNs < o.TsNs:
		return -1
	case k.TsNs > o.TsNs:
		return 1
	case k.Seq < o.Seq:
		return -1
	case k.Seq > o.Seq:
		return 1
	default:
		return 0
	}
}

// Less reports whether k orders strictly before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// IsZero reports whether the key is the zero value.
func (k Key) IsZero() bool { return k.TsNs == 0 && k.Seq == 0 }

// Time returns the key's timestamp as a time.Time in UTC.
func (k Key) Time() time.Time { return time.Unix(0, k.TsNs).UTC() }

// Record is a normalized market data record: a tick-level trade event or a
// derived candle bar. It is a tagged variant on Kind; tick fields are only
// meaningful for KindTick and kline fields only for KindKline.
//
// Every record carries exactly one ordering key and belongs to exactly one
// partition, derived from (symbol, kind, freq) and the venue trading date
// of TsNs.
type Record struct {
	Kind   Kind
	Symbol string

	// TsNs is the event timestamp in UTC nanoseconds. For klines this is
	// the bar-open timestamp.
	TsNs int64

	// Seq is the venue-assigned sequence number if the venue provides one,
	// or the partition's monotonic ingestion counter assigned at append.
	// Zero means "not yet assigned".
	Seq uint64

	// Tick fields. Prices and sizes keep the venue's native decimal
	// precision; no float truncation on the write path.
	Price decimal.Decimal
	Size  decimal.Decimal
	Side  Side
	Flags uint32

	// Kline fields.
	Freq   Freq
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Key returns the record's ordering key.
func (r *Record) Key() Key { return Key{TsNs: r.TsNs, Seq: r.Seq} }

// Time returns the event timestamp as a time.Time in UTC.
func (r *Record) Time() time.Time { return time.Unix(0, r.TsNs).UTC() }

// EqualPayload reports whether two records carry an identical payload,
// ignoring Seq. Together with an equal ordering key this identifies an
// upstream retransmission, which the buffer accepts idempotently.
func (r *Record) EqualPayload(o *Record) bool {
	if r.Kind != o.Kind || r.Symbol != o.Symbol || r.TsNs != o.TsNs {
		return false
	}
	switch r.Kind {
	case KindTick:
		return r.Side == o.Side && r.Flags == o.Flags &&
			r.Price.Equal(o.Price) && r.Size.Equal(o.Size)
	case KindKline:
		return r.Freq == o.Freq &&
			r.Open.Equal(o.Open) && r.High.Equal(o.High) &&
			r.Low.Equal(o.Low) && r.Close.Equal(o.Close) &&
			r.Volume.Equal(o.Volume)
	default:
		return false
	}
}
