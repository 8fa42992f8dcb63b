// Package venue collects market data from exchange feeds and hands
// normalized records to the store.
package venue

import (
	"context"
	"time"

	"github.com/zonequant/zq-data/internal/record"
)

// Sink accepts normalized records for storage and fan-out. The
// coordinator satisfies it.
type Sink interface {
	SubmitLive(broker, market string, r record.Record) (record.Record, error)
	SubmitHistorical(ctx context.Context, broker, market string, records []record.Record) (int, error)
}

// Collector streams live market data from one venue into a sink.
type Collector interface {
	// Name is the broker identifier used in partition paths.
	Name() string

	// Market is the market identifier used in partition paths.
	Market() string

	// Stream connects to the venue and pumps records into the sink
	// until ctx is cancelled. It reconnects on transient failures.
	Stream(ctx context.Context, sink Sink) error
}

// Backfiller fetches historical records over the venue's REST API.
type Backfiller interface {
	// Klines fetches closed bars for [start, end).
	Klines(ctx context.Context, symbol string, freq record.Freq, start, end time.Time) ([]record.Record, error)

	// Trades fetches trade events for [start, end).
	Trades(ctx context.Context, symbol string, start, end time.Time) ([]record.Record, error)
}
