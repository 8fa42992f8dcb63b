// Package query answers ranged reads across a partition's segments and
// its buffered tail, merging them into one ordered, deduplicated stream.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/storage/segment"
	"github.com/zonequant/zq-data/internal/storage/wal"
	"github.com/zonequant/zq-data/internal/store"
)

// Request is a ranged read over one symbol's tick or kline stream.
// The interval [Start, End) is half-open.
type Request struct {
	Broker   string
	Market   string
	DataType partition.DataType
	Symbol   string
	Freq     record.Freq
	Start    time.Time
	End      time.Time

	// RequireComplete fails the query with ErrPartitionMissing when a
	// covering trading date holds no data at all, instead of treating
	// it as empty.
	RequireComplete bool
}

// Gap flags a range the result could not serve.
type Gap struct {
	Date    partition.Date
	Segment string
	Reason  string
}

// Result is an ordered, deduplicated slice of records. Partial is set
// when corrupt segments or degraded partitions were skipped; Gaps names
// them.
type Result struct {
	Records []record.Record
	Partial bool
	Gaps    []Gap
}

// Options configures the query engine.
type Options struct {
	// Parallelism bounds concurrent per-date scans. Default: 4
	Parallelism int
}

// DefaultOptions returns default query options.
func DefaultOptions() Options {
	return Options{Parallelism: 4}
}

// Engine executes queries against a partition registry.
type Engine struct {
	reg  *store.Registry
	opts Options
	log  *slog.Logger
}

// NewEngine creates a query engine over the registry.
func NewEngine(reg *store.Registry, opts Options) *Engine {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultOptions().Parallelism
	}
	return &Engine{
		reg:  reg,
		opts: opts,
		log:  logging.Component("query"),
	}
}

func (r Request) validate() error {
	if r.Symbol == "" {
		return errors.NewMissingField("symbol")
	}
	if r.Broker == "" {
		return errors.NewMissingField("broker")
	}
	if r.Market == "" {
		return errors.NewMissingField("market")
	}
	if !r.DataType.Valid() {
		return errors.NewInvalidValue("data_type", string(r.DataType), "must be tick or kline")
	}
	if r.DataType == partition.DataTypeKline && !r.Freq.Valid() {
		return fmt.Errorf("kline query needs a frequency: %w", errors.ErrInvalidFreq)
	}
	if r.DataType == partition.DataTypeTick && r.Freq != "" {
		return errors.NewInvalidValue("freq", string(r.Freq), "tick queries carry no frequency")
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("start %v, end %v: %w", r.Start, r.End, errors.ErrInvalidInterval)
	}
	return nil
}

// Query runs the request: covering trading dates from the venue calendar,
// per-date scans in parallel, results concatenated in date order.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	cal := e.reg.Calendar(req.Broker)
	dates := cal.TradingDates(req.Start, req.End)
	startNs, endNs := req.Start.UnixNano(), req.End.UnixNano()

	type dateResult struct {
		records []record.Record
		gaps    []Gap
	}
	results := make([]dateResult, len(dates))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)

	for i, date := range dates {
		i, date := i, date
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := partition.Key{
				Broker:   req.Broker,
				Market:   req.Market,
				DataType: req.DataType,
				Symbol:   req.Symbol,
				Freq:     req.Freq,
				Date:     date,
			}
			records, gaps, err := e.scanPartition(key, startNs, endNs, req.RequireComplete)
			if err != nil {
				return err
			}
			results[i] = dateResult{records: records, gaps: gaps}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{}
	for _, dr := range results {
		res.Records = append(res.Records, dr.records...)
		res.Gaps = append(res.Gaps, dr.gaps...)
	}
	res.Partial = len(res.Gaps) > 0
	return res, nil
}

// scanPartition reads one trading date's partition. Segment readers are
// all opened before any rows are read, so a concurrent compaction swap
// cannot change what this scan sees.
func (e *Engine) scanPartition(key partition.Key, startNs, endNs int64, requireComplete bool) ([]record.Record, []Gap, error) {
	p, err := e.openForRead(key)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			if requireComplete {
				return nil, nil, fmt.Errorf("partition %s: %w", key, errors.ErrPartitionMissing)
			}
			return nil, nil, nil
		}
		return nil, nil, err
	}

	// An open but empty partition is still a missing date: admitted
	// writes would show in the buffer or in a flushed segment.
	if requireComplete && len(p.Segments()) == 0 && p.Degraded() == nil {
		if buf := p.Buffer(); buf == nil || buf.Len() == 0 {
			return nil, nil, fmt.Errorf("partition %s: %w", key, errors.ErrPartitionMissing)
		}
	}

	var gaps []Gap

	// Buffer tail first, then segments: a flush landing in between shows
	// its records in both, and dedupe keeps one. The other order could
	// miss them entirely.
	var tail []record.Record
	if buf := p.Buffer(); buf != nil {
		tail = buf.Range(startNs, endNs)
	} else if degraded := p.Degraded(); degraded != nil {
		gaps = append(gaps, Gap{Date: key.Date, Reason: degraded.Error()})
	}

	var readers []*segment.Reader
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	for _, info := range p.Segments() {
		if info.Meta.Count > 0 && !info.Meta.Overlaps(startNs, endNs) {
			continue
		}
		r, err := segment.Open(info.Path)
		if err != nil {
			if errors.Is(err, errors.ErrCorruptSegment) || os.IsNotExist(err) {
				e.log.Warn("segment skipped", "segment", info.Path, "error", err)
				gaps = append(gaps, Gap{Date: key.Date, Segment: info.Path, Reason: err.Error()})
				continue
			}
			return nil, nil, err
		}
		readers = append(readers, r)
	}

	var merged []record.Record
	for _, r := range readers {
		records, err := r.ReadAll()
		if err != nil {
			if errors.Is(err, errors.ErrCorruptSegment) {
				e.log.Warn("segment skipped", "segment", r.Path(), "error", err)
				gaps = append(gaps, Gap{Date: key.Date, Segment: r.Path(), Reason: err.Error()})
				continue
			}
			return nil, nil, err
		}
		for i := range records {
			if ts := records[i].TsNs; ts >= startNs && ts < endNs {
				merged = append(merged, records[i])
			}
		}
	}
	merged = append(merged, tail...)

	// Segments come sorted and the tail is the freshest data; a stable
	// sort keeps later sources after earlier ones so dedupe keeps the
	// newest write for an ordering key.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Key().Less(merged[j].Key())
	})
	merged = dedupe(merged)

	return merged, gaps, nil
}

// openForRead returns the open partition for key, opening it when its
// data exists on disk. A date with no presence at all is ErrNotFound.
func (e *Engine) openForRead(key partition.Key) (*store.Partition, error) {
	if p, err := e.reg.Lookup(key); err == nil {
		return p, nil
	}

	loc := partition.Resolve(key)
	dir := filepath.Join(e.reg.Root(), loc.Dir)
	ok, err := datePresent(dir, loc.Base)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("partition %s: %w", key, errors.ErrNotFound)
	}
	return e.reg.GetOrCreate(key)
}

// datePresent reports whether the date left anything on disk: a flushed
// segment or a log segment carrying its base name. Sibling dates share
// the year directory, so the directory existing proves nothing.
func datePresent(dir, base string) (bool, error) {
	infos, err := segment.List(dir, base)
	if err != nil {
		return false, err
	}
	if len(infos) > 0 {
		return true, nil
	}
	logs, err := wal.ListSegments(dir, base)
	if err != nil {
		return false, err
	}
	return len(logs) > 0, nil
}

// dedupe removes adjacent records with equal ordering keys, keeping the
// last. Input must be sorted.
func dedupe(records []record.Record) []record.Record {
	if len(records) < 2 {
		return records
	}
	out := records[:0:0]
	for i := 0; i < len(records); i++ {
		if i+1 < len(records) && records[i].Key().Compare(records[i+1].Key()) == 0 {
			continue
		}
		out = append(out, records[i])
	}
	return out
}
