package query

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/flush"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/store"
)

var day = time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)

func tickAt(ts time.Time, seq uint64, price string) record.Record {
	return record.Record{
		Kind:   record.KindTick,
		Symbol: "IF2403",
		TsNs:   ts.UnixNano(),
		Seq:    seq,
		Price:  decimal.RequireFromString(price),
		Size:   decimal.RequireFromString("1"),
	}
}

func tickReq(start, end time.Time) Request {
	return Request{
		Broker: "ctp", Market: "cffex", DataType: partition.DataTypeTick,
		Symbol: "IF2403", Start: start, End: end,
	}
}

func setup(t *testing.T) (*store.Registry, *flush.Engine, *Engine) {
	t.Helper()
	reg := store.NewRegistry(store.Options{Root: t.TempDir()})
	t.Cleanup(func() { reg.Close() })
	return reg, flush.NewEngine(flush.Options{}), NewEngine(reg, Options{})
}

func appendTicks(t *testing.T, reg *store.Registry, records ...record.Record) *store.Partition {
	t.Helper()
	var p *store.Partition
	for _, r := range records {
		key := reg.KeyFor("ctp", "cffex", partition.DataTypeTick, r.Symbol, "", r.Time())
		part, err := reg.GetOrCreate(key)
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if _, err := part.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
		p = part
	}
	return p
}

func TestQueryAcrossBufferBoundary(t *testing.T) {
	reg, fl, q := setup(t)

	t1 := day.Add(9*time.Hour + 30*time.Minute)
	t2 := t1.Add(time.Second)
	t3 := t2.Add(time.Second)

	// T1 and T2 land in a flushed segment, T3 stays buffered.
	p := appendTicks(t, reg,
		tickAt(t1, 1, "3852.0"),
		tickAt(t2, 2, "3852.2"),
	)
	if _, err := fl.Flush(p); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	appendTicks(t, reg, tickAt(t3, 3, "3852.4"))

	res, err := q.Query(context.Background(), tickReq(t1, t3.Add(time.Nanosecond)))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if res.Partial {
		t.Fatalf("unexpected partial result: %+v", res.Gaps)
	}
	if len(res.Records) != 3 {
		t.Fatalf("got %d records, want 3", len(res.Records))
	}
	for i, want := range []uint64{1, 2, 3} {
		if res.Records[i].Seq != want {
			t.Errorf("record %d seq = %d, want %d", i, res.Records[i].Seq, want)
		}
	}

	// Half-open: the end bound excludes T3.
	res, err = q.Query(context.Background(), tickReq(t1, t3))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("half-open query got %d records, want 2", len(res.Records))
	}
	// And the start bound includes T1.
	if res.Records[0].Seq != 1 {
		t.Errorf("first record seq = %d", res.Records[0].Seq)
	}
}

func TestQueryMultiDay(t *testing.T) {
	reg, fl, q := setup(t)

	d1 := day.Add(10 * time.Hour)
	d2 := day.AddDate(0, 0, 1).Add(10 * time.Hour)

	p1 := appendTicks(t, reg, tickAt(d1, 1, "1"))
	if _, err := fl.Flush(p1); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if _, err := fl.Compact(p1); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	appendTicks(t, reg, tickAt(d2, 1, "2"))

	res, err := q.Query(context.Background(), tickReq(day, day.AddDate(0, 0, 2)))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(res.Records))
	}
	if !res.Records[0].Time().Before(res.Records[1].Time()) {
		t.Error("records out of order across dates")
	}
}

func TestQueryReadsColdPartition(t *testing.T) {
	root := t.TempDir()

	// Write through one registry, then read through a fresh one that has
	// no partitions open.
	reg := store.NewRegistry(store.Options{Root: root})
	fl := flush.NewEngine(flush.Options{})
	key := partition.Key{Broker: "ctp", Market: "cffex", DataType: partition.DataTypeTick,
		Symbol: "IF2403", Date: 20240305}
	p, err := reg.GetOrCreate(key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	ts := day.Add(10 * time.Hour)
	if _, err := p.Append(tickAt(ts, 1, "3852.0")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := fl.Flush(p); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// This one stays only in the log.
	if _, err := p.Append(tickAt(ts.Add(time.Second), 2, "3852.2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reg2 := store.NewRegistry(store.Options{Root: root})
	defer reg2.Close()
	q := NewEngine(reg2, Options{})

	res, err := q.Query(context.Background(), tickReq(day, day.AddDate(0, 0, 1)))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 2 {
		t.Fatalf("got %d records, want 2 (segment + recovered log)", len(res.Records))
	}
}

func TestQueryCorruptSegmentPartial(t *testing.T) {
	reg, fl, q := setup(t)

	ts := day.Add(10 * time.Hour)
	p := appendTicks(t, reg, tickAt(ts, 1, "3852.0"))
	if _, err := fl.Flush(p); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	appendTicks(t, reg, tickAt(ts.Add(time.Second), 2, "3852.2"))
	if _, err := fl.Flush(p); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Smash the first part segment.
	target := filepath.Join(p.Dir, p.Loc.PartSegment(0))
	if err := os.WriteFile(target, []byte("ruined"), 0644); err != nil {
		t.Fatal(err)
	}

	res, err := q.Query(context.Background(), tickReq(day, day.AddDate(0, 0, 1)))
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if !res.Partial {
		t.Fatal("result not marked partial")
	}
	if len(res.Gaps) != 1 || res.Gaps[0].Segment != target {
		t.Fatalf("gaps = %+v", res.Gaps)
	}
	if len(res.Records) != 1 || res.Records[0].Seq != 2 {
		t.Fatalf("surviving records = %+v", res.Records)
	}
}

func TestQueryMissingPartition(t *testing.T) {
	_, _, q := setup(t)

	req := tickReq(day, day.AddDate(0, 0, 1))
	res, err := q.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 0 || res.Partial {
		t.Fatalf("absent partition result = %+v", res)
	}

	req.RequireComplete = true
	if _, err := q.Query(context.Background(), req); !errors.Is(err, errors.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}
}

func TestQueryMissingDateWithSiblingData(t *testing.T) {
	reg, fl, q := setup(t)

	// 2024-03-05 has data, so the symbol's year directory exists. The
	// 2024-03-06 date still has none and must fail a complete read.
	p := appendTicks(t, reg, tickAt(day.Add(10*time.Hour), 1, "3852.0"))
	if _, err := fl.Flush(p); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	next := day.AddDate(0, 0, 1)
	req := tickReq(next, next.AddDate(0, 0, 1))
	req.RequireComplete = true
	if _, err := q.Query(context.Background(), req); !errors.Is(err, errors.ErrPartitionMissing) {
		t.Fatalf("err = %v, want ErrPartitionMissing", err)
	}

	// Without the completeness requirement the date reads as empty.
	req.RequireComplete = false
	res, err := q.Query(context.Background(), req)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 0 || res.Partial {
		t.Fatalf("absent date result = %+v", res)
	}

	// Reading an absent date must not create files for it.
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	nextLoc := partition.Resolve(partition.Key{Broker: "ctp", Market: "cffex",
		DataType: partition.DataTypeTick, Symbol: "IF2403", Date: 20240306})
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), nextLoc.Base) {
			t.Errorf("absent date grew file %s", e.Name())
		}
	}
}

func TestQueryKlineRetransmission(t *testing.T) {
	reg, fl, q := setup(t)

	open := day.Add(9*time.Hour + 30*time.Minute)
	bar := record.Record{
		Kind:   record.KindKline,
		Symbol: "IF2403",
		TsNs:   open.UnixNano(),
		Freq:   record.Freq1m,
		Open:   decimal.RequireFromString("3852.0"),
		High:   decimal.RequireFromString("3853.0"),
		Low:    decimal.RequireFromString("3851.8"),
		Close:  decimal.RequireFromString("3852.6"),
		Volume: decimal.RequireFromString("120"),
	}

	key := reg.KeyFor("ctp", "cffex", partition.DataTypeKline, "IF2403", record.Freq1m, open)
	p, err := reg.GetOrCreate(key)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if _, err := p.Append(bar); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// The venue resends the 09:30 bar unchanged: acknowledged, no
	// duplicate stored.
	if _, err := p.Append(bar); err != nil {
		t.Fatalf("retransmission: %v", err)
	}
	if _, err := fl.Flush(p); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// And once more after the flush.
	if _, err := p.Append(bar); err != nil {
		t.Fatalf("retransmission after flush: %v", err)
	}

	res, err := q.Query(context.Background(), Request{
		Broker: "ctp", Market: "cffex", DataType: partition.DataTypeKline,
		Symbol: "IF2403", Freq: record.Freq1m,
		Start: day, End: day.AddDate(0, 0, 1),
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("got %d bars, want 1", len(res.Records))
	}
	if !res.Records[0].EqualPayload(&bar) {
		t.Errorf("bar = %+v", res.Records[0])
	}
}

func TestQueryValidation(t *testing.T) {
	_, _, q := setup(t)
	ctx := context.Background()

	// Inverted interval.
	req := tickReq(day.Add(time.Hour), day)
	if _, err := q.Query(ctx, req); !errors.Is(err, errors.ErrInvalidInterval) {
		t.Errorf("err = %v, want ErrInvalidInterval", err)
	}

	// Kline without a frequency.
	req = tickReq(day, day.Add(time.Hour))
	req.DataType = partition.DataTypeKline
	if _, err := q.Query(ctx, req); !errors.Is(err, errors.ErrInvalidFreq) {
		t.Errorf("err = %v, want ErrInvalidFreq", err)
	}

	// Tick with a frequency.
	req = tickReq(day, day.Add(time.Hour))
	req.Freq = record.Freq1m
	if _, err := q.Query(ctx, req); !errors.IsValidation(err) {
		t.Errorf("err = %v, want validation error", err)
	}
}
