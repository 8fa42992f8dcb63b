package segment

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

func tick(ts int64, seq uint64, price string) record.Record {
	return record.Record{
		Kind:   record.KindTick,
		Symbol: "IF2403",
		TsNs:   ts,
		Seq:    seq,
		Price:  decimal.RequireFromString(price),
		Size:   decimal.RequireFromString("1"),
		Side:   record.SideSell,
	}
}

func TestWriteReadTicks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IF2403_tick_20240305_p000000.parquet")

	records := []record.Record{
		tick(1000, 1, "3852.4"),
		tick(2000, 2, "3852.6"),
		tick(3000, 3, "3852.8"),
	}

	meta, err := Write(path, record.KindTick, records, DefaultOptions())
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if meta.Count != 3 {
		t.Errorf("Count = %d", meta.Count)
	}
	if meta.MinKey != (record.Key{TsNs: 1000, Seq: 1}) {
		t.Errorf("MinKey = %v", meta.MinKey)
	}
	if meta.MaxKey != (record.Key{TsNs: 3000, Seq: 3}) {
		t.Errorf("MaxKey = %v", meta.MaxKey)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if r.Meta() != meta {
		t.Errorf("footer meta %v, write meta %v", r.Meta(), meta)
	}

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(got))
	}
	for i := range records {
		if !got[i].EqualPayload(&records[i]) || got[i].Seq != records[i].Seq {
			t.Errorf("record %d: %+v vs %+v", i, got[i], records[i])
		}
	}
}

func TestWriteReadKlines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTCUSDT_1m_20240305.parquet")

	records := []record.Record{{
		Kind:   record.KindKline,
		Symbol: "BTCUSDT",
		TsNs:   1709600000000000000,
		Seq:    1,
		Freq:   record.Freq1m,
		Open:   decimal.RequireFromString("62000.01"),
		High:   decimal.RequireFromString("62150.5"),
		Low:    decimal.RequireFromString("61990"),
		Close:  decimal.RequireFromString("62100.123"),
		Volume: decimal.RequireFromString("15.4033"),
	}}

	if _, err := Write(path, record.KindKline, records, DefaultOptions()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	got, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 1 || !got[0].EqualPayload(&records[0]) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got[0].Close.String() != "62100.123" {
		t.Errorf("close = %q", got[0].Close)
	}
}

func TestWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IF2403_tick_20240305_p000000.parquet")

	if _, err := Write(path, record.KindTick, []record.Record{tick(1, 1, "1")}, DefaultOptions()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestListAndNextPart(t *testing.T) {
	dir := t.TempDir()
	base := "IF2403_tick_20240305"
	opts := DefaultOptions()

	write := func(name string, records ...record.Record) {
		t.Helper()
		if _, err := Write(filepath.Join(dir, name), record.KindTick, records, opts); err != nil {
			t.Fatalf("Write %s: %v", name, err)
		}
	}

	write(base+"_p000000.parquet", tick(1000, 1, "1"))
	write(base+"_p000002.parquet", tick(3000, 3, "3"))
	write(base+".parquet", tick(500, 1, "1"), tick(2000, 2, "2"))
	// Unrelated files are ignored.
	os.WriteFile(filepath.Join(dir, "IF2406_tick_20240305.parquet"), []byte("x"), 0644)
	os.WriteFile(filepath.Join(dir, base+".00000000.wal"), []byte("x"), 0644)

	infos, err := List(dir, base)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(infos), infos)
	}
	if !infos[0].Canonical() || infos[1].Part != 0 || infos[2].Part != 2 {
		t.Errorf("order: %+v", infos)
	}

	next, err := NextPart(dir, base)
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	if next != 3 {
		t.Errorf("NextPart = %d, want 3", next)
	}

	if hwm := CommittedHWM(infos); hwm != (record.Key{TsNs: 3000, Seq: 3}) {
		t.Errorf("CommittedHWM = %v", hwm)
	}
}

func TestOpenCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IF2403_tick_20240305.parquet")
	if err := os.WriteFile(path, []byte("definitely not parquet"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path); !errors.Is(err, errors.ErrCorruptSegment) {
		t.Fatalf("Open err = %v, want ErrCorruptSegment", err)
	}
	if _, err := ReadMeta(path); !errors.Is(err, errors.ErrCorruptSegment) {
		t.Fatalf("ReadMeta err = %v, want ErrCorruptSegment", err)
	}
}

func TestMetaOverlaps(t *testing.T) {
	m := Meta{Count: 10, MinKey: record.Key{TsNs: 1000}, MaxKey: record.Key{TsNs: 2000}}

	tests := []struct {
		start, end int64
		want       bool
	}{
		{0, 500, false},
		{0, 1000, false}, // end is exclusive
		{0, 1001, true},
		{1500, 1600, true},
		{2000, 3000, true}, // max key is inside [start, end)
		{2001, 3000, false},
	}
	for _, tt := range tests {
		if got := m.Overlaps(tt.start, tt.end); got != tt.want {
			t.Errorf("Overlaps(%d, %d) = %v, want %v", tt.start, tt.end, got, tt.want)
		}
	}

	empty := Meta{}
	if empty.Overlaps(0, 1<<62) {
		t.Error("empty segment overlaps")
	}
}
