package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

func tick(ts int64, seq uint64, price, size string) record.Record {
	return record.Record{
		Kind:   record.KindTick,
		Symbol: "IF2403",
		TsNs:   ts,
		Seq:    seq,
		Price:  decimal.RequireFromString(price),
		Size:   decimal.RequireFromString(size),
		Side:   record.SideBuy,
	}
}

func TestEncodeDecode(t *testing.T) {
	records := []record.Record{
		tick(1709600000000000000, 100, "3852.4", "3"),
		{
			Kind:   record.KindKline,
			Symbol: "BTCUSDT",
			TsNs:   1709600060000000000,
			Seq:    101,
			Freq:   record.Freq1m,
			Open:   decimal.RequireFromString("62000.01"),
			High:   decimal.RequireFromString("62150.5"),
			Low:    decimal.RequireFromString("61990"),
			Close:  decimal.RequireFromString("62100.123"),
			Volume: decimal.RequireFromString("15.40330000"),
		},
	}

	data := encodeRecords(records)
	decoded, err := decodeRecords(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(records) {
		t.Fatalf("expected %d records, got %d", len(records), len(decoded))
	}

	for i := range records {
		if !decoded[i].EqualPayload(&records[i]) {
			t.Errorf("record %d: payload mismatch: %+v vs %+v", i, decoded[i], records[i])
		}
		if decoded[i].Seq != records[i].Seq {
			t.Errorf("record %d: seq mismatch", i)
		}
	}

	// Exact decimal strings survive the round trip.
	if got := decoded[1].Volume.String(); got != "15.4033" {
		t.Errorf("volume = %q", got)
	}
}

func TestWriteRead(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "IF2403_tick_20240305", DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	batch1 := []record.Record{tick(1000, 1, "3852.4", "3"), tick(2000, 2, "3852.6", "1")}
	batch2 := []record.Record{tick(3000, 3, "3852.8", "2")}
	if err := w.Write(batch1); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(batch2); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	records, err := ReadSegment(w.CurrentSegment())
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, want := range []uint64{1, 2, 3} {
		if records[i].Seq != want {
			t.Errorf("record %d: seq = %d, want %d", i, records[i].Seq, want)
		}
	}
}

func TestRotateAndDelete(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "BTCUSDT_1m_20240305", DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	if err := w.Write([]record.Record{tick(1000, 1, "1", "1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	closedSeq, err := w.Rotate()
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if err := w.Write([]record.Record{tick(2000, 2, "2", "1")}); err != nil {
		t.Fatalf("Write after rotate: %v", err)
	}

	paths, err := ListSegments(dir, "BTCUSDT_1m_20240305")
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(paths))
	}

	deleted, err := w.DeleteSegmentsBefore(closedSeq + 1)
	if err != nil {
		t.Fatalf("DeleteSegmentsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	paths, _ = ListSegments(dir, "BTCUSDT_1m_20240305")
	if len(paths) != 1 {
		t.Fatalf("expected 1 segment after delete, got %d", len(paths))
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync after delete: %v", err)
	}
	records, err := ReadSegment(paths[0])
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(records) != 1 || records[0].Seq != 2 {
		t.Fatalf("surviving segment holds %v", records)
	}
}

func TestTornTailTruncated(t *testing.T) {
	dir := t.TempDir()
	base := "IF2403_tick_20240305"

	w, err := NewWriter(dir, base, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write([]record.Record{tick(1000, 1, "3852.4", "3")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write([]record.Record{tick(2000, 2, "3852.6", "1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path := w.CurrentSegment()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Chop bytes off the second record to simulate a crash mid-write.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-5); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	records, err := r.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 1 || records[0].Seq != 1 {
		t.Fatalf("expected only the first record, got %v", records)
	}
	if !r.Stats().TornTail {
		t.Error("torn tail not flagged")
	}
}

func TestCorruptRecordFailsRecovery(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, "IF2403_tick_20240305", DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Write([]record.Record{tick(1000, 1, "3852.4", "3")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write([]record.Record{tick(2000, 2, "3852.6", "1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	path := w.CurrentSegment()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a payload byte inside the first record. The record is complete,
	// so this is corruption of acknowledged data, not a torn tail.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[headerSize+recordHeaderSize+3] ^= 0xFF
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if _, err := r.ReadAll(); !errors.Is(err, errors.ErrCrashRecovery) {
		t.Fatalf("ReadAll err = %v, want ErrCrashRecovery", err)
	}
}

func TestBadHeaderFailsRecovery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IF2403_tick_20240305.00000000.wal")
	if err := os.WriteFile(path, []byte("not a log segment"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewReader(path); !errors.Is(err, errors.ErrCrashRecovery) {
		t.Fatalf("NewReader err = %v, want ErrCrashRecovery", err)
	}
}

func TestReplayAfter(t *testing.T) {
	dir := t.TempDir()
	base := "IF2403_tick_20240305"

	w, err := NewWriter(dir, base, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	batch := []record.Record{
		tick(1000, 1, "1", "1"),
		tick(2000, 2, "2", "1"),
		tick(3000, 3, "3", "1"),
	}
	if err := w.Write(batch); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Records at or below the committed mark are already in flushed
	// segments and must not replay.
	records, err := ReplayAfter(dir, base, record.Key{TsNs: 2000, Seq: 2})
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}
	if len(records) != 1 || records[0].Seq != 3 {
		t.Fatalf("ReplayAfter = %v, want the seq-3 record only", records)
	}
}

func TestNewWriterCreatesNoSegment(t *testing.T) {
	dir := t.TempDir()
	base := "BTCUSDT_tick_20240305"

	w, err := NewWriter(dir, base, DefaultOptions())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	// Opening a partition only to read it must not leave files behind;
	// the first Write opens the segment.
	paths, err := ListSegments(dir, base)
	if err != nil {
		t.Fatalf("ListSegments: %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("segments = %v, want none before the first write", paths)
	}
	if got := w.CurrentSegment(); got != "" {
		t.Errorf("CurrentSegment = %q, want empty", got)
	}

	if err := w.Write([]record.Record{tick(1000, 1, "1", "1")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	paths, _ = ListSegments(dir, base)
	if len(paths) != 1 {
		t.Fatalf("segments = %v, want 1 after the first write", paths)
	}
}
