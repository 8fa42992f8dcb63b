// Package buffer implements a partition's in-memory write buffer with a
// durable append log behind it. All writes to a partition serialize
// through its buffer; a record is acknowledged only after it is durable
// in the log.
package buffer

import (
	"fmt"
	"sync"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/storage/wal"
)

// Options configures a write buffer.
type Options struct {
	// MaxRecords caps the number of buffered (unflushed) records.
	// Default: 262144
	MaxRecords int

	// MaxBytes caps the estimated memory held by buffered records.
	// Default: 64MB
	MaxBytes int64

	// CursorBuffer is the channel capacity handed to each Watch cursor.
	// Default: 1024
	CursorBuffer int
}

// DefaultOptions returns default buffer options.
func DefaultOptions() Options {
	return Options{
		MaxRecords:   262144,
		MaxBytes:     64 * 1024 * 1024,
		CursorBuffer: 1024,
	}
}

// Stats holds buffer statistics.
type Stats struct {
	Appends    int64
	Duplicates int64
	Stale      int64
	Rejected   int64
	Flushes    int64
}

// Buffer is the single write path of one partition.
//
// Admission is by ordering key against the partition's high-water mark:
// keys at or above the mark are accepted, keys below it are stale. The
// mark covers flushed data too, so a record can never land behind data
// already in a segment.
type Buffer struct {
	mu   sync.Mutex
	wal  *wal.Writer
	opts Options

	// records holds the unflushed tail in ordering-key order. Admission
	// only ever appends, so the slice stays sorted without sorting.
	records []record.Record
	bytes   int64

	// hwm is the highest accepted ordering key, including flushed data.
	hwm record.Key

	// last is the record at hwm. It survives flushes so a retransmission
	// arriving just after a flush is still recognized.
	last    record.Record
	hasLast bool

	// counter assigns sequence numbers to records the venue did not
	// sequence. It never runs behind hwm.Seq.
	counter uint64

	watchers map[*Cursor]struct{}
	closed   bool

	stats Stats
}

// New creates a buffer over the partition's log writer. committed is the
// highest ordering key already durable in segments; recovery passes it so
// admission and sequence assignment resume where the partition left off.
func New(w *wal.Writer, committed record.Key, opts Options) *Buffer {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultOptions().MaxRecords
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultOptions().MaxBytes
	}
	if opts.CursorBuffer <= 0 {
		opts.CursorBuffer = DefaultOptions().CursorBuffer
	}
	return &Buffer{
		wal:      w,
		opts:     opts,
		hwm:      committed,
		counter:  committed.Seq,
		watchers: make(map[*Cursor]struct{}),
	}
}

// Append admits one record. On success the returned record carries its
// assigned sequence number and is durable in the log. A retransmission
// (identical key and payload) acknowledges without appending.
func (b *Buffer) Append(r record.Record) (record.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return r, errors.ErrPartitionClosed
	}

	// Unsequenced records: suppress retransmissions by payload among the
	// buffered records sharing the timestamp, then assign a sequence from
	// the ingestion counter.
	if r.Seq == 0 {
		for i := len(b.records) - 1; i >= 0; i-- {
			prev := &b.records[i]
			if prev.TsNs != r.TsNs {
				break
			}
			if prev.EqualPayload(&r) {
				b.stats.Duplicates++
				return *prev, nil
			}
		}
		if b.hasLast && len(b.records) == 0 && b.last.TsNs == r.TsNs && b.last.EqualPayload(&r) {
			b.stats.Duplicates++
			return b.last, nil
		}
		b.counter++
		if b.counter <= b.hwm.Seq {
			b.counter = b.hwm.Seq + 1
		}
		r.Seq = b.counter
	}

	key := r.Key()
	if key.Less(b.hwm) {
		b.stats.Stale++
		return r, fmt.Errorf("key %+v behind high-water mark %+v: %w", key, b.hwm, errors.ErrStaleRecord)
	}

	// Sequenced retransmission: same key, same payload. The check also
	// covers the record just flushed out of the buffer.
	if b.hasLast && key.Compare(b.last.Key()) == 0 && b.last.EqualPayload(&r) {
		b.stats.Duplicates++
		return r, nil
	}

	if len(b.records) >= b.opts.MaxRecords || b.bytes >= b.opts.MaxBytes {
		b.stats.Rejected++
		return r, fmt.Errorf("%d records, %d bytes buffered: %w", len(b.records), b.bytes, errors.ErrBufferFull)
	}

	// Durable before acknowledged.
	if err := b.wal.Write([]record.Record{r}); err != nil {
		return r, fmt.Errorf("log append: %w", err)
	}

	b.records = append(b.records, r)
	b.bytes += estimateSize(&r)
	b.hwm = key
	b.last = r
	b.hasLast = true
	if r.Seq > b.counter {
		b.counter = r.Seq
	}
	b.stats.Appends++

	for c := range b.watchers {
		c.push(r)
	}

	return r, nil
}

// Replay re-admits recovered log records without writing them back to the
// log. Used once at partition open, before any live appends.
func (b *Buffer) Replay(records []record.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range records {
		r := records[i]
		key := r.Key()
		if key.Less(b.hwm) {
			continue
		}
		if n := len(b.records); n > 0 && key.Compare(b.records[n-1].Key()) == 0 {
			// Replayed retransmission.
			continue
		}
		b.records = append(b.records, r)
		b.bytes += estimateSize(&r)
		b.hwm = key
		b.last = r
		b.hasLast = true
		if r.Seq > b.counter {
			b.counter = r.Seq
		}
	}
}

// SnapshotForFlush returns a copy of the buffered records and rotates the
// log so the snapshot's log segments are sealed. The returned walSeq is
// the first log sequence NOT covered by the snapshot: once the flushed
// segment is visible the caller deletes log segments below it and commits
// the snapshot length.
func (b *Buffer) SnapshotForFlush() (records []record.Record, walSeq int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, 0, errors.ErrPartitionClosed
	}

	seq, err := b.wal.Rotate()
	if err != nil {
		return nil, 0, fmt.Errorf("rotate log: %w", err)
	}

	out := make([]record.Record, len(b.records))
	copy(out, b.records)
	return out, seq + 1, nil
}

// Commit drops the first n buffered records after their flush segment is
// visible. Appends that arrived during the flush stay buffered.
func (b *Buffer) Commit(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > len(b.records) {
		n = len(b.records)
	}
	for i := 0; i < n; i++ {
		b.bytes -= estimateSize(&b.records[i])
	}
	b.records = append(b.records[:0:0], b.records[n:]...)
	b.stats.Flushes++
}

// Range returns a copy of the buffered records with timestamps in the
// half-open interval [startNs, endNs).
func (b *Buffer) Range(startNs, endNs int64) []record.Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []record.Record
	for i := range b.records {
		if ts := b.records[i].TsNs; ts >= startNs && ts < endNs {
			out = append(out, b.records[i])
		}
	}
	return out
}

// Len returns the number of buffered records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Bytes returns the estimated buffered size.
func (b *Buffer) Bytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// HWM returns the partition's high-water mark.
func (b *Buffer) HWM() record.Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hwm
}

// Stats returns buffer statistics.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close rejects further appends and closes all cursors. The log writer is
// owned by the caller and closed separately.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for c := range b.watchers {
		c.close(errors.ErrPartitionClosed)
	}
	b.watchers = nil
}

func estimateSize(r *record.Record) int64 {
	return int64(96 + len(r.Symbol) + len(r.Freq))
}
