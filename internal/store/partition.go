// Package store keeps the set of open partitions: each one a write
// buffer, its append log, and the immutable segments already on disk.
// Partitions are opened lazily on first write or read and recovered from
// their log on open.
package store

import (
	"fmt"
	"sync"

	"github.com/zonequant/zq-data/internal/buffer"
	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/storage/segment"
	"github.com/zonequant/zq-data/internal/storage/wal"
)

// Partition is one open partition: the unit of writing, flushing and
// recovery.
type Partition struct {
	Key partition.Key
	Loc partition.Location
	Dir string // absolute segment/log directory

	mu       sync.RWMutex
	wal      *wal.Writer
	buf      *buffer.Buffer
	segments []segment.Info
	degraded error
	closed   bool
}

// Append admits one record through the partition's buffer. A degraded
// partition stays readable but rejects writes.
func (p *Partition) Append(r record.Record) (record.Record, error) {
	p.mu.RLock()
	degraded, closed, buf := p.degraded, p.closed, p.buf
	p.mu.RUnlock()

	if closed {
		return r, errors.ErrPartitionClosed
	}
	if degraded != nil {
		return r, fmt.Errorf("%v: %w", degraded, errors.ErrDegraded)
	}
	return buf.Append(r)
}

// Buffer returns the partition's write buffer, or nil when degraded.
func (p *Partition) Buffer() *buffer.Buffer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.buf
}

// Log returns the partition's append log writer, or nil when degraded.
func (p *Partition) Log() *wal.Writer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.wal
}

// Segments returns a snapshot of the partition's segment metadata,
// canonical file first.
func (p *Partition) Segments() []segment.Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]segment.Info, len(p.segments))
	copy(out, p.segments)
	return out
}

// AddSegment records a newly published flush segment.
func (p *Partition) AddSegment(info segment.Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.segments = append(p.segments, info)
}

// ReplaceSegments swaps the compacted-away inputs for the canonical
// segment in one step. Readers holding the previous snapshot keep their
// already-open files.
func (p *Partition) ReplaceSegments(removed []segment.Info, added segment.Info) {
	drop := make(map[string]struct{}, len(removed))
	for _, info := range removed {
		drop[info.Path] = struct{}{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.segments[:0:0]
	kept = append(kept, added)
	for _, info := range p.segments {
		if _, ok := drop[info.Path]; !ok {
			kept = append(kept, info)
		}
	}
	p.segments = kept
}

// Degraded returns the recovery error that put the partition in
// read-only mode, or nil.
func (p *Partition) Degraded() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.degraded
}

// Close seals the partition. Buffered records stay in the log for the
// next open unless the caller flushed first.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.buf != nil {
		p.buf.Close()
	}
	if p.wal != nil {
		return p.wal.Close()
	}
	return nil
}
