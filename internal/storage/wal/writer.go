// Package wal implements the durable append log backing a partition's
// write buffer. Records are framed with CRC checksums inside numbered
// segment files; a segment is rotated when the buffer snapshots for a
// flush, so that segments older than the last committed flush can be
// deleted wholesale.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zonequant/zq-data/internal/record"
)

const (
	walMagic         = 0x5A5157414C000001 // "ZQWAL" + version tag
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
)

// Writer appends market records to a partition's log segments.
// A partition has exactly one Writer; callers serialize through it.
type Writer struct {
	mu sync.Mutex

	dir  string
	base string

	currentSegment *os.File
	currentPath    string
	currentSize    int64
	segmentSeq     int64

	writer *bufio.Writer

	opts Options

	stats WriterStats
}

// Options configures the log writer.
type Options struct {
	// MaxSegmentSize is the maximum size of a segment file before rotation.
	// Default: 64MB
	MaxSegmentSize int64

	// SyncMode controls how writes reach disk.
	// "fsync" - fsync after each write batch (write-then-ack durability)
	// "sync" - flush the user-space buffer after each write batch
	// "async" - buffered, flushed on interval by the caller
	SyncMode string

	// SyncInterval is the flush interval for async sync mode.
	// Default: 1s
	SyncInterval time.Duration

	// BufferSize is the size of the write buffer.
	// Default: 64KB
	BufferSize int
}

// DefaultOptions returns default log writer options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024, // 64MB
		SyncMode:       "fsync",
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024, // 64KB
	}
}

// WriterStats holds log writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

// NewWriter creates a log writer for the partition at dir with the given
// base file name. Existing segments are left in place; the first Write
// opens a fresh segment above the highest existing sequence number, so a
// partition opened only for reading leaves no new files behind.
func NewWriter(dir, base string, opts Options) (*Writer, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultOptions().MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = "fsync"
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		base: base,
		opts: opts,
	}

	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.segmentSeq = segments[len(segments)-1].seq + 1
	}

	return w, nil
}

// Write appends a batch of records as one framed log record. With SyncMode
// "fsync" the data is durable when Write returns; the caller acks only
// after that.
func (w *Writer) Write(records []record.Record) error {
	if len(records) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	payload := encodeRecords(records)

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSegment != nil && w.currentSize+recordSize > w.opts.MaxSegmentSize {
		w.closeSegmentUnlocked()
	}
	if w.currentSegment == nil {
		if err := w.openSegmentUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("open segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten += int64(len(records))
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode == "sync" || w.opts.SyncMode == "fsync" {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (w *Writer) writeRecord(payload []byte) error {
	crc := crc32.ChecksumIEEE(payload)

	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc)

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data to disk.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == "fsync" {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate seals the current segment. The buffer calls this when it
// snapshots for a flush: everything in the snapshot lives in segments at
// or below the returned sequence, so after the flushed segment is visible
// those log segments can be deleted with DeleteSegmentsBefore. The next
// Write opens a fresh segment.
func (w *Writer) Rotate() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeSegmentUnlocked()
	return w.segmentSeq - 1, nil
}

func (w *Writer) closeSegmentUnlocked() {
	if w.currentSegment == nil {
		return
	}
	if w.writer != nil {
		w.writer.Flush()
	}
	w.currentSegment.Sync()
	w.currentSegment.Close()
	w.currentSegment = nil
	w.currentPath = ""
	w.currentSize = 0
	w.writer = nil
}

func (w *Writer) openSegmentUnlocked() error {
	segmentPath := filepath.Join(w.dir, w.segmentName(w.segmentSeq))

	f, err := os.OpenFile(segmentPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", segmentPath, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(segmentPath)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = segmentPath
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.segmentSeq++
	w.stats.SegmentsCreated++

	return nil
}

// Close flushes and closes the writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		w.writer.Flush()
	}
	if w.currentSegment != nil {
		w.currentSegment.Sync()
		return w.currentSegment.Close()
	}
	return nil
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the active segment path, or "" when no segment
// is open.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

func (w *Writer) segmentName(seq int64) string {
	return fmt.Sprintf("%s.%08d.wal", w.base, seq)
}

type segmentInfo struct {
	path string
	seq  int64
	size int64
}

func (w *Writer) listSegments() ([]segmentInfo, error) {
	return listSegments(w.dir, w.base)
}

func listSegments(dir, base string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	prefix := base + "."
	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".wal") {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name[len(prefix):], "%08d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})

	return segments, nil
}

// ListSegments returns the partition's log segment paths in sequence order.
func ListSegments(dir, base string) ([]string, error) {
	segments, err := listSegments(dir, base)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}

// DeleteSegmentsBefore deletes all segments with sequence below seq.
// The active segment is never deleted.
func (w *Writer) DeleteSegmentsBefore(seq int64) (int, error) {
	w.mu.Lock()
	current := w.currentPath
	w.mu.Unlock()

	segments, err := listSegments(w.dir, w.base)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, s := range segments {
		if s.seq >= seq {
			break
		}
		if s.path == current {
			continue
		}
		if err := os.Remove(s.path); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}
