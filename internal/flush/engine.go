// Package flush turns buffered partition tails into immutable segments
// and compacts a day's part segments into its canonical file.
package flush

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/storage/segment"
	"github.com/zonequant/zq-data/internal/store"
)

// Options configures the flush engine.
type Options struct {
	// Segment configures written segment files.
	Segment segment.Options
}

// Stats holds flush engine statistics.
type Stats struct {
	Flushes          int64
	FlushedRecords   int64
	EmptyFlushes     int64
	Compactions      int64
	CompactedRecords int64
	Errors           int64
}

// Engine writes flush segments and compacts day files. Flushes for
// different partitions may run concurrently; the engine serializes work
// per partition.
type Engine struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	inwork  map[string]*sync.Mutex
	statsMu sync.Mutex
	stats   Stats
}

// NewEngine creates a flush engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		opts:   opts,
		log:    logging.Component("flush"),
		inwork: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) partitionLock(key string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.inwork[key]
	if !ok {
		mu = &sync.Mutex{}
		e.inwork[key] = mu
	}
	return mu
}

// Flush snapshots the partition's buffer and publishes it as the next
// part segment. Appends proceed during the write; only the in-memory
// snapshot itself holds the buffer lock. Log segments covered by the
// flush are deleted once the segment is visible. A second flush with no
// new appends is a no-op.
func (e *Engine) Flush(p *store.Partition) (segment.Info, error) {
	mu := e.partitionLock(p.Key.String())
	mu.Lock()
	defer mu.Unlock()

	buf := p.Buffer()
	if buf == nil {
		return segment.Info{}, fmt.Errorf("partition %s: %w", p.Key, errors.ErrDegraded)
	}

	snap, walSeq, err := buf.SnapshotForFlush()
	if err != nil {
		e.countError()
		return segment.Info{}, fmt.Errorf("snapshot %s: %w", p.Key, err)
	}
	if len(snap) == 0 {
		e.statsMu.Lock()
		e.stats.EmptyFlushes++
		e.statsMu.Unlock()
		return segment.Info{}, nil
	}

	records := dedupe(snap)

	part, err := segment.NextPart(p.Dir, p.Loc.Base)
	if err != nil {
		e.countError()
		return segment.Info{}, fmt.Errorf("next part for %s: %w", p.Key, err)
	}
	path := filepath.Join(p.Dir, p.Loc.PartSegment(part))

	meta, err := segment.Write(path, kindOf(p), records, e.opts.Segment)
	if err != nil {
		// Records stay buffered and logged; the next flush retries.
		e.countError()
		return segment.Info{}, fmt.Errorf("write segment %s: %w", path, err)
	}

	fi, _ := os.Stat(path)
	info := segment.Info{Path: path, Part: part, Meta: meta}
	if fi != nil {
		info.Size = fi.Size()
	}
	p.AddSegment(info)

	// The segment is visible: drop the flushed prefix and its log tail.
	buf.Commit(len(snap))
	if w := p.Log(); w != nil {
		if _, err := w.DeleteSegmentsBefore(walSeq); err != nil {
			e.log.Warn("log truncation failed", "partition", p.Key.String(), "error", err)
		}
	}

	e.statsMu.Lock()
	e.stats.Flushes++
	e.stats.FlushedRecords += int64(len(records))
	e.statsMu.Unlock()

	e.log.Debug("partition flushed",
		"partition", p.Key.String(),
		"segment", filepath.Base(path),
		"records", len(records))

	return info, nil
}

// Compact merges the partition's part segments (and any previous
// canonical file) into one canonical day file, then deletes the inputs.
// Readers that opened the inputs before the swap keep reading them.
func (e *Engine) Compact(p *store.Partition) (segment.Info, error) {
	mu := e.partitionLock(p.Key.String())
	mu.Lock()
	defer mu.Unlock()

	inputs := p.Segments()
	if len(inputs) == 0 {
		return segment.Info{}, nil
	}
	if len(inputs) == 1 && inputs[0].Canonical() {
		// Already compacted.
		return inputs[0], nil
	}

	var merged []record.Record
	for _, input := range inputs {
		r, err := segment.Open(input.Path)
		if err != nil {
			e.countError()
			return segment.Info{}, fmt.Errorf("compact %s: %w", p.Key, err)
		}
		records, err := r.ReadAll()
		r.Close()
		if err != nil {
			e.countError()
			return segment.Info{}, fmt.Errorf("compact %s: %w", p.Key, err)
		}
		merged = append(merged, records...)
	}

	// Inputs are each sorted; a stable sort across them keeps later
	// segments after earlier ones, so dedupe keeps the newest write.
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Key().Less(merged[j].Key())
	})
	merged = dedupe(merged)

	path := filepath.Join(p.Dir, p.Loc.CanonicalSegment())
	meta, err := segment.Write(path, kindOf(p), merged, e.opts.Segment)
	if err != nil {
		e.countError()
		return segment.Info{}, fmt.Errorf("write canonical %s: %w", path, err)
	}

	fi, _ := os.Stat(path)
	canonical := segment.Info{Path: path, Part: -1, Meta: meta}
	if fi != nil {
		canonical.Size = fi.Size()
	}
	p.ReplaceSegments(inputs, canonical)

	for _, input := range inputs {
		if input.Path == path {
			continue
		}
		if err := os.Remove(input.Path); err != nil {
			e.log.Warn("compaction input not removed", "path", input.Path, "error", err)
		}
	}

	e.statsMu.Lock()
	e.stats.Compactions++
	e.stats.CompactedRecords += int64(len(merged))
	e.statsMu.Unlock()

	e.log.Info("partition compacted",
		"partition", p.Key.String(),
		"inputs", len(inputs),
		"records", len(merged))

	return canonical, nil
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) countError() {
	e.statsMu.Lock()
	e.stats.Errors++
	e.statsMu.Unlock()
}

func kindOf(p *store.Partition) record.Kind {
	if p.Key.DataType == partition.DataTypeKline {
		return record.KindKline
	}
	return record.KindTick
}

// dedupe removes adjacent records with equal ordering keys, keeping the
// last. Input must be sorted by key.
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
