package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/zonequant/zq-data/internal/buffer"
	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/storage/segment"
	"github.com/zonequant/zq-data/internal/storage/wal"
)

// Options configures the partition registry.
type Options struct {
	// Root is the data directory all partitions live under.
	Root string

	// Calendars maps venues to trading-day calendars. Nil means UTC
	// everywhere.
	Calendars *partition.CalendarSet

	// WAL configures each partition's append log.
	WAL wal.Options

	// Buffer configures each partition's write buffer.
	Buffer buffer.Options

	// OnOpen, when set, runs after a partition opens (including degraded
	// ones). The coordinator uses it to attach fan-out pumps.
	OnOpen func(*Partition)
}

// Registry opens and tracks partitions under one data root.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	parts map[partition.Key]*Partition
}

// NewRegistry creates a registry over the data root.
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts,
		log:   logging.Component("store"),
		parts: make(map[partition.Key]*Partition),
	}
}

// Calendar returns the trading-day calendar for a venue.
func (s *Registry) Calendar(venue string) partition.Calendar {
	return s.opts.Calendars.For(venue)
}

// KeyFor addresses the partition a record at ts belongs to.
func (s *Registry) KeyFor(broker, market string, dt partition.DataType, symbol string, freq record.Freq, ts time.Time) partition.Key {
	return partition.Key{
		Broker:   broker,
		Market:   market,
		DataType: dt,
		Symbol:   symbol,
		Freq:     freq,
		Date:     s.Calendar(broker).TradingDate(ts),
	}
}

// GetOrCreate returns the open partition for key, opening (and
// recovering) it if needed.
func (s *Registry) GetOrCreate(key partition.Key) (*Partition, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.parts[key]; ok {
		return p, nil
	}

	p, err := s.open(key)
	if err != nil {
		return nil, err
	}
	s.parts[key] = p

	if s.opts.OnOpen != nil {
		s.opts.OnOpen(p)
	}
	return p, nil
}

// Lookup returns an already-open partition, or ErrNotFound.
func (s *Registry) Lookup(key partition.Key) (*Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[key]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("partition %s not open: %w", key, errors.ErrNotFound)
}

// open recovers a partition from disk. Committed data is whatever the
// segments hold; log records above the segment high-water mark replay
// into the fresh buffer. An unreadable log leaves the partition degraded:
// readable, rejecting writes.
func (s *Registry) open(key partition.Key) (*Partition, error) {
	loc := partition.Resolve(key)
	dir := filepath.Join(s.opts.Root, loc.Dir)

	infos, err := segment.List(dir, loc.Base)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", key, err)
	}
	committed := segment.CommittedHWM(infos)

	p := &Partition{
		Key:      key,
		Loc:      loc,
		Dir:      dir,
		segments: infos,
	}

	// Replay before creating the writer so a degraded partition does not
	// grow a fresh log segment it will never use.
	replayed, replayErr := wal.ReplayAfter(dir, loc.Base, committed)
	if replayErr != nil {
		s.log.Error("partition degraded after failed recovery",
			"partition", key.String(), "error", replayErr)
		p.degraded = replayErr
		return p, nil
	}

	w, err := wal.NewWriter(dir, loc.Base, s.opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("open log for %s: %w", key, err)
	}

	buf := buffer.New(w, committed, s.opts.Buffer)
	buf.Replay(replayed)
	p.wal = w
	p.buf = buf

	if len(replayed) > 0 {
		s.log.Info("partition recovered",
			"partition", key.String(),
			"segments", len(infos),
			"replayed", len(replayed))
	}
	return p, nil
}

// All returns a snapshot of every open partition.
func (s *Registry) All() []*Partition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Partition, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	return out
}

// Enumerate lists partition keys on disk matching the prefix, open or not.
func (s *Registry) Enumerate(ctx context.Context, p partition.Prefix) ([]partition.Key, error) {
	return partition.Enumerate(ctx, s.opts.Root, p)
}

// Root returns the data root directory.
func (s *Registry) Root() string { return s.opts.Root }

// Close closes every open partition. The first error is returned.
func (s *Registry) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var first error
	for key, p := range s.parts {
		if err := p.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", key, err)
		}
	}
	s.parts = make(map[partition.Key]*Partition)
	return first
}
