// Package coordinator orchestrates the store: it owns the partition
// registry, the flush and query engines, live fan-out and backpressure,
// and runs the background maintenance workers.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"github.com/google/uuid"

	"github.com/zonequant/zq-data/internal/backpressure"
	"github.com/zonequant/zq-data/internal/buffer"
	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/fanout"
	"github.com/zonequant/zq-data/internal/flush"
	"github.com/zonequant/zq-data/internal/logging"
	"github.com/zonequant/zq-data/internal/partition"
	"github.com/zonequant/zq-data/internal/query"
	"github.com/zonequant/zq-data/internal/record"
	"github.com/zonequant/zq-data/internal/storage/segment"
	"github.com/zonequant/zq-data/internal/storage/wal"
	"github.com/zonequant/zq-data/internal/store"
)

// Options configures the coordinator.
type Options struct {
	// Root is the data directory.
	Root string

	// Calendars maps venues to trading-day calendars.
	Calendars *partition.CalendarSet

	WAL          wal.Options
	Buffer       buffer.Options
	Segment      segment.Options
	Query        query.Options
	Fanout       fanout.Options
	Backpressure backpressure.Options

	// FlushInterval is how often the flush worker wakes. Default: 30s
	FlushInterval time.Duration

	// FlushMaxRecords flushes a partition when its buffer reaches this
	// many records. Default: 65536
	FlushMaxRecords int

	// FlushMaxBytes flushes a partition when its buffer reaches this
	// size. Default: 16MB
	FlushMaxBytes int64
}

// DefaultOptions returns default coordinator options.
func DefaultOptions() Options {
	return Options{
		Buffer:       buffer.DefaultOptions(),
		WAL:          wal.DefaultOptions(),
		Segment:      segment.DefaultOptions(),
		Query:        query.DefaultOptions(),
		Fanout:       fanout.DefaultOptions(),
		Backpressure: backpressure.DefaultOptions(),

		FlushInterval:   30 * time.Second,
		FlushMaxRecords: 65536,
		FlushMaxBytes:   16 * 1024 * 1024,
	}
}

// Coordinator is the top-level store facade.
type Coordinator struct {
	opts Options
	log  *slog.Logger

	reg   *store.Registry
	flush *flush.Engine
	query *query.Engine
	hub   *fanout.Hub
	bp    *backpressure.Controller

	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startTime time.Time

	flushMu   sync.Mutex
	lastFlush map[string]time.Time

	sketchMu      sync.Mutex
	appendLatency *ddsketch.DDSketch
	flushLatency  *ddsketch.DDSketch
}

// New creates a coordinator. Start must be called before use.
func New(opts Options) (*Coordinator, error) {
	if opts.Root == "" {
		return nil, errors.NewMissingField("root")
	}
	def := DefaultOptions()
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.FlushMaxRecords <= 0 {
		opts.FlushMaxRecords = def.FlushMaxRecords
	}
	if opts.FlushMaxBytes <= 0 {
		opts.FlushMaxBytes = def.FlushMaxBytes
	}

	appendSketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("create append sketch: %w", err)
	}
	flushSketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return nil, fmt.Errorf("create flush sketch: %w", err)
	}

	c := &Coordinator{
		opts:          opts,
		log:           logging.Component("coordinator"),
		hub:           fanout.NewHub(opts.Fanout),
		flush:         flush.NewEngine(flush.Options{Segment: opts.Segment}),
		lastFlush:     make(map[string]time.Time),
		appendLatency: appendSketch,
		flushLatency:  flushSketch,
	}

	c.reg = store.NewRegistry(store.Options{
		Root:      opts.Root,
		Calendars: opts.Calendars,
		WAL:       opts.WAL,
		Buffer:    opts.Buffer,
		OnOpen:    c.attachPump,
	})
	c.query = query.NewEngine(c.reg, opts.Query)
	c.bp = backpressure.New(opts.Backpressure, c.bufferUsage)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start launches the background workers.
func (c *Coordinator) Start() error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyRunning
	}
	c.startTime = time.Now()

	c.bp.SetOnLevelChange(func(old, new backpressure.Level) {
		c.log.Warn("backpressure level changed", "from", old.String(), "to", new.String())
	})

	c.wg.Add(1)
	go c.flushWorker()
	c.wg.Add(1)
	go c.backpressureWorker()

	c.log.Info("coordinator started", "root", c.opts.Root)
	return nil
}

// Stop flushes every partition and shuts down.
func (c *Coordinator) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	c.cancel()
	c.wg.Wait()

	// Final flush so nothing is left to log replay on the next start.
	for _, p := range c.reg.All() {
		if _, err := c.flush.Flush(p); err != nil && !errors.Is(err, errors.ErrDegraded) {
			c.log.Error("final flush failed", "partition", p.Key.String(), "error", err)
		}
	}

	c.hub.Close()
	if err := c.reg.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	c.log.Info("coordinator stopped")
	return nil
}

// SubmitLive admits one live record and fans it out to subscribers.
// Under emergency backpressure live records are rejected.
func (c *Coordinator) SubmitLive(broker, market string, r record.Record) (record.Record, error) {
	if !c.running.Load() {
		return r, errors.ErrNotRunning
	}
	if c.bp.ShouldReject() {
		c.bp.RecordDrop()
		return r, fmt.Errorf("backpressure %s: %w", c.bp.CurrentLevel(), errors.ErrBufferFull)
	}

	p, err := c.partitionFor(broker, market, &r)
	if err != nil {
		return r, err
	}

	start := time.Now()
	acked, err := p.Append(r)
	if err != nil {
		return r, err
	}
	c.observeAppend(time.Since(start))
	return acked, nil
}

// SubmitHistorical admits a backfill batch. Stale records and duplicates
// are skipped, not errors; the count of newly admitted records is
// returned. Backfill slows down under backpressure instead of being
// rejected.
func (c *Coordinator) SubmitHistorical(ctx context.Context, broker, market string, records []record.Record) (int, error) {
	if !c.running.Load() {
		return 0, errors.ErrNotRunning
	}

	admitted := 0
	for i := range records {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}
		if delay := c.bp.ThrottleDelay(); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return admitted, ctx.Err()
			}
		}

		p, err := c.partitionFor(broker, market, &records[i])
		if err != nil {
			return admitted, err
		}
		buf := p.Buffer()
		if buf == nil {
			return admitted, fmt.Errorf("%s: %w", p.Key.String(), errors.ErrDegraded)
		}
		before := buf.Stats().Appends
		if _, err := p.Append(records[i]); err != nil {
			if errors.IsStale(err) {
				continue
			}
			if errors.Is(err, errors.ErrBufferFull) {
				// Make room and retry once.
				if _, ferr := c.flush.Flush(p); ferr != nil {
					return admitted, err
				}
				if _, err := p.Append(records[i]); err != nil {
					return admitted, err
				}
			} else {
				return admitted, err
			}
		}
		if buf.Stats().Appends > before {
			admitted++
		}
	}
	return admitted, nil
}

// Query runs a ranged read.
func (c *Coordinator) Query(ctx context.Context, req query.Request) (*query.Result, error) {
	if !c.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return c.query.Query(ctx, req)
}

// GetKline fetches kline bars for [start, end).
func (c *Coordinator) GetKline(ctx context.Context, broker, market, symbol string, freq record.Freq, start, end time.Time) ([]record.Record, error) {
	res, err := c.Query(ctx, query.Request{
		Broker: broker, Market: market, DataType: partition.DataTypeKline,
		Symbol: symbol, Freq: freq, Start: start, End: end,
	})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// GetTick fetches tick records for [start, end).
func (c *Coordinator) GetTick(ctx context.Context, broker, market, symbol string, start, end time.Time) ([]record.Record, error) {
	res, err := c.Query(ctx, query.Request{
		Broker: broker, Market: market, DataType: partition.DataTypeTick,
		Symbol: symbol, Start: start, End: end,
	})
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// SubscribeTick subscribes to one symbol's live trades.
func (c *Coordinator) SubscribeTick(broker, market, symbol string) (*fanout.Subscription, error) {
	return c.Subscribe(fanout.Filter{
		Broker: broker, Market: market,
		DataType: partition.DataTypeTick, Symbol: symbol,
	})
}

// SubscribeKline subscribes to one symbol's live bars at a frequency.
func (c *Coordinator) SubscribeKline(broker, market, symbol string, freq record.Freq) (*fanout.Subscription, error) {
	return c.Subscribe(fanout.Filter{
		Broker: broker, Market: market,
		DataType: partition.DataTypeKline, Symbol: symbol, Freq: freq,
	})
}

// Subscribe registers a live stream consumer.
func (c *Coordinator) Subscribe(f fanout.Filter) (*fanout.Subscription, error) {
	if !c.running.Load() {
		return nil, errors.ErrNotRunning
	}
	return c.hub.Subscribe(f)
}

// Unsubscribe tears a subscription down.
func (c *Coordinator) Unsubscribe(id uuid.UUID) error {
	return c.hub.Unsubscribe(id)
}

// FlushPartition flushes one partition now.
func (c *Coordinator) FlushPartition(key partition.Key) (segment.Info, error) {
	p, err := c.reg.Lookup(key)
	if err != nil {
		return segment.Info{}, err
	}
	start := time.Now()
	info, err := c.flush.Flush(p)
	if err == nil {
		c.observeFlush(time.Since(start))
		c.setLastFlush(p, time.Now())
	}
	return info, err
}

// CompactPartition compacts one partition's day files now.
func (c *Coordinator) CompactPartition(key partition.Key) (segment.Info, error) {
	p, err := c.reg.Lookup(key)
	if err != nil {
		return segment.Info{}, err
	}
	return c.flush.Compact(p)
}

// partitionFor opens the partition a record belongs to.
func (c *Coordinator) partitionFor(broker, market string, r *record.Record) (*store.Partition, error) {
	dt := partition.DataTypeTick
	if r.Kind == record.KindKline {
		dt = partition.DataTypeKline
	}
	key := c.reg.KeyFor(broker, market, dt, r.Symbol, r.Freq, r.Time())
	return c.reg.GetOrCreate(key)
}

// attachPump streams a newly opened partition's appends into the hub.
func (c *Coordinator) attachPump(p *store.Partition) {
	buf := p.Buffer()
	if buf == nil {
		return
	}
	cursor := buf.Watch()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { cursor.Close() }()
		for {
			r, err := cursor.Next(c.ctx)
			if err != nil {
				if errors.Is(err, errors.ErrSubscriberLagging) {
					// The pump fell behind the write path; subscribers
					// lose the gap but the stream continues.
					c.log.Warn("fan-out pump overrun", "partition", p.Key.String())
					cursor.Close()
					cursor = buf.Watch()
					continue
				}
				return
			}
			c.hub.Publish(p.Key, r)
		}
	}()
}

// flushWorker flushes partitions over their record/byte thresholds,
// flushes any buffered data after FlushInterval, and rolls partitions
// whose trading day has ended.
func (c *Coordinator) flushWorker() {
	defer c.wg.Done()

	// Tick faster than the interval so threshold breaches between
	// interval boundaries still flush promptly.
	tick := c.opts.FlushInterval / 4
	if tick > 5*time.Second {
		tick = 5 * time.Second
	}
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runFlushPass(time.Now())
		}
	}
}

func (c *Coordinator) runFlushPass(now time.Time) {
	for _, p := range c.reg.All() {
		buf := p.Buffer()
		if buf == nil {
			continue
		}

		dayOver := c.reg.Calendar(p.Key.Broker).TradingDate(now) > p.Key.Date
		overThreshold := buf.Len() >= c.opts.FlushMaxRecords ||
			buf.Bytes() >= c.opts.FlushMaxBytes
		intervalUp := now.Sub(c.lastFlushAt(p)) >= c.opts.FlushInterval

		if buf.Len() > 0 && (overThreshold || intervalUp || dayOver) {
			start := time.Now()
			if _, err := c.flush.Flush(p); err != nil {
				c.log.Error("flush failed", "partition", p.Key.String(), "error", err)
				continue
			}
			c.observeFlush(time.Since(start))
			c.setLastFlush(p, now)
		}

		// A finished day compacts to its canonical file unless memory
		// pressure says later.
		if dayOver && buf.Len() == 0 && !c.bp.ShouldPauseCompaction() {
			if _, err := c.flush.Compact(p); err != nil {
				c.log.Error("compaction failed", "partition", p.Key.String(), "error", err)
			}
		}
	}
}

func (c *Coordinator) lastFlushAt(p *store.Partition) time.Time {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	if t, ok := c.lastFlush[p.Key.String()]; ok {
		return t
	}
	// Never flushed: anchor to startup so a quiet partition waits a
	// full interval rather than flushing on the first tick.
	return c.startTime
}

func (c *Coordinator) setLastFlush(p *store.Partition, t time.Time) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.lastFlush[p.Key.String()] = t
}

func (c *Coordinator) backpressureWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.bp.Check()
		}
	}
}

// bufferUsage reports the worst partition's buffer fill ratio.
func (c *Coordinator) bufferUsage() float64 {
	maxRecords := c.opts.Buffer.MaxRecords
	if maxRecords <= 0 {
		maxRecords = buffer.DefaultOptions().MaxRecords
	}
	maxBytes := c.opts.Buffer.MaxBytes
	if maxBytes <= 0 {
		maxBytes = buffer.DefaultOptions().MaxBytes
	}

	var worst float64
	for _, p := range c.reg.All() {
		buf := p.Buffer()
		if buf == nil {
			continue
		}
		if r := float64(buf.Len()) / float64(maxRecords); r > worst {
			worst = r
		}
		if r := float64(buf.Bytes()) / float64(maxBytes); r > worst {
			worst = r
		}
	}
	return worst
}

func (c *Coordinator) observeAppend(d time.Duration) {
	c.sketchMu.Lock()
	defer c.sketchMu.Unlock()
	_ = c.appendLatency.Add(float64(d.Microseconds()))
}

func (c *Coordinator) observeFlush(d time.Duration) {
	c.sketchMu.Lock()
	defer c.sketchMu.Unlock()
	_ = c.flushLatency.Add(float64(d.Microseconds()))
}

// LatencyQuantiles summarizes a latency distribution in microseconds.
type LatencyQuantiles struct {
	Count int64
	P50   float64
	P95   float64
	P99   float64
}

func quantiles(s *ddsketch.DDSketch) LatencyQuantiles {
	q := LatencyQuantiles{Count: int64(s.GetCount())}
	if q.Count == 0 {
		return q
	}
	if v, err := s.GetValueAtQuantile(0.50); err == nil {
		q.P50 = v
	}
	if v, err := s.GetValueAtQuantile(0.95); err == nil {
		q.P95 = v
	}
	if v, err := s.GetValueAtQuantile(0.99); err == nil {
		q.P99 = v
	}
	return q
}

// Stats is a point-in-time snapshot across all components.
type Stats struct {
	Uptime        time.Duration
	Partitions    int
	Flush         flush.Stats
	Fanout        fanout.Stats
	Backpressure  backpressure.ControllerStats
	AppendLatency LatencyQuantiles
	FlushLatency  LatencyQuantiles
}

// Stats returns a snapshot of coordinator statistics.
func (c *Coordinator) Stats() Stats {
	c.sketchMu.Lock()
	appendQ := quantiles(c.appendLatency)
	flushQ := quantiles(c.flushLatency)
	c.sketchMu.Unlock()

	return Stats{
		Uptime:        time.Since(c.startTime),
		Partitions:    len(c.reg.All()),
		Flush:         c.flush.Stats(),
		Fanout:        c.hub.Stats(),
		Backpressure:  c.bp.Stats(),
		AppendLatency: appendQ,
		FlushLatency:  flushQ,
	}
}

// Registry exposes the partition registry to transport layers.
func (c *Coordinator) Registry() *store.Registry { return c.reg }
