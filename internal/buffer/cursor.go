package buffer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zonequant/zq-data/internal/errors"
	"github.com/zonequant/zq-data/internal/record"
)

// Cursor streams acknowledged appends to one consumer. Pushing to a
// cursor never blocks the write path: when the consumer falls behind the
// cursor overruns and terminates with ErrSubscriberLagging once drained.
type Cursor struct {
	ch      chan record.Record
	overrun atomic.Bool

	mu     sync.Mutex
	closed bool
	err    error

	detach func()
}

// Watch registers a cursor over the buffer's append stream. The cursor
// observes records acknowledged after the call; it never consumes or
// delays appends.
func (b *Buffer) Watch() *Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := &Cursor{
		ch: make(chan record.Record, b.opts.CursorBuffer),
	}
	if b.closed {
		c.close(errors.ErrPartitionClosed)
		return c
	}

	b.watchers[c] = struct{}{}
	c.detach = func() {
		b.mu.Lock()
		delete(b.watchers, c)
		b.mu.Unlock()
	}
	return c
}

// push delivers a record without blocking; called with the buffer lock
// held.
func (c *Cursor) push(r record.Record) {
	select {
	case c.ch <- r:
	default:
		c.overrun.Store(true)
	}
}

// Next returns the next appended record. After the backlog of an overrun
// cursor is drained Next returns ErrSubscriberLagging; after Close it
// returns ErrSubscriptionClosed.
func (c *Cursor) Next(ctx context.Context) (record.Record, error) {
	for {
		select {
		case r, ok := <-c.ch:
			if !ok {
				return record.Record{}, c.closeErr()
			}
			return r, nil
		default:
		}

		if c.overrun.Load() {
			// Backlog drained, records were lost.
			return record.Record{}, errors.ErrSubscriberLagging
		}

		select {
		case r, ok := <-c.ch:
			if !ok {
				return record.Record{}, c.closeErr()
			}
			return r, nil
		case <-ctx.Done():
			return record.Record{}, ctx.Err()
		}
	}
}

func (c *Cursor) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return errors.ErrSubscriptionClosed
}

// Close detaches the cursor from the buffer.
func (c *Cursor) Close() {
	if c.detach != nil {
		c.detach()
	}
	c.close(errors.ErrSubscriptionClosed)
}

func (c *Cursor) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.ch)
}
