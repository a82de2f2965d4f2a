// ABOUTME: Arbitrates the writer and reader windows of a circular sample buffer
// ABOUTME: Blocks writers that would overwrite locked reads and readers waiting on data
package lockrange

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harper/station-input-buffer/internal/domain/timestamp"
)

// ErrClosed is returned by lock calls once the arbiter has been closed.
var ErrClosed = errors.New("lockrange: closed")

type window struct {
	begin timestamp.Index
	end   timestamp.Index
}

// Arbiter serialises one writer and any number of readers over the index
// space of a buffer holding capacity slots. Index i lives in slot i mod
// capacity, so two windows conflict when their slots overlap.
//
// A locked read window also protects historyDepth slots in front of it, so
// a reader can step back over recent samples on its next read. A read of
// [begin, end) is only granted once the writer has published end+readWriteDelay.
type Arbiter struct {
	capacity int64
	history  int64
	delay    int64

	mu   sync.Mutex
	cond *sync.Cond

	first   timestamp.Index // first index ever granted to the writer
	highest timestamp.Index // watermark; only increases

	writing bool
	write   window

	readers map[uint64]window
	nextID  uint64

	closed bool
}

func New(capacity, historyDepth, readWriteDelay int64) *Arbiter {
	if capacity <= 0 {
		panic(fmt.Sprintf("lockrange: capacity must be positive, got %d", capacity))
	}
	a := &Arbiter{
		capacity: capacity,
		history:  historyDepth,
		delay:    readWriteDelay,
		first:    timestamp.Null,
		highest:  timestamp.Null,
		readers:  make(map[uint64]window),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// WriteLock reserves [begin, end) for the writer and returns the granted
// begin. Indices whose slot already holds newer data, or that would be
// pushed out again by the same request, are clamped off the front; the
// caller counts realBegin-begin as dropped. The call blocks while a locked
// read window shares slots with the granted range.
func (a *Arbiter) WriteLock(ctx context.Context, begin, end timestamp.Index) (timestamp.Index, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writing {
		panic("lockrange: write lock already held")
	}
	if a.closed {
		return end, ErrClosed
	}

	realBegin := timestamp.Max(begin, end.Sub(a.capacity))
	if !a.highest.IsNull() {
		realBegin = timestamp.Max(realBegin, a.highest.Sub(a.capacity))
	}
	if realBegin > end {
		realBegin = end
	}

	// Announce the write before waiting so new readers clamp past it and
	// cannot starve the writer.
	a.writing = true
	a.write = window{begin: realBegin, end: end}

	err := a.wait(ctx, func() bool { return !a.writeBlocked() })
	if err != nil {
		a.writing = false
		a.cond.Broadcast()
		return end, err
	}
	if a.first.IsNull() {
		a.first = realBegin
	}
	return realBegin, nil
}

func (a *Arbiter) writeBlocked() bool {
	for _, r := range a.readers {
		if a.overlaps(r.begin.Sub(a.history), r.end, a.write.begin, a.write.end) {
			return true
		}
	}
	return false
}

// WriteUnlock publishes everything up to end and releases the write window.
func (a *Arbiter) WriteUnlock(end timestamp.Index) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.writing {
		panic("lockrange: write unlock without lock")
	}
	a.writing = false
	if a.highest.IsNull() || end > a.highest {
		a.highest = end
	}
	a.cond.Broadcast()
}

// ReadLock waits until [begin, end) has been published with the configured
// lead and returns the granted begin together with the function releasing
// the window. Indices older than the oldest retrievable one, either already
// overwritten or preceding the first write, are clamped off the front; the
// caller treats realBegin-begin as missing.
func (a *Arbiter) ReadLock(ctx context.Context, begin, end timestamp.Index) (timestamp.Index, func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var realBegin timestamp.Index
	err := a.wait(ctx, func() bool {
		if a.highest.IsNull() || a.highest < end.Add(a.delay) {
			return false
		}
		realBegin = timestamp.Min(timestamp.Max(begin, a.oldest()), end)
		return !(a.writing && a.overlaps(realBegin, end, a.write.begin, a.write.end))
	})
	if err != nil {
		return end, func() {}, err
	}

	if realBegin == end {
		return realBegin, func() {}, nil
	}

	id := a.nextID
	a.nextID++
	a.readers[id] = window{begin: realBegin, end: end}

	return realBegin, func() { a.readUnlock(id) }, nil
}

func (a *Arbiter) readUnlock(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.readers[id]; !ok {
		return
	}
	delete(a.readers, id)
	a.cond.Broadcast()
}

// ReadStart returns the oldest index that can still be read, or Null if
// nothing has been written yet.
func (a *Arbiter) ReadStart() timestamp.Index {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.highest.IsNull() {
		return timestamp.Null
	}
	return a.oldest()
}

// oldest is the first index still held by the buffer. Must be called with
// a.mu held after the first write.
func (a *Arbiter) oldest() timestamp.Index {
	return timestamp.Max(a.first, a.top().Sub(a.capacity))
}

// WaitStarted blocks until the writer has published its first block.
func (a *Arbiter) WaitStarted(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.wait(ctx, func() bool { return !a.highest.IsNull() })
}

func (a *Arbiter) HighestWritten() timestamp.Index {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highest
}

// ActiveReaders returns the number of locked read windows.
func (a *Arbiter) ActiveReaders() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.readers)
}

// Close wakes every blocked caller; subsequent lock calls fail with ErrClosed.
func (a *Arbiter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	a.cond.Broadcast()
}

// top is the newest index whose slot is or is about to be occupied.
func (a *Arbiter) top() timestamp.Index {
	if a.writing && a.write.end > a.highest {
		return a.write.end
	}
	return a.highest
}

// wait blocks on the condition variable until ready returns true. Must be
// called with a.mu held.
func (a *Arbiter) wait(ctx context.Context, ready func() bool) error {
	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	for {
		if a.closed {
			return ErrClosed
		}
		if ready() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("lockrange: wait: %w", err)
		}
		a.cond.Wait()
	}
}

// overlaps reports whether [a0, a1) and [b0, b1) share a slot.
func (a *Arbiter) overlaps(a0, a1, b0, b1 timestamp.Index) bool {
	la, lb := a1.Diff(a0), b1.Diff(b0)
	if la <= 0 || lb <= 0 {
		return false
	}
	if la >= a.capacity || lb >= a.capacity {
		return true
	}

	sa := Slot(a0, a.capacity)
	sb := Slot(b0, a.capacity)
	for _, shift := range [...]int64{-a.capacity, 0, a.capacity} {
		if sa < sb+shift+lb && sb+shift < sa+la {
			return true
		}
	}
	return false
}

// Slot maps an index onto [0, capacity).
func Slot(i timestamp.Index, capacity int64) int64 {
	s := int64(i) % capacity
	if s < 0 {
		s += capacity
	}
	return s
}
