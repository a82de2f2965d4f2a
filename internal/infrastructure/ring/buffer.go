// ABOUTME: Timestamp-indexed circular buffer holding one sample array per channel
// ABOUTME: Flags gaps and stale slots so lagging readers never see wrong data
package ring

import (
	"context"
	"fmt"
	"sync"

	"github.com/harper/station-input-buffer/internal/domain/flags"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
	"github.com/harper/station-input-buffer/internal/infrastructure/lockrange"
)

type Config struct {
	Capacity       int  // slots per channel
	Channels       int  // parallel arrays, one per subband
	HistoryDepth   int  // slots kept in front of a locked read
	ReadWriteDelay int  // lead the writer needs before a read is granted
	ZeroFillGaps   bool // clear sample memory of skipped ranges
}

func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	if c.HistoryDepth < 0 || c.ReadWriteDelay < 0 {
		return fmt.Errorf("history depth and read-write delay must not be negative")
	}
	if c.HistoryDepth+c.ReadWriteDelay >= c.Capacity {
		return fmt.Errorf("history depth %d plus read-write delay %d must be below capacity %d",
			c.HistoryDepth, c.ReadWriteDelay, c.Capacity)
	}
	return nil
}

// Buffer stores the most recent Capacity samples of each channel. Sample
// index i lives in slot i mod Capacity.
type Buffer[T any] struct {
	capacity int64
	channels [][]T
	zeroFill bool

	arbiter *lockrange.Arbiter

	flagsMu sync.Mutex
	invalid *flags.Set // slot coordinates

	stats counters
}

func New[T any](cfg Config) (*Buffer[T], error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ring config: %w", err)
	}

	b := &Buffer[T]{
		capacity: int64(cfg.Capacity),
		channels: make([][]T, cfg.Channels),
		zeroFill: cfg.ZeroFillGaps,
		arbiter:  lockrange.New(int64(cfg.Capacity), int64(cfg.HistoryDepth), int64(cfg.ReadWriteDelay)),
		invalid:  flags.New(),
	}
	for c := range b.channels {
		b.channels[c] = make([]T, cfg.Capacity)
	}
	b.invalid.Include(0, b.capacity)

	return b, nil
}

func (b *Buffer[T]) Capacity() int { return int(b.capacity) }
func (b *Buffer[T]) Channels() int { return len(b.channels) }

// Write stores count samples starting at index begin. Sample k of channel c
// is read from data[k*stride+c]. Any hole between the previous write and
// begin is flagged first. Returns the number of samples accepted; samples
// whose slot already holds newer data are counted as dropped.
func (b *Buffer[T]) Write(ctx context.Context, data []T, begin timestamp.Index, count, stride int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	nch := len(b.channels)
	if stride < nch {
		panic(fmt.Sprintf("ring: stride %d below channel count %d", stride, nch))
	}
	if need := (count-1)*stride + nch; len(data) < need {
		panic(fmt.Sprintf("ring: write of %d samples needs %d values, got %d", count, need, len(data)))
	}

	if err := b.skipGap(ctx, begin); err != nil {
		return 0, err
	}

	end := begin.Add(int64(count))
	realBegin, err := b.arbiter.WriteLock(ctx, begin, end)
	if err != nil {
		return 0, fmt.Errorf("write lock: %w", err)
	}
	defer b.arbiter.WriteUnlock(end)

	skip := realBegin.Diff(begin)
	if skip > 0 {
		b.stats.dropped.Add(skip)
	}
	if realBegin == end {
		return 0, nil
	}

	src := data[skip*int64(stride):]
	b.eachSegment(realBegin, end, func(s0, s1, off int64) {
		for c, ch := range b.channels {
			k := off*int64(stride) + int64(c)
			for s := s0; s < s1; s++ {
				ch[s] = src[k]
				k += int64(stride)
			}
		}
	})

	b.flagsMu.Lock()
	b.eachSegment(realBegin, end, func(s0, s1, _ int64) {
		b.invalid.Exclude(s0, s1)
	})
	b.flagsMu.Unlock()

	return int(end.Diff(realBegin)), nil
}

// skipGap flags [highestWritten, begin) in chunks of a quarter buffer so
// no single write lock spans the whole ring.
func (b *Buffer[T]) skipGap(ctx context.Context, begin timestamp.Index) error {
	cursor := b.arbiter.HighestWritten()
	if cursor.IsNull() || !begin.After(cursor) {
		return nil
	}

	chunk := max(b.capacity/4, 1)
	var covered int64
	for cursor < begin && covered < b.capacity {
		chunkEnd := timestamp.Min(begin, cursor.Add(chunk))
		realBegin, err := b.arbiter.WriteLock(ctx, cursor, chunkEnd)
		if err != nil {
			return fmt.Errorf("gap lock: %w", err)
		}
		b.invalidate(realBegin, chunkEnd)
		b.arbiter.WriteUnlock(chunkEnd)

		b.stats.skipped.Add(chunkEnd.Diff(cursor))
		covered += chunkEnd.Diff(cursor)
		cursor = chunkEnd
	}

	// Every slot is flagged by now, the rest of the hole only moves the watermark.
	if cursor < begin {
		if _, err := b.arbiter.WriteLock(ctx, begin, begin); err != nil {
			return fmt.Errorf("gap lock: %w", err)
		}
		b.arbiter.WriteUnlock(begin)
		b.stats.skipped.Add(begin.Diff(cursor))
	}
	return nil
}

func (b *Buffer[T]) invalidate(begin, end timestamp.Index) {
	b.flagsMu.Lock()
	b.eachSegment(begin, end, func(s0, s1, _ int64) {
		b.invalid.Include(s0, s1)
	})
	b.flagsMu.Unlock()

	if b.zeroFill {
		b.eachSegment(begin, end, func(s0, s1, _ int64) {
			for _, ch := range b.channels {
				clear(ch[s0:s1])
			}
		})
	}
}

// Read copies count samples starting at begin into dst, one slice per
// channel, and adds every invalid output position to out. Positions older
// than the oldest retrievable index are flagged and counted as missing.
// It blocks until the writer has published begin+count plus the read-write
// delay. Returns the number of samples taken from the buffer.
func (b *Buffer[T]) Read(ctx context.Context, dst [][]T, out *flags.Set, begin timestamp.Index, count int) (int, error) {
	if len(dst) != len(b.channels) {
		panic(fmt.Sprintf("ring: read into %d channels, buffer has %d", len(dst), len(b.channels)))
	}
	if out == nil {
		panic("ring: read without flag set")
	}
	for c := range dst {
		if len(dst[c]) < count {
			panic(fmt.Sprintf("ring: destination channel %d holds %d samples, need %d", c, len(dst[c]), count))
		}
	}
	if count <= 0 {
		return 0, nil
	}

	end := begin.Add(int64(count))
	realBegin, release, err := b.arbiter.ReadLock(ctx, begin, end)
	if err != nil {
		return 0, fmt.Errorf("read lock: %w", err)
	}
	defer release()

	missing := realBegin.Diff(begin)
	if missing > 0 {
		b.stats.missing.Add(missing)
		out.Include(0, missing)
	}

	b.eachSegment(realBegin, end, func(s0, s1, off int64) {
		pos := missing + off
		for c, ch := range b.channels {
			copy(dst[c][pos:pos+s1-s0], ch[s0:s1])
		}
	})

	b.flagsMu.Lock()
	b.eachSegment(realBegin, end, func(s0, s1, off int64) {
		out.UnionWith(b.invalid.Subset(s0, s1).Shift(missing + off - s0))
	})
	b.flagsMu.Unlock()

	return int(end.Diff(realBegin)), nil
}

// StartRead returns the earliest index a new reader can safely start from.
// With a Null begin it waits for the first write and picks the oldest
// retrievable index; otherwise it waits until begin is published and moves
// it forward if it has already been overwritten.
func (b *Buffer[T]) StartRead(ctx context.Context, begin timestamp.Index) (timestamp.Index, error) {
	if begin.IsNull() {
		if err := b.arbiter.WaitStarted(ctx); err != nil {
			return timestamp.Null, err
		}
		begin = b.arbiter.ReadStart()
	}

	_, release, err := b.arbiter.ReadLock(ctx, begin, begin)
	if err != nil {
		return timestamp.Null, fmt.Errorf("read lock: %w", err)
	}
	release()

	return timestamp.Max(begin, b.arbiter.ReadStart()), nil
}

// eachSegment calls fn for the one or two contiguous slot ranges holding
// [begin, end). off is the distance of the segment start from begin.
func (b *Buffer[T]) eachSegment(begin, end timestamp.Index, fn func(s0, s1, off int64)) {
	n := end.Diff(begin)
	if n <= 0 {
		return
	}
	s0 := lockrange.Slot(begin, b.capacity)
	if s0+n <= b.capacity {
		fn(s0, s0+n, 0)
		return
	}
	head := b.capacity - s0
	fn(s0, b.capacity, 0)
	fn(0, n-head, head)
}

// InvalidSlots returns a copy of the flagged slot ranges.
func (b *Buffer[T]) InvalidSlots() *flags.Set {
	b.flagsMu.Lock()
	defer b.flagsMu.Unlock()
	return b.invalid.Clone()
}

func (b *Buffer[T]) HighestWritten() timestamp.Index {
	return b.arbiter.HighestWritten()
}

func (b *Buffer[T]) ReadStart() timestamp.Index {
	return b.arbiter.ReadStart()
}

func (b *Buffer[T]) ActiveReaders() int {
	return b.arbiter.ActiveReaders()
}

// Close unblocks pending reads and writes. Statistics stay available.
func (b *Buffer[T]) Close() {
	b.arbiter.Close()
}
