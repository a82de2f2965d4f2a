// ABOUTME: Per-consumer cursor over a station buffer
// ABOUTME: Synchronises its start index and hands out consecutive flagged blocks
package station

import (
	"context"

	"github.com/harper/station-input-buffer/internal/domain/flags"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
	"github.com/harper/station-input-buffer/internal/infrastructure/frame"
)

type Reader struct {
	ID string

	station *Station
	next    timestamp.Index
	started bool
	dst     [][]complex64
}

// NewReader attaches a reader starting at begin, or at the oldest
// retrievable sample when begin is Null.
func (s *Station) NewReader(id string, begin timestamp.Index) *Reader {
	r := &Reader{
		ID:      id,
		station: s,
		next:    begin,
		dst:     make([][]complex64, s.buffer.Channels()),
	}

	s.readersMu.Lock()
	s.readers[r] = struct{}{}
	s.readersMu.Unlock()

	return r
}

func (s *Station) ReaderCount() int {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()
	return len(s.readers)
}

// Close detaches the reader from its station.
func (r *Reader) Close() {
	r.station.readersMu.Lock()
	delete(r.station.readers, r)
	r.station.readersMu.Unlock()
}

// Position returns the index of the next sample the reader will request.
func (r *Reader) Position() timestamp.Index {
	return r.next
}

// Next returns the following count samples. Samples that were lost are
// flagged in the block; the int result is the number actually delivered
// from the buffer.
func (r *Reader) Next(ctx context.Context, count int) (frame.Block, int, error) {
	if !r.started {
		begin, err := r.station.buffer.StartRead(ctx, r.next)
		if err != nil {
			return frame.Block{}, 0, err
		}
		r.next = begin
		r.started = true
	}

	for c := range r.dst {
		if cap(r.dst[c]) < count {
			r.dst[c] = make([]complex64, count)
		}
		r.dst[c] = r.dst[c][:count]
		// a missing prefix is not copied into and must not carry the previous block
		clear(r.dst[c])
	}

	out := flags.New()
	n, err := r.station.buffer.Read(ctx, r.dst, out, r.next, count)
	if err != nil {
		return frame.Block{}, 0, err
	}

	block := frame.FromChannels(r.next, r.dst, count, out)
	r.next = r.next.Add(int64(count))
	return block, n, nil
}
