// ABOUTME: Stream quality counters kept by the circular buffer
// ABOUTME: Counts dropped, skipped, and missing samples for end-of-run reports
package ring

import (
	"fmt"
	"sync/atomic"
)

type counters struct {
	dropped atomic.Int64
	skipped atomic.Int64
	missing atomic.Int64
}

// Stats is a snapshot of the buffer counters.
type Stats struct {
	Dropped int64 `json:"dropped"` // arrived after their slot was reused
	Skipped int64 `json:"skipped"` // never delivered by the producer
	Missing int64 `json:"missing"` // requested by a reader after being overwritten
}

func (s Stats) Total() int64 {
	return s.Dropped + s.Skipped + s.Missing
}

func (s Stats) String() string {
	return fmt.Sprintf("dropped=%d skipped=%d missing=%d", s.Dropped, s.Skipped, s.Missing)
}

func (b *Buffer[T]) Stats() Stats {
	return Stats{
		Dropped: b.stats.dropped.Load(),
		Skipped: b.stats.skipped.Load(),
		Missing: b.stats.missing.Load(),
	}
}
