// ABOUTME: Monotonic sample index used to address stream positions
// ABOUTME: Provides element-count arithmetic and wall-clock conversion
package timestamp

import (
	"fmt"
	"math"
	"time"
)

// Index is the position of a sample in the station stream, counted in
// subband samples since the Unix epoch.
type Index int64

// Null marks a stream that has not produced any data yet.
const Null Index = math.MinInt64

// Add returns the index n samples later.
func (i Index) Add(n int64) Index {
	return i + Index(n)
}

// Sub returns the index n samples earlier.
func (i Index) Sub(n int64) Index {
	return i - Index(n)
}

// Diff returns i - o as a signed sample count.
func (i Index) Diff(o Index) int64 {
	return int64(i) - int64(o)
}

func (i Index) Before(o Index) bool { return i < o }
func (i Index) After(o Index) bool  { return i > o }

func (i Index) IsNull() bool {
	return i == Null
}

func (i Index) String() string {
	if i.IsNull() {
		return "null"
	}
	return fmt.Sprintf("%d", int64(i))
}

func Max(a, b Index) Index {
	if a > b {
		return a
	}
	return b
}

func Min(a, b Index) Index {
	if a < b {
		return a
	}
	return b
}

// DefaultSamplesPerClock is the number of station clock ticks per subband sample.
const DefaultSamplesPerClock = 1024

// Clock converts between sample indices and wall-clock time.
type Clock struct {
	Hz      int64 // station clock, e.g. 200e6
	Divisor int64 // clock ticks per sample
}

func NewClock(hz int64) Clock {
	return Clock{Hz: hz, Divisor: DefaultSamplesPerClock}
}

// SampleRate returns subband samples per second.
func (c Clock) SampleRate() float64 {
	return float64(c.Hz) / float64(c.Divisor)
}

// Index returns the sample containing t.
func (c Clock) Index(t time.Time) Index {
	ticks := t.Unix()*c.Hz + int64(t.Nanosecond())*c.Hz/int64(time.Second)
	return Index(ticks / c.Divisor)
}

// Time returns the start time of sample i.
func (c Clock) Time(i Index) time.Time {
	ticks := int64(i) * c.Divisor
	sec := ticks / c.Hz
	nsec := (ticks % c.Hz) * int64(time.Second) / c.Hz
	return time.Unix(sec, nsec).UTC()
}

// Duration returns the time spanned by n samples.
func (c Clock) Duration(n int64) time.Duration {
	return time.Duration(float64(n) / c.SampleRate() * float64(time.Second))
}
