// ABOUTME: Binary framing of sample blocks exchanged with producers and readers
// ABOUTME: Header, interleaved 16-bit I/Q samples, then relative flag intervals
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/harper/station-input-buffer/internal/domain/flags"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
)

// Magic starts every frame.
var Magic = [4]byte{'S', 'B', 'F', '1'}

const (
	HeaderSize   = 20
	SampleSize   = 4 // int16 I + int16 Q
	IntervalSize = 8 // uint32 start + uint32 end
	MaxCount     = math.MaxUint16
	MaxValues    = 1 << 20 // count*stride accepted from a stream
)

var (
	ErrBadMagic = errors.New("frame: bad magic")
	ErrTooLarge = errors.New("frame: too large")
)

// Block is a run of Count samples starting at Begin. Sample k of channel c
// is Samples[k*Stride+c]. Flags are relative to Begin.
type Block struct {
	Begin    timestamp.Index
	Channels int
	Stride   int
	Samples  []complex64
	Flags    *flags.Set
}

func (b Block) Count() int {
	if b.Stride == 0 {
		return 0
	}
	return len(b.Samples) / b.Stride
}

// Channel returns a copy of channel c.
func (b Block) Channel(c int) []complex64 {
	out := make([]complex64, b.Count())
	for k := range out {
		out[k] = b.Samples[k*b.Stride+c]
	}
	return out
}

// FromChannels interleaves the first n samples of each channel slice.
func FromChannels(begin timestamp.Index, chans [][]complex64, n int, fl *flags.Set) Block {
	nch := len(chans)
	samples := make([]complex64, n*nch)
	for c, ch := range chans {
		for k := 0; k < n; k++ {
			samples[k*nch+c] = ch[k]
		}
	}
	return Block{Begin: begin, Channels: nch, Stride: nch, Samples: samples, Flags: fl}
}

// Encode serialises b. Sample components are rounded and saturated to int16.
func Encode(b Block) ([]byte, error) {
	count := b.Count()
	if b.Stride < b.Channels || b.Channels <= 0 {
		return nil, fmt.Errorf("frame: stride %d with %d channels", b.Stride, b.Channels)
	}
	if count > MaxCount || b.Stride > math.MaxUint16 || count*b.Stride > MaxValues {
		return nil, fmt.Errorf("%w: block of %d samples with stride %d", ErrTooLarge, count, b.Stride)
	}
	var ivs []flags.Interval
	if b.Flags != nil {
		ivs = b.Flags.Subset(0, int64(count)).Intervals()
	}

	var buf bytes.Buffer
	buf.Grow(HeaderSize + count*b.Stride*SampleSize + len(ivs)*IntervalSize)

	var hdr [HeaderSize]byte
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(b.Begin))
	binary.LittleEndian.PutUint16(hdr[12:14], uint16(count))
	binary.LittleEndian.PutUint16(hdr[14:16], uint16(b.Channels))
	binary.LittleEndian.PutUint16(hdr[16:18], uint16(b.Stride))
	binary.LittleEndian.PutUint16(hdr[18:20], uint16(len(ivs)))
	buf.Write(hdr[:])

	var s [SampleSize]byte
	for _, v := range b.Samples[:count*b.Stride] {
		binary.LittleEndian.PutUint16(s[0:2], uint16(toInt16(real(v))))
		binary.LittleEndian.PutUint16(s[2:4], uint16(toInt16(imag(v))))
		buf.Write(s[:])
	}

	var iv [IntervalSize]byte
	for _, r := range ivs {
		binary.LittleEndian.PutUint32(iv[0:4], uint32(r.Start))
		binary.LittleEndian.PutUint32(iv[4:8], uint32(r.End))
		buf.Write(iv[:])
	}

	return buf.Bytes(), nil
}

func toInt16(f float32) int16 {
	r := math.Round(float64(f))
	switch {
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	}
	return int16(r)
}

// Decoder reads consecutive frames from a stream.
type Decoder struct {
	r   io.Reader
	hdr [HeaderSize]byte
	buf []byte
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next frame. io.EOF is returned only on a clean frame
// boundary; a truncated frame yields io.ErrUnexpectedEOF.
func (d *Decoder) Next() (Block, error) {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return Block{}, err
	}
	return d.decodeBody()
}

// Decode parses a single frame held in p.
func Decode(p []byte) (Block, error) {
	return NewDecoder(bytes.NewReader(p)).Next()
}

func (d *Decoder) decodeBody() (Block, error) {
	if !bytes.Equal(d.hdr[0:4], Magic[:]) {
		return Block{}, ErrBadMagic
	}
	begin := timestamp.Index(binary.LittleEndian.Uint64(d.hdr[4:12]))
	count := int(binary.LittleEndian.Uint16(d.hdr[12:14]))
	nch := int(binary.LittleEndian.Uint16(d.hdr[14:16]))
	stride := int(binary.LittleEndian.Uint16(d.hdr[16:18]))
	nflags := int(binary.LittleEndian.Uint16(d.hdr[18:20]))
	if nch == 0 || stride < nch {
		return Block{}, fmt.Errorf("frame: stride %d with %d channels", stride, nch)
	}
	if count*stride > MaxValues {
		return Block{}, fmt.Errorf("%w: %d samples with stride %d", ErrTooLarge, count, stride)
	}

	size := count*stride*SampleSize + nflags*IntervalSize
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	body := d.buf[:size]
	if _, err := io.ReadFull(d.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Block{}, err
	}

	samples := make([]complex64, count*stride)
	for i := range samples {
		p := body[i*SampleSize:]
		re := int16(binary.LittleEndian.Uint16(p[0:2]))
		im := int16(binary.LittleEndian.Uint16(p[2:4]))
		samples[i] = complex(float32(re), float32(im))
	}

	fl := flags.New()
	rest := body[count*stride*SampleSize:]
	for i := 0; i < nflags; i++ {
		p := rest[i*IntervalSize:]
		fl.Include(int64(binary.LittleEndian.Uint32(p[0:4])), int64(binary.LittleEndian.Uint32(p[4:8])))
	}

	return Block{Begin: begin, Channels: nch, Stride: stride, Samples: samples, Flags: fl}, nil
}
