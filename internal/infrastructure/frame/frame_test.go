// ABOUTME: Tests for sample block framing
// ABOUTME: Verifies header layout, saturation, flags, and truncated input
package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harper/station-input-buffer/internal/domain/flags"
	"github.com/harper/station-input-buffer/internal/domain/timestamp"
)

func TestEncode_Layout(t *testing.T) {
	b := Block{
		Begin:    1 << 40,
		Channels: 2,
		Stride:   2,
		Samples:  []complex64{complex(1, -1), complex(2, -2), complex(3, -3), complex(4, -4)},
		Flags:    flags.New(flags.Interval{Start: 1, End: 2}),
	}

	p, err := Encode(b)
	require.NoError(t, err)

	// header + 4 samples + 1 interval
	assert.Len(t, p, HeaderSize+4*SampleSize+IntervalSize)
	assert.Equal(t, Magic[:], p[0:4])
	assert.Equal(t, uint64(1<<40), binary.LittleEndian.Uint64(p[4:12]))
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(p[12:14]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(p[18:20]))
	assert.Equal(t, int16(-1), int16(binary.LittleEndian.Uint16(p[HeaderSize+2:])))
}

func TestEncode_Saturates(t *testing.T) {
	p, err := Encode(Block{Channels: 1, Stride: 1, Samples: []complex64{complex(1e6, -1e6)}})
	require.NoError(t, err)

	got, err := Decode(p)
	require.NoError(t, err)
	assert.Equal(t, complex64(complex(32767, -32768)), got.Samples[0])
}

func TestEncode_DropsFlagsOutsideBlock(t *testing.T) {
	b := FromChannels(0, [][]complex64{{1, 2, 3}}, 3, flags.New(flags.Interval{Start: 2, End: 10}))
	p, err := Encode(b)
	require.NoError(t, err)

	got, err := Decode(p)
	require.NoError(t, err)
	assert.Equal(t, []flags.Interval{{Start: 2, End: 3}}, got.Flags.Intervals())
}

func TestEncode_RejectsBadStride(t *testing.T) {
	_, err := Encode(Block{Channels: 3, Stride: 2, Samples: make([]complex64, 4)})
	assert.Error(t, err)
}

func TestDecoder_Stream(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		chans := [][]complex64{{complex(float32(i), 0)}, {complex(0, float32(i))}}
		p, err := Encode(FromChannels(timestamp.Index(i*10), chans, 1, nil))
		require.NoError(t, err)
		stream.Write(p)
	}

	d := NewDecoder(&stream)
	for i := 0; i < 3; i++ {
		b, err := d.Next()
		require.NoError(t, err)
		assert.Equal(t, timestamp.Index(i*10), b.Begin)
		assert.Equal(t, []complex64{complex(0, float32(i))}, b.Channel(1))
		assert.True(t, b.Flags.Empty())
	}

	_, err := d.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoder_Truncated(t *testing.T) {
	p, err := Encode(FromChannels(0, [][]complex64{{1, 2}}, 2, nil))
	require.NoError(t, err)

	_, err = Decode(p[:len(p)-1])
	assert.Equal(t, io.ErrUnexpectedEOF, err)

	p[0] = 'X'
	_, err = Decode(p)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestDecode_RejectsOversizedHeader(t *testing.T) {
	var hdr [HeaderSize]byte
	copy(hdr[0:4], Magic[:])
	binary.LittleEndian.PutUint16(hdr[12:14], math.MaxUint16)
	binary.LittleEndian.PutUint16(hdr[14:16], 1)
	binary.LittleEndian.PutUint16(hdr[16:18], math.MaxUint16)

	_, err := Decode(hdr[:])
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestEncode_RejectsOversizedBlock(t *testing.T) {
	stride := 64
	count := MaxValues/stride + 1
	_, err := Encode(Block{Channels: 1, Stride: stride, Samples: make([]complex64, count*stride)})
	assert.ErrorIs(t, err, ErrTooLarge)
}
