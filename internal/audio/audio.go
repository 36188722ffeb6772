package audio

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrNoMicrophoneFound is returned when no input device satisfies the
// selection filter.
var ErrNoMicrophoneFound = errors.New("no microphone found")

// Backend is an audio subsystem that can enumerate input devices and open
// blocking capture streams on them.
type Backend interface {
	Devices() ([]Device, error)
	Open(dev Device, params StreamParams) (Stream, error)
	Close() error
}

// Stream is an open capture stream. Read blocks until buf is full and
// reports whether the hardware dropped input since the previous read.
// Read returns io.EOF when a finite source is exhausted.
type Stream interface {
	Read(buf []int16) (overflowed bool, err error)
	Close() error
}

// Device is a snapshot of one device from enumeration.
type Device struct {
	Index             int
	Name              string
	DefaultSampleRate float64
	MaxInputChannels  int
}

// StreamParams configures a capture stream. Samples are always signed
// 16-bit, interleaved by channel.
type StreamParams struct {
	SampleRate  int
	Channels    int
	BlockFrames int
	Latency     time.Duration
}

// BlockSamples is the number of int16 values in one block.
func (p StreamParams) BlockSamples() int {
	return p.BlockFrames * p.Channels
}

// BlockDuration is the wall-clock span of one block.
func (p StreamParams) BlockDuration() time.Duration {
	if p.SampleRate <= 0 {
		return 0
	}
	return time.Duration(p.BlockFrames) * time.Second / time.Duration(p.SampleRate)
}

// Block is a fixed number of consecutive frames delivered together. The
// same Block value is handed to every consumer, so Samples must never be
// modified after capture.
type Block struct {
	Seq      uint64
	Channels int
	Samples  []int16
	Overflow bool
}

// Frames is the number of frames in the block.
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// ByteLen is the size of the block as 16-bit PCM.
func (b Block) ByteLen() int {
	return len(b.Samples) * 2
}

// AppendBytes appends the samples to dst as little-endian 16-bit PCM.
func (b Block) AppendBytes(dst []byte) []byte {
	for _, s := range b.Samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// Peak returns the largest absolute sample value in the block.
func (b Block) Peak() int {
	peak := 0
	for _, s := range b.Samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
