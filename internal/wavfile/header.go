// Package wavfile writes and reads canonical 44-byte-header PCM WAV files.
//
// The payload length of a live recording is unknown until capture stops,
// so Writer emits a header with zero size fields, streams samples after
// it, and patches ChunkSize (offset 4) and DataSize (offset 40) in
// Finalize.
package wavfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	// HeaderSize is the length of the RIFF/fmt/data header.
	HeaderSize = 44
	// BitsPerSample is the only sample width this package writes.
	BitsPerSample = 16

	chunkSizeOffset = 4
	dataSizeOffset  = 40
	fmtChunkSize    = 16
	formatPCM       = 1
)

// MaxDataSize is the largest payload whose ChunkSize (DataSize + 36) still
// fits the 32-bit RIFF field, just under 4 GiB.
const MaxDataSize = math.MaxUint32 - (HeaderSize - 8)

// ErrTooLarge is returned when a payload exceeds MaxDataSize.
var ErrTooLarge = errors.New("payload too large for a WAV file")

// ErrInvalidHeader is returned by ParseHeader for anything that is not a
// 16-bit PCM canonical WAV header.
var ErrInvalidHeader = errors.New("invalid WAV header")

// Format describes 16-bit PCM audio.
type Format struct {
	SampleRate uint32
	Channels   uint16
}

// ByteRate is SampleRate x Channels x 2.
func (f Format) ByteRate() uint32 {
	return f.SampleRate * uint32(f.Channels) * BitsPerSample / 8
}

// BlockAlign is the size of one frame in bytes.
func (f Format) BlockAlign() uint16 {
	return f.Channels * BitsPerSample / 8
}

// MaxDuration is how much audio fits in one file: about 93 minutes at
// 384 kHz mono.
func (f Format) MaxDuration() time.Duration {
	rate := f.ByteRate()
	if rate == 0 {
		return 0
	}
	frames := uint64(MaxDataSize) / uint64(f.BlockAlign())
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Validate rejects formats that cannot be encoded.
func (f Format) Validate() error {
	if f.SampleRate == 0 {
		return errors.New("sample rate must be positive")
	}
	if f.Channels == 0 {
		return errors.New("channel count must be positive")
	}
	return nil
}

// Header is the decoded 44-byte header.
type Header struct {
	ChunkSize     uint32
	Format        Format
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataSize      uint32
}

// NewHeader returns a header for format whose size fields describe a
// payload of dataSize bytes.
func NewHeader(format Format, dataSize uint32) Header {
	return Header{
		ChunkSize:     HeaderSize - 8 + dataSize,
		Format:        format,
		ByteRate:      format.ByteRate(),
		BlockAlign:    format.BlockAlign(),
		BitsPerSample: BitsPerSample,
		DataSize:      dataSize,
	}
}

// placeholder is the header written before any payload.
func placeholder(format Format) Header {
	h := NewHeader(format, 0)
	h.ChunkSize = 0
	return h
}

// MarshalBinary encodes the header in its little-endian on-disk layout.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, HeaderSize)
	b = append(b, "RIFF"...)
	b = binary.LittleEndian.AppendUint32(b, h.ChunkSize)
	b = append(b, "WAVE"...)
	b = append(b, "fmt "...)
	b = binary.LittleEndian.AppendUint32(b, fmtChunkSize)
	b = binary.LittleEndian.AppendUint16(b, formatPCM)
	b = binary.LittleEndian.AppendUint16(b, h.Format.Channels)
	b = binary.LittleEndian.AppendUint32(b, h.Format.SampleRate)
	b = binary.LittleEndian.AppendUint32(b, h.ByteRate)
	b = binary.LittleEndian.AppendUint16(b, h.BlockAlign)
	b = binary.LittleEndian.AppendUint16(b, h.BitsPerSample)
	b = append(b, "data"...)
	b = binary.LittleEndian.AppendUint32(b, h.DataSize)
	return b, nil
}

// ParseHeader decodes a 44-byte header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	le := binary.LittleEndian

	switch {
	case string(b[0:4]) != "RIFF":
		return Header{}, fmt.Errorf("%w: missing RIFF", ErrInvalidHeader)
	case string(b[8:12]) != "WAVE":
		return Header{}, fmt.Errorf("%w: missing WAVE", ErrInvalidHeader)
	case string(b[12:16]) != "fmt ":
		return Header{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidHeader)
	case le.Uint32(b[16:20]) != fmtChunkSize:
		return Header{}, fmt.Errorf("%w: fmt chunk size %d", ErrInvalidHeader, le.Uint32(b[16:20]))
	case le.Uint16(b[20:22]) != formatPCM:
		return Header{}, fmt.Errorf("%w: audio format %d is not PCM", ErrInvalidHeader, le.Uint16(b[20:22]))
	case string(b[36:40]) != "data":
		return Header{}, fmt.Errorf("%w: missing data chunk", ErrInvalidHeader)
	}

	h := Header{
		ChunkSize: le.Uint32(b[4:8]),
		Format: Format{
			Channels:   le.Uint16(b[22:24]),
			SampleRate: le.Uint32(b[24:28]),
		},
		ByteRate:      le.Uint32(b[28:32]),
		BlockAlign:    le.Uint16(b[32:34]),
		BitsPerSample: le.Uint16(b[34:36]),
		DataSize:      le.Uint32(b[40:44]),
	}
	if h.BitsPerSample != BitsPerSample {
		return Header{}, fmt.Errorf("%w: %d bits per sample", ErrInvalidHeader, h.BitsPerSample)
	}
	return h, nil
}

// ReadHeader reads and decodes the header at the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	b := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	return ParseHeader(b)
}

// EncodeHeader writes a fully resolved header for a payload of dataSize
// bytes. It is meant for outputs that cannot seek, where the payload
// length is known before the first sample is written.
func EncodeHeader(w io.Writer, format Format, dataSize uint32) error {
	if err := format.Validate(); err != nil {
		return err
	}
	if dataSize > MaxDataSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, dataSize)
	}
	b, _ := NewHeader(format, dataSize).MarshalBinary()
	_, err := w.Write(b)
	return err
}
