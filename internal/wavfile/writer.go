package wavfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFinalized is returned by writes after Finalize.
var ErrFinalized = errors.New("wav writer already finalized")

// Writer streams 16-bit PCM after a placeholder header.
type Writer struct {
	ws      io.WriteSeeker
	buf     *bufio.Writer
	format  Format
	scratch []byte
	// written counts payload bytes handed to buf.
	written int64
	done    bool
}

// NewWriter writes the placeholder header to ws, which must be positioned
// at offset 0.
func NewWriter(ws io.WriteSeeker, format Format) (*Writer, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	w := &Writer{
		ws:     ws,
		buf:    bufio.NewWriterSize(ws, 256*1024),
		format: format,
	}
	b, _ := placeholder(format).MarshalBinary()
	if _, err := w.buf.Write(b); err != nil {
		return nil, fmt.Errorf("write placeholder header: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return nil, fmt.Errorf("write placeholder header: %w", err)
	}
	return w, nil
}

// Format returns the format the writer was created with.
func (w *Writer) Format() Format { return w.format }

// PayloadBytes is the number of payload bytes accepted so far.
func (w *Writer) PayloadBytes() int64 { return w.written }

// WriteSamples appends samples as little-endian PCM.
func (w *Writer) WriteSamples(samples []int16) error {
	if w.done {
		return ErrFinalized
	}
	w.scratch = w.scratch[:0]
	for _, s := range samples {
		w.scratch = binary.LittleEndian.AppendUint16(w.scratch, uint16(s))
	}
	n, err := w.buf.Write(w.scratch)
	w.written += int64(n)
	return err
}

// Flush pushes buffered payload to the underlying writer.
func (w *Writer) Flush() error {
	return w.buf.Flush()
}

// Finalize flushes the payload, measures the file and patches the two size
// fields. It does not close the underlying file.
func (w *Writer) Finalize() (Header, error) {
	if w.done {
		return Header{}, ErrFinalized
	}
	w.done = true

	if err := w.buf.Flush(); err != nil {
		return Header{}, fmt.Errorf("flush payload: %w", err)
	}
	return Patch(w.ws, w.format)
}

// Patch seeks to the end of ws, derives ChunkSize and DataSize from the
// file size and writes them at offsets 4 and 40. A file holding more than
// MaxDataSize payload bytes cannot be described and yields ErrTooLarge;
// the file is left untouched.
func Patch(ws io.WriteSeeker, format Format) (Header, error) {
	size, err := ws.Seek(0, io.SeekEnd)
	if err != nil {
		return Header{}, fmt.Errorf("seek to end: %w", err)
	}
	if size < HeaderSize {
		return Header{}, fmt.Errorf("file is %d bytes, shorter than the header", size)
	}
	if size-HeaderSize > MaxDataSize {
		return Header{}, fmt.Errorf("%w: file is %d bytes", ErrTooLarge, size)
	}

	h := NewHeader(format, uint32(size-HeaderSize))
	var field [4]byte

	binary.LittleEndian.PutUint32(field[:], h.ChunkSize)
	if err := writeAt(ws, chunkSizeOffset, field[:]); err != nil {
		return Header{}, err
	}
	binary.LittleEndian.PutUint32(field[:], h.DataSize)
	if err := writeAt(ws, dataSizeOffset, field[:]); err != nil {
		return Header{}, err
	}
	return h, nil
}

func writeAt(ws io.WriteSeeker, offset int64, b []byte) error {
	if _, err := ws.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seek to %d: %w", offset, err)
	}
	if _, err := ws.Write(b); err != nil {
		return fmt.Errorf("write at %d: %w", offset, err)
	}
	return nil
}
