// Package audiotest provides a scripted capture backend for tests.
package audiotest

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/petems/plant-recorder/internal/audio"
)

// Backend is an in-memory audio.Backend. Streams it opens deliver Blocks
// reads (forever when Blocks < 0) and then return io.EOF.
type Backend struct {
	DeviceList []audio.Device
	// Blocks is the number of blocks each stream delivers; < 0 is unlimited.
	Blocks int
	// Pace is slept before every read to mimic hardware timing.
	Pace time.Duration
	// OverflowEvery marks every n-th read (1-based) as overflowed.
	OverflowEvery int
	// FailAfter makes the read after this many blocks return ReadErr.
	FailAfter int
	ReadErr   error
	OpenErr   error

	mu        sync.Mutex
	opened    []StreamRecord
	exhausted chan struct{}
	once      sync.Once
}

// StreamRecord remembers the parameters of an opened stream.
type StreamRecord struct {
	Device audio.Device
	Params audio.StreamParams
}

// Devices returns DeviceList.
func (b *Backend) Devices() ([]audio.Device, error) {
	return b.DeviceList, nil
}

// Open creates a scripted stream.
func (b *Backend) Open(dev audio.Device, params audio.StreamParams) (audio.Stream, error) {
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	b.mu.Lock()
	b.opened = append(b.opened, StreamRecord{Device: dev, Params: params})
	b.mu.Unlock()
	return &stream{backend: b}, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

// Opened lists every stream opened so far.
func (b *Backend) Opened() []StreamRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StreamRecord(nil), b.opened...)
}

// Exhausted is closed once a stream has delivered all of its blocks.
func (b *Backend) Exhausted() <-chan struct{} {
	b.once.Do(func() { b.exhausted = make(chan struct{}) })
	return b.exhausted
}

func (b *Backend) markExhausted() {
	ch := b.Exhausted()
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

type stream struct {
	backend *Backend
	reads   int
	closed  bool
}

func (s *stream) Read(buf []int16) (bool, error) {
	if s.closed {
		return false, errors.New("read on closed stream")
	}
	b := s.backend
	if b.ReadErr != nil && s.reads == b.FailAfter {
		return false, b.ReadErr
	}
	if b.Blocks >= 0 && s.reads >= b.Blocks {
		b.markExhausted()
		return false, io.EOF
	}
	if b.Pace > 0 {
		time.Sleep(b.Pace)
	}

	Fill(buf, s.reads)
	s.reads++
	overflowed := b.OverflowEvery > 0 && s.reads%b.OverflowEvery == 0
	if b.Blocks >= 0 && s.reads == b.Blocks {
		b.markExhausted()
	}
	return overflowed, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}

// Fill writes the deterministic pattern for block seq into buf.
func Fill(buf []int16, seq int) {
	for i := range buf {
		buf[i] = int16((seq*31 + i) % 65536)
	}
}
