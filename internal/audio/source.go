package audio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink receives captured blocks. It is satisfied by *queue.Queue[Block].
type Sink interface {
	Put(b Block) error
}

// Observer is notified of capture events. Implementations must be safe for
// use from the capture goroutine.
type Observer interface {
	BlockCaptured(b Block)
	Overflow(seq uint64)
	// CaptureDropped reports audio lost at the sink: a block evicted to
	// make room for seq, or seq itself if the sink refused it.
	CaptureDropped(seq uint64)
}

// Source owns a capture stream and runs the read loop that turns it into
// blocks.
type Source struct {
	backend  Backend
	log      zerolog.Logger
	observer Observer

	stopping  atomic.Bool
	captured  atomic.Uint64
	overflows atomic.Uint64
	dropped   atomic.Uint64

	mu      sync.Mutex
	started bool
	done    chan struct{}
	err     error
}

// NewSource creates a capture source on backend. observer may be nil.
func NewSource(backend Backend, log zerolog.Logger, observer Observer) *Source {
	return &Source{
		backend:  backend,
		log:      log.With().Str("component", "capture").Logger(),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// Select enumerates the backend's devices and applies f.
func (s *Source) Select(f Filter) (Device, error) {
	devices, err := s.backend.Devices()
	if err != nil {
		return Device{}, fmt.Errorf("enumerate devices: %w", err)
	}
	return Select(devices, f)
}

// Start opens the stream and spawns the read loop, which pushes every block
// into out until Stop is called or the stream fails. Opening errors are
// returned synchronously. A Source can be started once.
func (s *Source) Start(dev Device, params StreamParams, out Sink) error {
	if params.BlockFrames <= 0 || params.Channels <= 0 {
		return fmt.Errorf("invalid stream params: %d frames x %d channels", params.BlockFrames, params.Channels)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("capture source already started")
	}

	stream, err := s.backend.Open(dev, params)
	if err != nil {
		return fmt.Errorf("open device %d (%s): %w", dev.Index, dev.Name, err)
	}
	s.started = true

	s.log.Info().
		Int("device", dev.Index).
		Str("name", dev.Name).
		Int("sample_rate", params.SampleRate).
		Int("channels", params.Channels).
		Int("block_frames", params.BlockFrames).
		Msg("Capture started")

	go s.loop(stream, params, out)
	return nil
}

// Stop asks the read loop to exit after the read in progress. It does not
// interrupt a blocked hardware read.
func (s *Source) Stop() {
	s.stopping.Store(true)
}

// Wait blocks until the read loop has exited and returns the error that
// ended it, if any. Wait on a source that was never started returns nil.
func (s *Source) Wait() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	<-s.done
	return s.err
}

// Done is closed when the read loop exits, whether it was stopped or the
// stream ended on its own.
func (s *Source) Done() <-chan struct{} { return s.done }

// Captured is the number of blocks pushed so far.
func (s *Source) Captured() uint64 { return s.captured.Load() }

// Overflows is the number of reads that reported dropped input.
func (s *Source) Overflows() uint64 { return s.overflows.Load() }

// Dropped is the number of blocks lost because the sink was full or closed.
func (s *Source) Dropped() uint64 { return s.dropped.Load() }

func (s *Source) loop(stream Stream, params StreamParams, out Sink) {
	defer close(s.done)
	defer func() {
		if err := stream.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close capture stream")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("capture loop panic: %v", r)
			s.log.Error().Err(s.err).Msg("Capture aborted")
		}
	}()

	var seq uint64
	for !s.stopping.Load() {
		buf := make([]int16, params.BlockSamples())
		overflowed, err := stream.Read(buf)
		if errors.Is(err, io.EOF) {
			s.log.Info().Uint64("blocks", seq).Msg("Capture stream ended")
			return
		}
		if err != nil {
			s.err = fmt.Errorf("read block %d: %w", seq, err)
			s.log.Error().Err(err).Uint64("seq", seq).Msg("Capture aborted")
			return
		}

		block := Block{Seq: seq, Channels: params.Channels, Samples: buf, Overflow: overflowed}
		if overflowed {
			s.overflows.Add(1)
			s.log.Warn().Uint64("seq", seq).Msg("Input overflowed, samples dropped")
			if s.observer != nil {
				s.observer.Overflow(seq)
			}
		}

		if err := out.Put(block); err != nil {
			s.dropped.Add(1)
			s.log.Warn().Err(err).Uint64("seq", seq).Msg("Capture queue lost a block")
			if s.observer != nil {
				s.observer.CaptureDropped(seq)
			}
		}
		s.captured.Add(1)
		if s.observer != nil {
			s.observer.BlockCaptured(block)
		}
		seq++
	}

	s.log.Info().
		Uint64("blocks", seq).
		Uint64("overflows", s.overflows.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("Capture stopped")
}
