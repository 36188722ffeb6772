package consumer

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/plant-recorder/internal/audio"
)

// LiveMonitor streams raw little-endian PCM to a sink, e.g. stdout piped
// into a player. It never touches the recording on disk.
type LiveMonitor struct {
	*drain
	sink     io.Writer
	log      zerolog.Logger
	observer Observer

	buf    []byte
	blocks uint64
	err    error
}

// NewLiveMonitor creates a monitor draining in into sink. observer may be
// nil.
func NewLiveMonitor(in Input, sink io.Writer, poll time.Duration, log zerolog.Logger, observer Observer) *LiveMonitor {
	return &LiveMonitor{
		drain:    newDrain(in, poll),
		sink:     sink,
		log:      log.With().Str("component", "monitor").Logger(),
		observer: observer,
	}
}

// Name implements Consumer.
func (m *LiveMonitor) Name() string { return "monitor" }

// Run drains the input. A sink error is reported once; later blocks are
// drained and dropped.
func (m *LiveMonitor) Run() error {
	m.drain.run(m.write)
	m.log.Debug().Uint64("blocks", m.blocks).Msg("Monitor drained")
	return m.err
}

// Blocks is the number of blocks drained. Valid once Run has returned.
func (m *LiveMonitor) Blocks() uint64 { return m.blocks }

func (m *LiveMonitor) write(b audio.Block) {
	m.blocks++
	if m.err != nil {
		return
	}
	m.buf = b.AppendBytes(m.buf[:0])
	if _, err := m.sink.Write(m.buf); err != nil {
		m.err = fmt.Errorf("monitor sink: %w", err)
		m.log.Warn().Err(err).Uint64("seq", b.Seq).Msg("Monitor sink failed, dropping further blocks")
		return
	}
	m.log.Debug().Uint64("seq", b.Seq).Int("peak", b.Peak()).Msg("Block")
	if m.observer != nil {
		m.observer.BlockWritten(m.Name(), len(m.buf))
	}
}
