// Package consumer holds the goroutines at the end of the pipeline. Every
// consumer drains its own queue and only exits once the queue is empty, so
// a block handed to a consumer is never silently lost on shutdown.
package consumer

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/queue"
)

// DefaultPoll is the bounded wait used when none is configured.
const DefaultPoll = 250 * time.Millisecond

// Consumer is one drain loop. Run blocks until the input is drained; Stop
// only raises a flag and the caller joins by waiting for Run to return.
type Consumer interface {
	Name() string
	Run() error
	Stop()
}

// Input is the queue a consumer drains. *queue.Queue[audio.Block]
// satisfies it.
type Input interface {
	Get(timeout time.Duration) (audio.Block, error)
	Len() int
}

// Observer is told how many bytes each consumer handled. Implementations
// must be safe for concurrent use.
type Observer interface {
	BlockWritten(consumer string, bytes int)
}

type drain struct {
	in       Input
	poll     time.Duration
	stopping atomic.Bool
}

func newDrain(in Input, poll time.Duration) *drain {
	if poll <= 0 {
		poll = DefaultPoll
	}
	return &drain{in: in, poll: poll}
}

// Stop asks the loop to exit once its input is empty. Safe to call more
// than once.
func (d *drain) Stop() {
	d.stopping.Store(true)
}

// run hands blocks to handle until the input is closed and empty, or Stop
// was called and the input is empty.
func (d *drain) run(handle func(audio.Block)) {
	for {
		if d.stopping.Load() && d.in.Len() == 0 {
			return
		}
		b, err := d.in.Get(d.poll)
		switch {
		case err == nil:
			handle(b)
		case errors.Is(err, queue.ErrClosed):
			return
		case errors.Is(err, queue.ErrTimeout):
		default:
			return
		}
	}
}
