// Package distribute fans captured blocks out to every consumer queue.
package distribute

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/queue"
)

// Input is the capture queue.
type Input interface {
	Get(timeout time.Duration) (audio.Block, error)
	Len() int
}

// Output is a consumer queue. Close signals end of stream to the consumer.
type Output interface {
	Put(b audio.Block) error
	Close()
}

// Observer is told about blocks a consumer queue did not take as-is.
type Observer interface {
	BlockDropped(consumer string)
}

type output struct {
	name     string
	q        Output
	rejected atomic.Uint64
}

// Distributor copies every block from its input into each attached output
// in attachment order.
type Distributor struct {
	in       Input
	poll     time.Duration
	log      zerolog.Logger
	observer Observer

	mu      sync.Mutex
	outs    []*output
	started bool
	done    chan struct{}

	stopping  atomic.Bool
	forwarded atomic.Uint64
}

// New creates a distributor reading from in with bounded waits of poll.
// observer may be nil.
func New(in Input, poll time.Duration, log zerolog.Logger, observer Observer) *Distributor {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	return &Distributor{
		in:       in,
		poll:     poll,
		log:      log.With().Str("component", "distributor").Logger(),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// Attach adds an output. Outputs must be attached before Start.
func (d *Distributor) Attach(name string, out Output) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return fmt.Errorf("attach %s: distributor already started", name)
	}
	for _, o := range d.outs {
		if o.name == name {
			return fmt.Errorf("attach %s: name already attached", name)
		}
	}
	d.outs = append(d.outs, &output{name: name, q: out})
	return nil
}

// Start spawns the distribution loop.
func (d *Distributor) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("distributor already started")
	}
	if len(d.outs) == 0 {
		return errors.New("distributor has no outputs")
	}
	d.started = true
	go d.loop()
	return nil
}

// Stop asks the loop to exit once the input is empty.
func (d *Distributor) Stop() {
	d.stopping.Store(true)
}

// Wait joins the loop. Every output is closed by the time Wait returns.
func (d *Distributor) Wait() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if !started {
		return
	}
	<-d.done
}

// Forwarded is the number of blocks taken from the input.
func (d *Distributor) Forwarded() uint64 { return d.forwarded.Load() }

// Rejected is the number of puts the named output refused or answered by
// evicting an older block.
func (d *Distributor) Rejected(name string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, o := range d.outs {
		if o.name == name {
			return o.rejected.Load()
		}
	}
	return 0
}

func (d *Distributor) loop() {
	defer close(d.done)
	defer d.closeOutputs()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("Distributor aborted")
		}
	}()

	for {
		if d.stopping.Load() && d.in.Len() == 0 {
			break
		}
		b, err := d.in.Get(d.poll)
		if errors.Is(err, queue.ErrTimeout) {
			continue
		}
		if err != nil {
			break
		}
		d.forward(b)
	}
	d.log.Debug().Uint64("forwarded", d.forwarded.Load()).Msg("Distributor drained")
}

func (d *Distributor) forward(b audio.Block) {
	d.forwarded.Add(1)
	for _, o := range d.outs {
		if err := o.q.Put(b); err != nil {
			o.rejected.Add(1)
			if d.observer != nil {
				d.observer.BlockDropped(o.name)
			}
			d.log.Warn().Err(err).Str("consumer", o.name).Uint64("seq", b.Seq).Msg("Consumer queue rejected block")
		}
	}
}

func (d *Distributor) closeOutputs() {
	for _, o := range d.outs {
		o.q.Close()
	}
}
