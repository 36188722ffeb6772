// Package recorder runs recording sessions: it wires a capture source, the
// distributor and the consumers together and shuts them down in order.
package recorder

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/config"
	"github.com/petems/plant-recorder/internal/consumer"
	"github.com/petems/plant-recorder/internal/distribute"
	"github.com/petems/plant-recorder/internal/metrics"
	"github.com/petems/plant-recorder/internal/queue"
	"github.com/petems/plant-recorder/internal/staging"
	"github.com/petems/plant-recorder/internal/wavfile"
)

var (
	// ErrSessionActive is returned by Start while a session is capturing.
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrNotRecording is returned by Stop when no session was ever started.
	ErrNotRecording = errors.New("no recording session")
)

type State int

const (
	Capturing State = iota
	Finalizing
	Persisted
	Failed
)

func (s State) String() string {
	switch s {
	case Capturing:
		return "capturing"
	case Finalizing:
		return "finalizing"
	case Persisted:
		return "persisted"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is a snapshot of one recording.
type Session struct {
	ID         uuid.UUID
	Device     audio.Device
	SampleRate int
	Channels   int
	StartTime  time.Time
	TempPath   string
	FinalPath  string
	State      State
	Blocks     uint64
	Overflows  uint64
	Dropped    uint64 // lost at the capture queue
	Err        error
}

// StatusUpdater is notified of session state changes (e.g., a status line)
type StatusUpdater interface {
	SetState(s Session)
}

type Config struct {
	Backend  audio.Backend
	Settings *config.Config
	Stager   *staging.Stager
	Metrics  *metrics.Metrics // Optional
	Logger   zerolog.Logger
	Monitor  io.Writer        // Optional - raw PCM tap
	Status   StatusUpdater    // Optional
	Now      func() time.Time // Optional - defaults to time.Now
}

type Recorder struct {
	backend audio.Backend
	cfg     *config.Config
	stager  *staging.Stager
	metrics *metrics.Metrics
	log     zerolog.Logger
	monitor io.Writer
	status  StatusUpdater
	now     func() time.Time

	mu      sync.Mutex
	session *Session
	active  *pipeline
}

// pipeline holds the goroutines of the active session.
type pipeline struct {
	source    *audio.Source
	capture   *queue.Queue[audio.Block]
	dist      *distribute.Distributor
	persister *consumer.FilePersister
	consumers []consumer.Consumer
	done      []chan error
}

func New(cfg Config) *Recorder {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		backend: cfg.Backend,
		cfg:     cfg.Settings,
		stager:  cfg.Stager,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		monitor: cfg.Monitor,
		status:  cfg.Status,
		now:     now,
	}
}

// Start begins a session. Device selection happens before anything is
// written to disk, so ErrNoMicrophoneFound leaves the filesystem untouched.
func (r *Recorder) Start() (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return Session{}, ErrSessionActive
	}

	src := audio.NewSource(r.backend, r.log, r.metrics)
	dev, err := src.Select(r.cfg.Filter())
	if err != nil {
		return Session{}, err
	}

	start := r.now()
	lease, err := r.stager.Reserve(start)
	if err != nil {
		return Session{}, err
	}

	params := r.cfg.StreamParams()
	p, err := r.buildPipeline(src, lease, params)
	if err != nil {
		return Session{}, err
	}

	log := r.log.With().Str("session", lease.ID.String()).Logger()
	p.run()
	if err := src.Start(dev, params, p.capture); err != nil {
		p.shutdown()
		log.Error().Err(err).Msg("Failed to start capture")
		return Session{}, err
	}

	r.active = p
	r.session = &Session{
		ID:         lease.ID,
		Device:     dev,
		SampleRate: params.SampleRate,
		Channels:   params.Channels,
		StartTime:  start,
		TempPath:   lease.TempPath,
		FinalPath:  lease.FinalPath,
		State:      Capturing,
	}
	r.metrics.SessionStarted()
	r.notifyLocked()

	log.Info().
		Str("device", dev.Name).
		Str("temp", lease.TempPath).
		Msg("Recording started")
	return *r.session, nil
}

func (r *Recorder) buildPipeline(src *audio.Source, lease *staging.Lease, params audio.StreamParams) (*pipeline, error) {
	capacity := r.cfg.Queue.Capacity
	policy := r.cfg.QueuePolicy()
	poll := r.cfg.Queue.PollInterval
	newQueue := func() *queue.Queue[audio.Block] {
		return queue.New[audio.Block](capacity, policy)
	}

	fileQ := newQueue()
	persister, err := consumer.NewFilePersister(consumer.PersisterConfig{
		Input: fileQ,
		Lease: lease,
		Format: wavfile.Format{
			SampleRate: uint32(params.SampleRate),
			Channels:   uint16(params.Channels),
		},
		Poll:     poll,
		Logger:   r.log,
		Observer: r.metrics,
	})
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		source:    src,
		capture:   newQueue(),
		persister: persister,
	}
	p.dist = distribute.New(p.capture, poll, r.log, r.metrics)
	p.attach(persister, fileQ)

	if r.monitor != nil {
		monQ := newQueue()
		p.attach(consumer.NewLiveMonitor(monQ, r.monitor, poll, r.log, r.metrics), monQ)
	}
	return p, nil
}

func (p *pipeline) attach(c consumer.Consumer, q *queue.Queue[audio.Block]) {
	// Names are unique by construction.
	_ = p.dist.Attach(c.Name(), q)
	p.consumers = append(p.consumers, c)
}

// run starts the consumers, then the distributor.
func (p *pipeline) run() {
	for _, c := range p.consumers {
		done := make(chan error, 1)
		p.done = append(p.done, done)
		go func() { done <- c.Run() }()
	}
	_ = p.dist.Start()
}

// shutdown stops every stage upstream first so each one drains what the
// previous stage already accepted. It returns the error of each consumer
// in attachment order.
func (p *pipeline) shutdown() (captureErr error, consumerErrs []error) {
	p.source.Stop()
	captureErr = p.source.Wait()
	p.capture.Close()

	p.dist.Stop()
	p.dist.Wait()

	for _, c := range p.consumers {
		c.Stop()
	}
	for _, done := range p.done {
		consumerErrs = append(consumerErrs, <-done)
	}
	return captureErr, consumerErrs
}

// Stop ends the active session and returns the published file. Calling it
// again returns the same path and a nil error.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		if r.session == nil {
			return "", ErrNotRecording
		}
		return r.session.FinalPath, nil
	}

	p := r.active
	s := r.session
	log := r.log.With().Str("session", s.ID.String()).Logger()

	s.State = Finalizing
	r.notifyLocked()
	log.Info().Msg("Stopping recording")

	captureErr, consumerErrs := p.shutdown()
	r.active = nil

	res := p.persister.Result()
	persistErr := consumerErrs[0]
	for i, err := range consumerErrs[1:] {
		if err != nil {
			log.Warn().Err(err).Str("consumer", p.consumers[i+1].Name()).Msg("Consumer finished with error")
		}
	}

	s.Blocks = res.Blocks
	s.Overflows = p.source.Overflows()
	s.Dropped = p.source.Dropped()
	s.FinalPath = res.Path
	s.Err = errors.Join(persistErr, captureErr)

	outcome := metrics.OutcomePersisted
	switch {
	case persistErr == nil && res.Path != "":
		s.State = Persisted
		s.TempPath = ""
	case errors.Is(persistErr, consumer.ErrEmptyRecording):
		s.State = Failed
		s.TempPath = ""
		outcome = metrics.OutcomeEmpty
	default:
		s.State = Failed
		if res.Path != "" {
			s.TempPath = ""
		}
		outcome = metrics.OutcomeFailed
	}
	r.metrics.SessionEnded(outcome, int64(res.Header.DataSize))
	r.notifyLocked()

	ev := log.Info()
	if s.Err != nil {
		ev = log.Error().Err(s.Err)
	}
	ev.Str("state", s.State.String()).
		Str("path", s.FinalPath).
		Uint64("blocks", s.Blocks).
		Uint64("overflows", s.Overflows).
		Uint64("dropped", s.Dropped).
		Msg("Recording stopped")

	return s.FinalPath, s.Err
}

// Session returns a snapshot of the active or most recent session.
func (r *Recorder) Session() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return Session{}, false
	}
	if r.active != nil {
		r.session.Blocks = r.active.source.Captured()
		r.session.Overflows = r.active.source.Overflows()
		r.session.Dropped = r.active.source.Dropped()
	}
	return *r.session, true
}

// CaptureDone is closed when the active session's capture loop exits, e.g.
// on a device error. It returns nil when no session is active.
func (r *Recorder) CaptureDone() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil
	}
	return r.active.source.Done()
}

// IsRecording reports whether a session is capturing.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Devices lists the backend's devices.
func (r *Recorder) Devices() ([]audio.Device, error) {
	return r.backend.Devices()
}

func (r *Recorder) notifyLocked() {
	if r.status != nil {
		r.status.SetState(*r.session)
	}
}
