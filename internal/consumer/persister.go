package consumer

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/plant-recorder/internal/audio"
	"github.com/petems/plant-recorder/internal/staging"
	"github.com/petems/plant-recorder/internal/wavfile"
)

// ErrEmptyRecording is returned when a recording ends before any block
// arrived. No file is published.
var ErrEmptyRecording = errors.New("recording is empty")

type scratchFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// createScratch opens the lease's temp file. Tests swap it to inject IO
// faults.
var createScratch = func(l *staging.Lease) (scratchFile, error) {
	return l.Create()
}

// PersisterConfig configures a FilePersister.
type PersisterConfig struct {
	Input    Input
	Lease    *staging.Lease
	Format   wavfile.Format
	Poll     time.Duration
	Logger   zerolog.Logger
	Observer Observer // Optional
}

// Result describes what a FilePersister left on disk.
type Result struct {
	// Path is the published file, empty if nothing was published.
	Path   string
	Header wavfile.Header
	Blocks uint64
	// Discarded counts blocks drained after a write failure.
	Discarded uint64
}

// FilePersister writes its blocks to a temp file behind a placeholder WAV
// header and publishes the finished file when its input is drained.
type FilePersister struct {
	*drain
	lease    *staging.Lease
	format   wavfile.Format
	file     scratchFile
	w        *wavfile.Writer
	log      zerolog.Logger
	observer Observer

	blocks    uint64
	discarded uint64
	failed    error
	result    Result
}

// NewFilePersister creates the temp file and writes the placeholder header.
// On error the lease is released and nothing is left in the cache.
func NewFilePersister(cfg PersisterConfig) (*FilePersister, error) {
	if err := cfg.Format.Validate(); err != nil {
		return nil, err
	}

	f, err := createScratch(cfg.Lease)
	if err != nil {
		cfg.Lease.Discard()
		return nil, err
	}
	w, err := wavfile.NewWriter(f, cfg.Format)
	if err != nil {
		f.Close()
		cfg.Lease.Discard()
		return nil, &staging.IOError{Op: "write header", Path: cfg.Lease.TempPath, Err: err}
	}

	p := &FilePersister{
		drain:    newDrain(cfg.Input, cfg.Poll),
		lease:    cfg.Lease,
		format:   cfg.Format,
		file:     f,
		w:        w,
		log:      cfg.Logger.With().Str("component", "persister").Str("temp", cfg.Lease.TempPath).Logger(),
		observer: cfg.Observer,
	}
	return p, nil
}

// Name implements Consumer.
func (p *FilePersister) Name() string { return "file" }

// TempPath is the scratch file being written.
func (p *FilePersister) TempPath() string { return p.lease.TempPath }

// Run drains the input, then finalizes and publishes the file. After a
// write failure it keeps draining so upstream never stalls, salvages the
// whole frames already on disk, and returns the write error.
func (p *FilePersister) Run() error {
	p.drain.run(p.write)
	err := p.finish()
	p.result.Blocks = p.blocks
	p.result.Discarded = p.discarded
	return err
}

// Result is valid once Run has returned.
func (p *FilePersister) Result() Result { return p.result }

func (p *FilePersister) write(b audio.Block) {
	p.blocks++
	if p.failed != nil {
		p.discarded++
		return
	}
	before := p.w.PayloadBytes()
	if err := p.w.WriteSamples(b.Samples); err != nil {
		p.fail("write", err)
		p.discarded++
		return
	}
	if p.observer != nil {
		p.observer.BlockWritten(p.Name(), int(p.w.PayloadBytes()-before))
	}
}

func (p *FilePersister) fail(op string, err error) {
	offset, _ := p.file.Seek(0, io.SeekEnd)
	p.failed = &staging.IOError{Op: op, Path: p.lease.TempPath, Offset: offset, Err: err}
	p.log.Error().Err(err).Int64("offset", offset).Uint64("seq", p.blocks-1).
		Msg("Write failed, discarding the rest of the recording")
}

func (p *FilePersister) finish() error {
	if p.blocks == 0 {
		p.file.Close()
		if err := p.lease.Discard(); err != nil {
			p.lease.Abandon()
			return errors.Join(ErrEmptyRecording, err)
		}
		p.log.Warn().Msg("No audio captured, temp file removed")
		return ErrEmptyRecording
	}

	var (
		hdr wavfile.Header
		err error
	)
	if p.failed == nil {
		hdr, err = p.w.Finalize()
		if err != nil {
			p.fail("finalize", err)
		}
	}
	if p.failed != nil {
		hdr, err = p.salvage()
	}
	if err == nil {
		if serr := p.file.Sync(); serr != nil {
			err = &staging.IOError{Op: "sync", Path: p.lease.TempPath, Err: serr}
		}
	}
	if cerr := p.file.Close(); cerr != nil && err == nil {
		err = &staging.IOError{Op: "close", Path: p.lease.TempPath, Err: cerr}
	}
	if err != nil {
		p.lease.Abandon()
		p.log.Error().Err(err).Msg("Finalize failed, recording left in cache")
		return errors.Join(p.failed, err)
	}

	final, err := p.lease.Commit()
	if err != nil {
		p.lease.Abandon()
		p.log.Error().Err(err).Msg("Move failed, recording left in cache")
		return errors.Join(p.failed, err)
	}

	p.result.Path = final
	p.result.Header = hdr
	p.log.Info().
		Str("path", final).
		Uint32("data_size", hdr.DataSize).
		Uint64("blocks", p.blocks).
		Msg("Recording saved")
	return p.failed
}

// salvage cuts the file back to the last whole frame that reached the disk
// and patches the header for that length.
func (p *FilePersister) salvage() (wavfile.Header, error) {
	size, err := p.file.Seek(0, io.SeekEnd)
	if err != nil {
		return wavfile.Header{}, &staging.IOError{Op: "seek", Path: p.lease.TempPath, Err: err}
	}
	payload := max(size-wavfile.HeaderSize, 0)
	keep := wavfile.HeaderSize + payload - payload%int64(p.format.BlockAlign())
	if err := p.file.Truncate(keep); err != nil {
		return wavfile.Header{}, &staging.IOError{Op: "truncate", Path: p.lease.TempPath, Offset: keep, Err: err}
	}
	hdr, err := wavfile.Patch(p.file, p.format)
	if err != nil {
		return wavfile.Header{}, &staging.IOError{Op: "patch header", Path: p.lease.TempPath, Err: err}
	}
	p.log.Warn().Int64("size", keep).Msg("Salvaged partial recording")
	return hdr, nil
}
