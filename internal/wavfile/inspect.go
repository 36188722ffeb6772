package wavfile

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// Info summarizes a WAV file on disk.
type Info struct {
	Path       string
	FileSize   int64
	Format     Format
	BitDepth   int
	ChunkSize  uint32
	DataSize   uint32
	PCMSize    int
	Duration   time.Duration
	// Consistent is true when both size fields agree with the file size.
	Consistent bool
}

// Inspect decodes the file at path with go-audio/wav and cross-checks the
// raw size fields against the file length.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Info{}, err
	}

	h, err := ReadHeader(f)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Info{}, err
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return Info{}, fmt.Errorf("%s: not a valid wav file", path)
	}
	if err := dec.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("%s: locate PCM data: %w", path, err)
	}

	info := Info{
		Path:     path,
		FileSize: st.Size(),
		Format: Format{
			SampleRate: dec.SampleRate,
			Channels:   dec.NumChans,
		},
		BitDepth:  int(dec.BitDepth),
		ChunkSize: h.ChunkSize,
		DataSize:  h.DataSize,
		PCMSize:   dec.PCMSize,
	}
	if rate := info.Format.ByteRate(); rate > 0 {
		info.Duration = time.Duration(int64(h.DataSize) * int64(time.Second) / int64(rate))
	}
	info.Consistent = int64(h.ChunkSize) == st.Size()-8 && int64(h.DataSize) == st.Size()-HeaderSize
	return info, nil
}
