// Package staging owns the scratch files recordings are written to and the
// move that publishes them into the recordings directory.
package staging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	tempExt  = ".raw"
	finalExt = ".wav"
	// NameLayout formats a session start time as MM-DD--HH-MM-SS.
	NameLayout = "01-02--15-04-05"
)

// ErrOrphanedTempFile is returned by Reserve when the cache directory holds
// a scratch file that no live session owns, typically left by a crash.
var ErrOrphanedTempFile = errors.New("orphaned temp file in cache directory")

// IOError is a filesystem failure on a session's files. Path names the file
// that still holds the data.
type IOError struct {
	Op     string
	Path   string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("%s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Stager hands out scratch paths and publishes finished files.
type Stager struct {
	cacheDir      string
	recordingsDir string

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a stager. Directories are created lazily by EnsureDirs.
func New(cacheDir, recordingsDir string) *Stager {
	return &Stager{
		cacheDir:      cacheDir,
		recordingsDir: recordingsDir,
		active:        make(map[string]struct{}),
	}
}

// CacheDir is the scratch directory.
func (s *Stager) CacheDir() string { return s.cacheDir }

// RecordingsDir is where finished recordings are published.
func (s *Stager) RecordingsDir() string { return s.recordingsDir }

// EnsureDirs creates the cache and recordings directories if needed.
func (s *Stager) EnsureDirs() error {
	for _, dir := range []string{s.cacheDir, s.recordingsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &IOError{Op: "mkdir", Path: dir, Err: err}
		}
	}
	return nil
}

// Orphans lists scratch files in the cache directory that no lease owns.
func (s *Stager) Orphans() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphansLocked()
}

func (s *Stager) orphansLocked() ([]string, error) {
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &IOError{Op: "readdir", Path: s.cacheDir, Err: err}
	}

	var orphans []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), tempExt) {
			continue
		}
		path := filepath.Join(s.cacheDir, e.Name())
		if _, live := s.active[path]; !live {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// Reserve allocates a unique scratch path for a session that started at
// start. It refuses while an orphaned scratch file exists; recovering one
// is left to the operator.
func (s *Stager) Reserve(start time.Time) (*Lease, error) {
	if err := s.EnsureDirs(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orphans, err := s.orphansLocked()
	if err != nil {
		return nil, err
	}
	if len(orphans) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrOrphanedTempFile, strings.Join(orphans, ", "))
	}

	id := uuid.New()
	temp := filepath.Join(s.cacheDir, id.String()+tempExt)
	if _, dup := s.active[temp]; dup {
		return nil, fmt.Errorf("temp path %s already reserved", temp)
	}
	s.active[temp] = struct{}{}

	return &Lease{
		stager:    s,
		ID:        id,
		TempPath:  temp,
		FinalPath: filepath.Join(s.recordingsDir, start.Format(NameLayout)+finalExt),
	}, nil
}

func (s *Stager) release(temp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, temp)
}

// Lease is one session's claim on a scratch path.
type Lease struct {
	stager    *Stager
	ID        uuid.UUID
	TempPath  string
	FinalPath string

	mu       sync.Mutex
	released bool
	result   string
}

// Create opens the scratch file. It fails if the file already exists.
func (l *Lease) Create() (*os.File, error) {
	f, err := os.OpenFile(l.TempPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &IOError{Op: "create", Path: l.TempPath, Err: err}
	}
	return f, nil
}

// Commit renames the scratch file into the recordings directory and
// returns the published path. If FinalPath is taken, a numeric suffix is
// added; an existing recording is never replaced. The rename must stay on
// one filesystem; a failed rename leaves the scratch file where it is and
// keeps the lease held.
func (l *Lease) Commit() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return l.result, nil
	}

	final, err := availableName(l.FinalPath)
	if err != nil {
		return "", &IOError{Op: "stat", Path: l.FinalPath, Err: err}
	}
	if err := os.Rename(l.TempPath, final); err != nil {
		return "", &IOError{Op: "rename", Path: l.TempPath, Err: err}
	}

	l.released = true
	l.result = final
	l.stager.release(l.TempPath)
	return final, nil
}

// Discard removes the scratch file and releases the lease.
func (l *Lease) Discard() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	if err := os.Remove(l.TempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Path: l.TempPath, Err: err}
	}
	l.released = true
	l.stager.release(l.TempPath)
	return nil
}

// Abandon releases the lease but leaves the scratch file in the cache. The
// file then counts as an orphan and blocks further reservations until an
// operator deals with it.
func (l *Lease) Abandon() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.stager.release(l.TempPath)
}

// Released reports whether Commit, Discard or Abandon has completed.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func availableName(path string) (string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 2; ; i++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d%s", base, i, ext)
	}
}
