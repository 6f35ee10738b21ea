// Package tempspool manages the numbered temporary files ExternalSorter
// spills sorted runs to. It owns tempfile handles and names exclusively;
// no other package opens or removes a file under its base directory.
package tempspool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/flowkit/flowkit/internal/recordio"
)

// ErrOutOfResources is returned by Reopen when the process is at its
// file-descriptor or memory limit. It is not fatal: callers must back off
// and open fewer files at once.
var ErrOutOfResources = errors.New("tempspool: out of resources reopening tempfile")

// Config configures a TempSpool.
type Config struct {
	Directory string // base directory; defaults to os.TempDir() if empty
	Prefix    string // filename prefix
	Codec     recordio.Algorithm
}

// TempSpool assigns monotonically increasing indices to tempfiles under
// one directory and tracks which indices are still live so Teardown can
// unlink everything on any exit path, signals included.
type TempSpool struct {
	dir    string
	prefix string
	codec  recordio.Codec
	logger *logrus.Logger

	mu       sync.Mutex
	nextIdx  int
	live     map[int]struct{}
	torndown bool
}

// New constructs a TempSpool rooted at cfg.Directory (or os.TempDir()).
func New(cfg Config, logger *logrus.Logger) (*TempSpool, error) {
	dir := cfg.Directory
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tempspool: create directory %s: %w", dir, err)
	}
	codec, err := recordio.Resolve(cfg.Codec)
	if err != nil {
		return nil, err
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "flowkit-tmp"
	}
	return &TempSpool{
		dir:    dir,
		prefix: prefix,
		codec:  codec,
		logger: logger,
		live:   make(map[int]struct{}),
	}, nil
}

func (s *TempSpool) path(idx int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%08d", s.prefix, idx))
}

// Create allocates the next index and opens it for writing.
func (s *TempSpool) Create() (int, io.WriteCloser, error) {
	s.mu.Lock()
	if s.torndown {
		s.mu.Unlock()
		return 0, nil, errors.New("tempspool: spool already torn down")
	}
	idx := s.nextIdx
	s.nextIdx++
	s.live[idx] = struct{}{}
	s.mu.Unlock()

	f, err := os.OpenFile(s.path(idx), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		s.mu.Lock()
		delete(s.live, idx)
		s.mu.Unlock()
		return 0, nil, fmt.Errorf("tempspool: create %d: %w", idx, err)
	}
	wc, err := s.codec.NewWriter(f)
	if err != nil {
		f.Close()
		return 0, nil, fmt.Errorf("tempspool: wrap writer %d: %w", idx, err)
	}
	return idx, &writeStream{f: f, wc: wc}, nil
}

// Reopen opens index idx for reading. Per the contract, a resource-
// exhaustion condition (EMFILE, out of memory) returns ErrOutOfResources
// rather than a hard error so the caller can retry with fewer files open.
func (s *TempSpool) Reopen(idx int) (io.ReadCloser, error) {
	s.mu.Lock()
	if s.torndown {
		s.mu.Unlock()
		return nil, errors.New("tempspool: spool already torn down")
	}
	if _, ok := s.live[idx]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("tempspool: unknown index %d", idx)
	}
	s.mu.Unlock()

	f, err := os.Open(s.path(idx))
	if err != nil {
		if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) || errors.Is(err, syscall.ENOMEM) {
			return nil, ErrOutOfResources
		}
		return nil, fmt.Errorf("tempspool: reopen %d: %w", idx, err)
	}
	rc, err := s.codec.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tempspool: wrap reader %d: %w", idx, err)
	}
	return &readStream{f: f, rc: rc}, nil
}

// Remove unlinks index idx. Safe to call even if already removed.
func (s *TempSpool) Remove(idx int) {
	s.mu.Lock()
	delete(s.live, idx)
	s.mu.Unlock()
	if err := os.Remove(s.path(idx)); err != nil && !os.IsNotExist(err) {
		if s.logger != nil {
			s.logger.WithError(err).WithField("index", idx).Warn("tempspool: remove failed")
		}
	}
}

// Teardown unlinks every still-known index. Called on every exit path,
// including signal-driven shutdown. After Teardown the spool is unusable.
func (s *TempSpool) Teardown() {
	s.mu.Lock()
	indices := make([]int, 0, len(s.live))
	for idx := range s.live {
		indices = append(indices, idx)
	}
	s.live = make(map[int]struct{})
	s.torndown = true
	s.mu.Unlock()

	for _, idx := range indices {
		if err := os.Remove(s.path(idx)); err != nil && !os.IsNotExist(err) {
			if s.logger != nil {
				s.logger.WithError(err).WithField("index", idx).Warn("tempspool: teardown remove failed")
			}
		}
	}
}

type writeStream struct {
	f  *os.File
	wc io.WriteCloser
}

func (w *writeStream) Write(p []byte) (int, error) { return w.wc.Write(p) }

// Close closes the compressor first (to flush trailing frames) then the
// underlying file. A failed close on a writable stream is fatal, per the
// TempSpool contract: a short/failed flush means the run on disk is not
// trustworthy.
func (w *writeStream) Close() error {
	if err := w.wc.Close(); err != nil {
		w.f.Close()
		return fmt.Errorf("tempspool: closing writable stream: %w", err)
	}
	return w.f.Close()
}

type readStream struct {
	f  *os.File
	rc io.ReadCloser
}

func (r *readStream) Read(p []byte) (int, error) { return r.rc.Read(p) }

// Close closes a readable stream. Per the contract, failure here is
// logged by the caller and ignored, not propagated as fatal.
func (r *readStream) Close() error {
	err := r.rc.Close()
	r.f.Close()
	return err
}
