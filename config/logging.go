package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

const (
	maxLogSize  = 10 * 1024 * 1024 // 10MB
	maxLogFiles = 3                // Keep 3 backup files
)

// RotatingFile is an append-only log file that rolls over to .1, .2, ...
// once it grows past maxSize.
type RotatingFile struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	maxSize int64
	backups int
}

// OpenRotatingFile opens path for appending, rotating first if it is already too big
func OpenRotatingFile(path string, maxSize int64, backups int) (*RotatingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	r := &RotatingFile{path: path, maxSize: maxSize, backups: backups}

	if info, err := os.Stat(path); err == nil {
		r.size = info.Size()
		if r.size >= maxSize {
			if err := r.rotate(); err != nil {
				return nil, fmt.Errorf("failed to rotate logs: %w", err)
			}
		}
	}

	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) open() error {
	file, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	r.file = file
	if info, err := file.Stat(); err == nil {
		r.size = info.Size()
	}
	return nil
}

// rotate shifts path.N to path.N+1, dropping the oldest, and moves path to path.1
func (r *RotatingFile) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	os.Remove(fmt.Sprintf("%s.%d", r.path, r.backups))
	for i := r.backups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", r.path, i), fmt.Sprintf("%s.%d", r.path, i+1))
	}

	if err := os.Rename(r.path, r.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	r.size = 0
	return nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}

	if r.size > 0 && r.size+int64(len(p)) > r.maxSize {
		if err := r.rotate(); err != nil {
			return 0, err
		}
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// SetupLogging points the standard logger at the configured log file,
// mirrored to stderr in debug mode. The returned func restores stderr and
// closes the file.
func SetupLogging(cfg *Config) (func(), error) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if cfg.LogFile == "" {
		if !cfg.Debug {
			log.SetOutput(io.Discard)
		}
		return func() { log.SetOutput(os.Stderr) }, nil
	}

	file, err := OpenRotatingFile(cfg.LogFile, maxLogSize, maxLogFiles)
	if err != nil {
		return nil, err
	}

	var out io.Writer = file
	if cfg.Debug {
		out = io.MultiWriter(file, os.Stderr)
	}
	log.SetOutput(out)
	log.Printf("=== shiori started (version %s, commit %s) ===", Version, GitCommit)

	return func() {
		log.SetOutput(os.Stderr)
		file.Close()
	}, nil
}
