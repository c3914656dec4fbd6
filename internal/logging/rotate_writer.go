package logging

import (
	"fmt"
	"os"
	"sync"
)

const (
	defaultMaxLogSize    = 10 * 1024 * 1024
	defaultMaxLogBackups = 5
)

// rotateWriter is a size-bounded log file. When a write would grow the file
// past maxSize, path is renamed to path.1 (shifting older backups up to
// maxBackups) and a fresh file is opened.
type rotateWriter struct {
	path       string
	maxSize    int64
	maxBackups int
	mu         sync.Mutex
	file       *os.File
}

func newRotateWriter(path string, maxSize int64, maxBackups int) (*rotateWriter, error) {
	if maxSize <= 0 {
		maxSize = defaultMaxLogSize
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxLogBackups
	}
	rw := &rotateWriter{path: path, maxSize: maxSize, maxBackups: maxBackups}
	if err := rw.open(); err != nil {
		return nil, err
	}
	return rw, nil
}

func (rw *rotateWriter) open() error {
	f, err := os.OpenFile(rw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	rw.file = f
	return nil
}

func (rw *rotateWriter) Write(p []byte) (int, error) {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		if err := rw.open(); err != nil {
			return 0, err
		}
	}
	fi, err := rw.file.Stat()
	if err == nil && fi.Size() > 0 && fi.Size()+int64(len(p)) > rw.maxSize {
		_ = rw.file.Close()
		rw.file = nil
		if err := rw.rotate(); err != nil {
			return 0, err
		}
		if err := rw.open(); err != nil {
			return 0, err
		}
	}
	return rw.file.Write(p)
}

func (rw *rotateWriter) rotate() error {
	for i := rw.maxBackups - 1; i >= 1; i-- {
		older := fmt.Sprintf("%s.%d", rw.path, i)
		if _, err := os.Stat(older); err == nil {
			_ = os.Rename(older, fmt.Sprintf("%s.%d", rw.path, i+1))
		}
	}
	if err := os.Rename(rw.path, rw.path+".1"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return nil
}

func (rw *rotateWriter) Sync() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file != nil {
		return rw.file.Sync()
	}
	return nil
}

func (rw *rotateWriter) Close() error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	if rw.file == nil {
		return nil
	}
	err := rw.file.Close()
	rw.file = nil
	return err
}
