// Package sessionlog records the raw byte stream of a console session.
package sessionlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimestampLayout formats the start and close markers.
const TimestampLayout = "2006-01-02 15:04:05 MST"

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("session log is closed")

// Log appends a verbatim transcript to a file. It is safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
	now  func() time.Time
}

// Open creates path if needed and appends a start marker.
func Open(path string) (*Log, error) {
	return open(path, time.Now)
}

func open(path string, now func() time.Time) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	l := &Log{file: file, path: path, now: now}
	if _, err := fmt.Fprintf(file, "--- Log started at %s\n", now().Format(TimestampLayout)); err != nil {
		file.Close()
		return nil, fmt.Errorf("write session log header: %w", err)
	}
	return l, nil
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

func (l *Log) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, ErrClosed
	}
	return l.file.Write(p)
}

// Close appends the close marker and closes the file. Closing twice is a
// no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}

	_, writeErr := fmt.Fprintf(l.file, "\n--- Log closed at %s\n", l.now().Format(TimestampLayout))
	closeErr := l.file.Close()
	l.file = nil
	return errors.Join(writeErr, closeErr)
}
