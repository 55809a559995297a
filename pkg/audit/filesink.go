// Package audit - file-based JSON-lines sink
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends audit events to a JSON-lines file. Entries are
// buffered and flushed in batches to keep the dispatcher loop cheap.
type FileSink struct {
	path       string
	file       *os.File
	buffer     []Event
	bufferSize int
	mu         sync.Mutex
}

// NewFileSink opens (creating if needed) the audit log file
func NewFileSink(path string, bufferSize int) (*FileSink, error) {
	if bufferSize <= 0 {
		bufferSize = 100
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	return &FileSink{
		path:       path,
		file:       file,
		buffer:     make([]Event, 0, bufferSize),
		bufferSize: bufferSize,
	}, nil
}

// Write implements Sink
func (s *FileSink) Write(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		return s.flushLocked()
	}
	return nil
}

// Flush writes buffered entries to disk
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileSink) flushLocked() error {
	if s.file == nil || len(s.buffer) == 0 {
		return nil
	}

	for _, event := range s.buffer {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if _, err := s.file.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("failed to write audit entry: %w", err)
		}
	}

	s.buffer = s.buffer[:0]
	return s.file.Sync()
}

// Close flushes and closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(); err != nil {
		return err
	}
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
