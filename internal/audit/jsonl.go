package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends one JSON document per line to a file opened with O_APPEND
type JSONLSink struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewJSONLSink opens (or creates) the audit file at path
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &JSONLSink{path: path, file: file}, nil
}

// Name implements Sink
func (s *JSONLSink) Name() string { return "jsonl" }

// Path returns the file being appended to
func (s *JSONLSink) Path() string { return s.path }

// Write implements Sink
func (s *JSONLSink) Write(_ context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit file %s is closed", s.path)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Close implements Sink
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// ReadJSONL reads every entry from a JSONL audit file in order
func ReadJSONL(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("audit file %s line %d: %w", path, line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit file: %w", err)
	}
	return entries, nil
}
