// Package eventlog implements the append-only JSON-lines metric event log:
// one line per RunnerInstalled/RunnerStart/RunnerStop/Reconciliation event,
// written with os.OpenFile(O_APPEND) + encoding/json.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Log is a single append-only JSON-lines file, safe for concurrent writers.
type Log struct {
	mu   sync.Mutex
	file *os.File
}

// Open opens (creating if necessary) the event log file at path.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	return &Log{file: f}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	return l.file.Close()
}

// Write marshals event to JSON and appends it as one line.
func (l *Log) Write(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing event log line: %w", err)
	}
	return nil
}
