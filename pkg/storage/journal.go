package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one line of the journal.
type Entry struct {
	Time  time.Time `json:"ts"`
	Event string    `json:"event"`
	Data  any       `json:"data,omitempty"`
}

// Journal records accepted orders, cancels and session transitions.
type Journal interface {
	Append(e Entry) error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal        { return &NopJournal{} }
func (NopJournal) Append(_ Entry) error { return nil }

// FileJournal appends one JSON object per line.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

func (j *FileJournal) Append(e Entry) error {
	line, err := encode(e)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
