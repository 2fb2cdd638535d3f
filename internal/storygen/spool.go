package storygen

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const spoolSchemaVersion = 1

type spoolState struct {
	Version int                     `json:"version"`
	Entries []QueuedGenerationEntry `json:"entries"`
}

type fileGenerationSpool struct {
	path     string
	capacity int
	mu       sync.Mutex
	entries  []QueuedGenerationEntry
}

// NewFileGenerationSpool opens (or creates) a durable spool at path. Entries
// survive process restart; writes are atomic via temp file + rename.
func NewFileGenerationSpool(path string, capacity int) (GenerationSpool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 256
	}
	s := &fileGenerationSpool{
		path:     path,
		capacity: capacity,
		entries:  []QueuedGenerationEntry{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileGenerationSpool) Append(entry QueuedGenerationEntry) error {
	if strings.TrimSpace(entry.Request.RequestID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Request.RequestID == entry.Request.RequestID {
			s.entries[i] = entry
			return s.saveLocked()
		}
	}
	if len(s.entries) >= s.capacity {
		return ErrQueueFull
	}
	s.entries = append(s.entries, entry)
	if err := s.saveLocked(); err != nil {
		s.entries = s.entries[:len(s.entries)-1]
		return err
	}
	return nil
}

func (s *fileGenerationSpool) Update(entry QueuedGenerationEntry) error {
	if strings.TrimSpace(entry.Request.RequestID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Request.RequestID == entry.Request.RequestID {
			previous := s.entries[i]
			s.entries[i] = entry
			if err := s.saveLocked(); err != nil {
				s.entries[i] = previous
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *fileGenerationSpool) Remove(requestID string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Request.RequestID == requestID {
			removed := s.entries[i]
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			if err := s.saveLocked(); err != nil {
				s.entries = append(s.entries[:i], append([]QueuedGenerationEntry{removed}, s.entries[i:]...)...)
				return err
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *fileGenerationSpool) Snapshot() []QueuedGenerationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedEntries(s.entries)
}

func (s *fileGenerationSpool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Reload re-reads the spool file, picking up entries appended by another
// process. A reload after our own save is a harmless no-op.
func (s *fileGenerationSpool) Reload() error {
	return s.load()
}

func (s *fileGenerationSpool) Close() error {
	return nil
}

func (s *fileGenerationSpool) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot spoolState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Version != spoolSchemaVersion && !(snapshot.Version == 0 && len(snapshot.Entries) == 0) {
		return fmt.Errorf("%w: unsupported spool version %d", ErrInvalidInput, snapshot.Version)
	}
	entries := snapshot.Entries
	if len(entries) > s.capacity {
		entries = entries[len(entries)-s.capacity:]
	}
	s.entries = append([]QueuedGenerationEntry(nil), entries...)
	return nil
}

func (s *fileGenerationSpool) saveLocked() error {
	snapshot := spoolState{
		Version: spoolSchemaVersion,
		Entries: append([]QueuedGenerationEntry(nil), s.entries...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

type memoryGenerationSpool struct {
	capacity int
	mu       sync.Mutex
	entries  []QueuedGenerationEntry
}

func NewMemoryGenerationSpool(capacity int) GenerationSpool {
	if capacity <= 0 {
		capacity = 256
	}
	return &memoryGenerationSpool{
		capacity: capacity,
		entries:  []QueuedGenerationEntry{},
	}
}

func (s *memoryGenerationSpool) Append(entry QueuedGenerationEntry) error {
	if strings.TrimSpace(entry.Request.RequestID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Request.RequestID == entry.Request.RequestID {
			s.entries[i] = entry
			return nil
		}
	}
	if len(s.entries) >= s.capacity {
		return ErrQueueFull
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memoryGenerationSpool) Update(entry QueuedGenerationEntry) error {
	if strings.TrimSpace(entry.Request.RequestID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Request.RequestID == entry.Request.RequestID {
			s.entries[i] = entry
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryGenerationSpool) Remove(requestID string) error {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].Request.RequestID == requestID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryGenerationSpool) Snapshot() []QueuedGenerationEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedEntries(s.entries)
}

func (s *memoryGenerationSpool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memoryGenerationSpool) Reload() error {
	return nil
}

func (s *memoryGenerationSpool) Close() error {
	return nil
}

// sortedEntries returns a FIFO copy ordered by submission time, with the
// request id as a stable tiebreak.
func sortedEntries(entries []QueuedGenerationEntry) []QueuedGenerationEntry {
	out := append([]QueuedGenerationEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		left := out[i].Request.SubmittedAt
		right := out[j].Request.SubmittedAt
		if left.Equal(right) {
			return out[i].Request.RequestID < out[j].Request.RequestID
		}
		return left.Before(right)
	})
	return out
}
