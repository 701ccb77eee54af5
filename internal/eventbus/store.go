package eventbus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// FileStore persists events as an append-only stream of JSON lines. The
// file is loaded lazily on first access and rewritten on Flush; max-size
// enforcement is FIFO over the in-memory set.
type FileStore struct {
	mu      sync.Mutex
	path    string
	maxSize int
	events  []Event
	loaded  bool
	dirty   bool
}

// NewFileStore creates a store over the given path. maxSize <= 0 means
// unbounded.
func NewFileStore(path string, maxSize int) *FileStore {
	return &FileStore{path: path, maxSize: maxSize}
}

// StoreEvent appends the event, evicting the oldest past the size cap.
func (s *FileStore) StoreEvent(e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}

	s.events = append(s.events, e)
	if s.maxSize > 0 && len(s.events) > s.maxSize {
		s.events = s.events[len(s.events)-s.maxSize:]
	}
	s.dirty = true
	return nil
}

// GetEvents returns stored events matching the filter in chronological
// order.
func (s *FileStore) GetEvents(f Filter) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sortChronological(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

// ReplayEvents feeds matching events to the handler in chronological
// order, regardless of storage order. A handler error stops the replay.
func (s *FileStore) ReplayEvents(handler func(Event) error, f Filter) (int, error) {
	events, err := s.GetEvents(f)
	if err != nil {
		return 0, err
	}

	for i, e := range events {
		if err := handler(e); err != nil {
			return i, fmt.Errorf("replay handler at event %d: %w", i, err)
		}
	}
	return len(events), nil
}

// Flush rewrites the backing file with the current event set.
func (s *FileStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return err
	}
	if !s.dirty {
		return nil
	}

	f, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, e := range s.events {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush event store: %w", err)
	}

	s.dirty = false
	return nil
}

// Clear drops every stored event, in memory and on disk.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = nil
	s.loaded = true
	s.dirty = false

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove event store: %w", err)
	}
	return nil
}

// Len reports the number of stored events.
func (s *FileStore) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(); err != nil {
		return 0, err
	}
	return len(s.events), nil
}

// loadLocked reads the backing file on first access. Lines that fail to
// decode are skipped so one corrupt record cannot poison the store.
func (s *FileStore) loadLocked() error {
	if s.loaded {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("open event store: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		s.events = append(s.events, e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event store: %w", err)
	}

	if s.maxSize > 0 && len(s.events) > s.maxSize {
		s.events = s.events[len(s.events)-s.maxSize:]
		s.dirty = true
	}
	s.loaded = true
	return nil
}

func sortChronological(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
