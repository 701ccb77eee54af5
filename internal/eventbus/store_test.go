package eventbus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T, maxSize int) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	return NewFileStore(path, maxSize), path
}

func mkEvent(eventType string, ts time.Time, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: ts,
		Data:      data,
	}
}

func TestFileStore_StoreAndGet(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	for i := 0; i < 3; i++ {
		e := mkEvent(TypeAPICallCompleted, now.Add(time.Duration(i)*time.Second), nil)
		if err := s.StoreEvent(e); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
	}

	got, err := s.GetEvents(Filter{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("stored %d events, want 3", len(got))
	}
}

func TestFileStore_FlushAndReload(t *testing.T) {
	s, path := newTestStore(t, 0)
	now := time.Now()

	e := mkEvent(TypeBotStarted, now, map[string]any{"user_id": "u1"})
	if err := s.StoreEvent(e); err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// A fresh store over the same file loads on demand.
	s2 := NewFileStore(path, 0)
	got, err := s2.GetEvents(Filter{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != e.ID || got[0].UserID() != "u1" {
		t.Fatalf("reloaded %+v", got)
	}
}

func TestFileStore_MaxSizeFIFO(t *testing.T) {
	s, _ := newTestStore(t, 2)
	now := time.Now()

	first := mkEvent(TypeBotStarted, now, nil)
	_ = s.StoreEvent(first)
	_ = s.StoreEvent(mkEvent(TypeBotStarted, now.Add(time.Second), nil))
	_ = s.StoreEvent(mkEvent(TypeBotStarted, now.Add(2*time.Second), nil))

	got, _ := s.GetEvents(Filter{})
	if len(got) != 2 {
		t.Fatalf("store holds %d events, want cap 2", len(got))
	}
	for _, e := range got {
		if e.ID == first.ID {
			t.Fatal("oldest event should have been evicted first")
		}
	}
}

func TestFileStore_ReplayChronological(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	// Insert out of chronological order.
	_ = s.StoreEvent(mkEvent(TypeMessageSent, now.Add(2*time.Second), nil))
	_ = s.StoreEvent(mkEvent(TypeMessageSent, now, nil))
	_ = s.StoreEvent(mkEvent(TypeMessageSent, now.Add(time.Second), nil))

	var stamps []time.Time
	n, err := s.ReplayEvents(func(e Event) error {
		stamps = append(stamps, e.Timestamp)
		return nil
	}, Filter{})
	if err != nil {
		t.Fatalf("ReplayEvents: %v", err)
	}
	if n != 3 {
		t.Fatalf("replayed %d, want 3", n)
	}
	for i := 1; i < len(stamps); i++ {
		if stamps[i].Before(stamps[i-1]) {
			t.Fatalf("replay out of chronological order: %v", stamps)
		}
	}
}

func TestFileStore_ReplayHandlerErrorStops(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	for i := 0; i < 3; i++ {
		_ = s.StoreEvent(mkEvent(TypeBotStarted, now.Add(time.Duration(i)*time.Second), nil))
	}

	wantErr := errors.New("handler refused")
	calls := 0
	n, err := s.ReplayEvents(func(Event) error {
		calls++
		if calls == 2 {
			return wantErr
		}
		return nil
	}, Filter{})

	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
	if n != 1 || calls != 2 {
		t.Fatalf("replayed %d before failing at call %d", n, calls)
	}
}

func TestFileStore_GetEventsFilter(t *testing.T) {
	s, _ := newTestStore(t, 0)
	now := time.Now()

	_ = s.StoreEvent(mkEvent(TypeMessageReceived, now, map[string]any{"user_id": "u1"}))
	_ = s.StoreEvent(mkEvent(TypeMessageSent, now.Add(time.Second), map[string]any{"user_id": "u1"}))
	_ = s.StoreEvent(mkEvent(TypeMessageReceived, now.Add(2*time.Second), map[string]any{"user_id": "u2"}))

	got, err := s.GetEvents(Filter{Type: TypeMessageReceived, UserID: "u1"})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 1 || got[0].UserID() != "u1" {
		t.Fatalf("filtered result = %+v", got)
	}
}

func TestFileStore_Clear(t *testing.T) {
	s, path := newTestStore(t, 0)

	_ = s.StoreEvent(mkEvent(TypeBotStarted, time.Now(), nil))
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if n, _ := s.Len(); n != 0 {
		t.Fatalf("store holds %d events after Clear", n)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("backing file should be removed")
	}
}

func TestFileStore_SkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	good := mkEvent(TypeBotStarted, time.Now(), nil)

	s := NewFileStore(path, 0)
	_ = s.StoreEvent(good)
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString("{not json}\n")
	f.Close()

	s2 := NewFileStore(path, 0)
	got, err := s2.GetEvents(Filter{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != good.ID {
		t.Fatalf("loaded %+v, want only the good event", got)
	}
}
