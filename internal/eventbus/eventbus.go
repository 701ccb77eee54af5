// Package eventbus is an in-process publish-subscribe bus with typed
// events, wildcard subscriptions, bounded history, and an optional
// file-backed store for replay (see store.go).
package eventbus

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Standard event types emitted by the gateway and its adapters.
const (
	TypeAPICallStarted    = "api.call.started"
	TypeAPICallCompleted  = "api.call.completed"
	TypeErrorOccurred     = "error.occurred"
	TypeHealthCheckFailed = "health.check.failed"
	TypeBotStarted        = "bot.started"
	TypeBotStopped        = "bot.stopped"
	TypeMessageReceived   = "message.received"
	TypeMessageSent       = "message.sent"
)

// Event is one immutable published record.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// UserID returns the event's user attribution, when present.
func (e Event) UserID() string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data["user_id"].(string)
	return s
}

// Filter narrows event sets for subscribers, history queries, and replay.
// Zero fields match everything.
type Filter struct {
	Type   string
	UserID string
	Limit  int
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && !matchPattern(f.Type, e.Type) {
		return false
	}
	if f.UserID != "" && e.UserID() != f.UserID {
		return false
	}
	return true
}

// matchPattern matches an event type against a literal pattern, a "*"
// wildcard, or a "prefix.*" wildcard suffix.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(eventType, prefix+".")
	}
	return false
}

// Callback handles one delivered event.
type Callback func(Event)

// subscriber is one registration. Guarded by the Bus mutex.
type subscriber struct {
	name     string
	patterns []string
	priority int
	filter   func(Event) bool
	callback Callback
	order    int
}

func (s *subscriber) wants(e Event) bool {
	for _, p := range s.patterns {
		if matchPattern(p, e.Type) {
			return true
		}
	}
	return false
}

// Stats counts bus activity since start.
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Errors      int64 `json:"errors"`
	Subscribers int   `json:"subscribers"`
	Queued      int   `json:"queued"`
	HistorySize int   `json:"history_size"`
}

// Options tunes a Bus.
type Options struct {
	// MaxHistory caps the event history ring. Default 100.
	MaxHistory int

	// MaxQueue caps the pause queue; publishes beyond it are dropped and
	// counted. Default 1000.
	MaxQueue int

	Logger *slog.Logger
}

// Bus dispatches published events to matching subscribers in priority
// order, serially per event. One mutex guards the subscriber list, the
// history ring, and the pause queue; callbacks run outside it.
type Bus struct {
	mu        sync.Mutex
	subs      []*subscriber
	nextOrder int
	history   []Event
	paused    bool
	queue     []Event

	maxHistory int
	maxQueue   int
	log        *slog.Logger

	published int64
	delivered int64
	dropped   int64
	errors    int64
}

// New creates a bus.
func New(opts Options) *Bus {
	maxHistory := opts.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	maxQueue := opts.MaxQueue
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		maxHistory: maxHistory,
		maxQueue:   maxQueue,
		log:        log,
	}
}

// Subscribe registers a callback for the given type patterns. Higher
// priority subscribers receive each event first; equal priorities deliver
// in subscription order. A nil filter accepts every matching event.
func (b *Bus) Subscribe(name string, patterns []string, priority int, filter func(Event) bool, cb Callback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, &subscriber{
		name:     name,
		patterns: patterns,
		priority: priority,
		filter:   filter,
		callback: cb,
		order:    b.nextOrder,
	})
	b.nextOrder++

	sort.SliceStable(b.subs, func(i, j int) bool {
		if b.subs[i].priority != b.subs[j].priority {
			return b.subs[i].priority > b.subs[j].priority
		}
		return b.subs[i].order < b.subs[j].order
	})
}

// Unsubscribe removes the named subscriber. It reports whether one was
// removed.
func (b *Bus) Unsubscribe(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.name == name {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish creates an event of the given type and dispatches it. The
// returned event carries the assigned id and timestamp.
func (b *Bus) Publish(eventType string, data map[string]any) Event {
	return b.PublishCorrelated(eventType, data, "")
}

// PublishCorrelated is Publish with a correlation id linking related
// events (all events of one gateway request share one id).
func (b *Bus) PublishCorrelated(eventType string, data map[string]any, correlationID string) Event {
	e := Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Timestamp:     time.Now(),
		Data:          data,
		CorrelationID: correlationID,
	}

	b.mu.Lock()
	b.published++
	b.recordLocked(e)

	if b.paused {
		if len(b.queue) >= b.maxQueue {
			b.dropped++
			b.mu.Unlock()
			return e
		}
		b.queue = append(b.queue, e)
		b.mu.Unlock()
		return e
	}

	targets := b.targetsLocked(e)
	b.mu.Unlock()

	b.deliver(e, targets)
	return e
}

// recordLocked appends to the history ring, evicting FIFO past the cap.
func (b *Bus) recordLocked(e Event) {
	b.history = append(b.history, e)
	if len(b.history) > b.maxHistory {
		b.history = b.history[len(b.history)-b.maxHistory:]
	}
}

// targetsLocked snapshots the subscribers matching the event, already in
// dispatch order.
func (b *Bus) targetsLocked(e Event) []*subscriber {
	var targets []*subscriber
	for _, s := range b.subs {
		if s.wants(e) {
			targets = append(targets, s)
		}
	}
	return targets
}

// deliver invokes the callbacks serially, isolating panics so one bad
// subscriber cannot starve the rest.
func (b *Bus) deliver(e Event, targets []*subscriber) {
	for _, s := range targets {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		b.invoke(e, s)
	}
}

func (b *Bus) invoke(e Event, s *subscriber) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.errors++
			b.mu.Unlock()
			b.log.Error("subscriber panicked",
				slog.String("subscriber", s.name),
				slog.String("event_type", e.Type),
				slog.Any("panic", r))
		}
	}()

	s.callback(e)

	b.mu.Lock()
	b.delivered++
	b.mu.Unlock()
}

// Pause diverts subsequent publishes onto the bounded internal queue.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume drains the pause queue through the normal dispatch path and
// returns the number of events drained.
func (b *Bus) Resume() int {
	b.mu.Lock()
	b.paused = false
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, e := range queued {
		b.mu.Lock()
		targets := b.targetsLocked(e)
		b.mu.Unlock()
		b.deliver(e, targets)
	}
	return len(queued)
}

// History returns recent events matching the filter, oldest first.
// A zero Limit returns all matches still in the ring.
func (b *Bus) History(f Filter) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Event
	for _, e := range b.history {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// ClearHistory empties the history ring.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		Published:   b.published,
		Delivered:   b.delivered,
		Dropped:     b.dropped,
		Errors:      b.errors,
		Subscribers: len(b.subs),
		Queued:      len(b.queue),
		HistorySize: len(b.history),
	}
}
