package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Memory store defaults. Applied when the corresponding option is zero.
const (
	DefaultMaxItems        = 10_000
	DefaultMaxBytes        = 64 << 20 // 64 MiB
	DefaultCleanupInterval = time.Minute
)

// memEntry is one cached value plus its bookkeeping. Size is approximate:
// key length plus serialized value length.
type memEntry struct {
	key       string
	value     []byte
	createdAt time.Time
	expiresAt time.Time
	hits      int64
	size      int
	tags      []string
}

func (e *memEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// MemoryOptions tunes a MemoryStore.
type MemoryOptions struct {
	// MaxItems bounds the entry count. Eviction runs before an insert that
	// would exceed it.
	MaxItems int

	// MaxBytes bounds the approximate total size of keys plus values.
	MaxBytes int64

	// CleanupInterval is how often the background sweeper removes expired
	// entries. Lazy expiry on Get applies regardless.
	CleanupInterval time.Duration
}

// MemoryStore is the in-process LRU+TTL tier.
//
// One mutex guards the LRU list, the key map, the reverse tag index, and the
// statistics, so a reader never observes a torn entry and the stats stay
// consistent with the data. Insertion order is LRU-head-first; a hit moves
// the entry to the tail (MRU).
type MemoryStore struct {
	mu sync.Mutex

	entries map[string]*list.Element // key → element holding *memEntry
	lru     *list.List               // front = LRU, back = MRU
	tagIdx  map[string]map[string]struct{}

	maxItems int
	maxBytes int64

	stats      StoreStats
	byNS       map[string]*NamespaceStats
	totalBytes int64

	done      chan struct{}
	closeOnce sync.Once
}

// StoreStats holds cumulative counters for one tier.
type StoreStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Sets        int64 `json:"sets"`
	Deletes     int64 `json:"deletes"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Entries     int   `json:"entries"`
	TotalBytes  int64 `json:"total_bytes"`
}

// NamespaceStats is the per-namespace breakdown.
type NamespaceStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

// NewMemoryStore creates the store and starts the background sweeper.
// The sweeper stops when ctx is cancelled or Close is called.
func NewMemoryStore(ctx context.Context, opts MemoryOptions) *MemoryStore {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	interval := opts.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	s := &MemoryStore{
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		tagIdx:   make(map[string]map[string]struct{}),
		maxItems: maxItems,
		maxBytes: maxBytes,
		byNS:     make(map[string]*NamespaceStats),
		done:     make(chan struct{}),
	}

	go s.sweep(ctx, interval)

	return s
}

// Get returns the cached value for key. Expired entries are removed lazily
// and reported as a miss. A hit bumps the entry's hit counter and moves it
// to the MRU position.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		s.stats.Misses++
		s.nsStats(key).Misses++
		return nil, false
	}

	e := el.Value.(*memEntry)
	if e.expired(time.Now()) {
		s.removeLocked(el, &s.stats.Expirations)
		s.stats.Misses++
		s.nsStats(key).Misses++
		return nil, false
	}

	e.hits++
	s.lru.MoveToBack(el)
	s.stats.Hits++
	s.nsStats(key).Hits++
	return e.value, true
}

// Set stores value under key for ttl, evicting LRU entries first when the
// insert would exceed the item or byte budget. A non-positive ttl falls back
// to one hour.
func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	now := time.Now()
	e := &memEntry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		size:      len(key) + len(value),
		tags:      tags,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Replace in place when the key already exists.
	if el, ok := s.entries[key]; ok {
		s.removeLocked(el, nil)
	}

	// Evict from the LRU head until the new entry fits.
	for s.lru.Len() > 0 &&
		(s.lru.Len()+1 > s.maxItems || s.totalBytes+int64(e.size) > s.maxBytes) {
		s.removeLocked(s.lru.Front(), &s.stats.Evictions)
	}

	el := s.lru.PushBack(e)
	s.entries[key] = el
	s.totalBytes += int64(e.size)
	for _, tag := range tags {
		keys, ok := s.tagIdx[tag]
		if !ok {
			keys = make(map[string]struct{})
			s.tagIdx[tag] = keys
		}
		keys[key] = struct{}{}
	}

	s.stats.Sets++
	ns := s.nsStats(key)
	ns.Entries++
	ns.Bytes += int64(e.size)

	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeLocked(el, &s.stats.Deletes)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *MemoryStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, el := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.removeLocked(el, &s.stats.Deletes)
			removed++
		}
	}
	return removed, nil
}

// DeleteTag removes every key bearing tag. The reverse index makes this
// proportional to the number of matched keys, not the cache size.
func (s *MemoryStore) DeleteTag(_ context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, ok := s.tagIdx[tag]
	if !ok {
		return 0, nil
	}

	removed := 0
	for key := range keys {
		if el, ok := s.entries[key]; ok {
			s.removeLocked(el, &s.stats.Deletes)
			removed++
		}
	}
	return removed, nil
}

// Stats returns a copy of the cumulative counters.
func (s *MemoryStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.Entries = s.lru.Len()
	st.TotalBytes = s.totalBytes
	return st
}

// NamespaceStats returns the per-namespace breakdown keyed by namespace.
func (s *MemoryStore) NamespaceStats() map[string]NamespaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]NamespaceStats, len(s.byNS))
	for ns, st := range s.byNS {
		out[ns] = *st
	}
	return out
}

// Len returns the current entry count.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Close stops the background sweeper. Entries remain readable.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// removeLocked unlinks el from the list, the key map, the tag index, and the
// namespace accounting. counter, when non-nil, receives the removal reason
// (deletes, evictions, or expirations). Callers must hold s.mu.
func (s *MemoryStore) removeLocked(el *list.Element, counter *int64) {
	e := el.Value.(*memEntry)

	s.lru.Remove(el)
	delete(s.entries, e.key)
	s.totalBytes -= int64(e.size)

	for _, tag := range e.tags {
		if keys, ok := s.tagIdx[tag]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(s.tagIdx, tag)
			}
		}
	}

	ns := s.nsStats(e.key)
	ns.Entries--
	ns.Bytes -= int64(e.size)

	if counter != nil {
		*counter++
	}
}

// nsStats returns the mutable per-namespace record for key's namespace
// (the part before the first ':'). Callers must hold s.mu.
func (s *MemoryStore) nsStats(key string) *NamespaceStats {
	ns := key
	if i := strings.IndexByte(key, ':'); i >= 0 {
		ns = key[:i]
	}
	st, ok := s.byNS[ns]
	if !ok {
		st = &NamespaceStats{}
		s.byNS[ns] = st
	}
	return st
}

// sweep removes expired entries every interval. Natural expiration is
// counted separately from eviction and emits no events.
func (s *MemoryStore) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for _, el := range s.entries {
				if el.Value.(*memEntry).expired(now) {
					s.removeLocked(el, &s.stats.Expirations)
				}
			}
			s.mu.Unlock()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}
