package ban

import (
	"sort"
	"sync"
	"time"
)

// Entry is a time-bounded denial record for a source key. An entry is a
// standalone fact: whether a source is banned depends only on ExpiresAt,
// never on the suspicion score that produced it.
type Entry struct {
	ID        string    `json:"id,omitempty"`
	SourceKey string    `json:"source_key"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
}

// Expired reports whether the entry is no longer in force at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Store is the per-process view of active bans. Lookups never perform I/O;
// cross-process consistency is reached by applying broadcast entries, which
// may arrive duplicated or out of order.
type Store struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewStore() *Store {
	return &Store{entries: make(map[string]Entry)}
}

// Apply merges an entry into the store. Merging is last-write-wins by maximum
// expiry: an identical or older entry for a key never shortens the ban already
// held, so applying the same broadcast twice is harmless. It reports whether
// the stored state changed.
func (s *Store) Apply(e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[e.SourceKey]
	if ok && !e.ExpiresAt.After(cur.ExpiresAt) {
		return false
	}
	s.entries[e.SourceKey] = e
	return true
}

// Lift removes any ban for the key, regardless of expiry.
func (s *Store) Lift(sourceKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[sourceKey]; !ok {
		return false
	}
	delete(s.entries, sourceKey)
	return true
}

// IsBanned reports whether an unexpired entry exists for the key. Expired
// entries are deleted lazily on lookup.
func (s *Store) IsBanned(sourceKey string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sourceKey]
	if !ok {
		return false
	}
	if e.Expired(now) {
		delete(s.entries, sourceKey)
		return false
	}
	return true
}

// Get returns the active entry for the key, if any.
func (s *Store) Get(sourceKey string, now time.Time) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sourceKey]
	if !ok || e.Expired(now) {
		return Entry{}, false
	}
	return e, true
}

// Active returns a snapshot of unexpired entries sorted by source key.
func (s *Store) Active(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for key, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, key)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceKey < out[j].SourceKey })
	return out
}

// Len reports the number of entries held, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
