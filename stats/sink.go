// Package stats provides the ordered key/value sink that detection cycles
// publish into and that rendering/reporting layers read from.
//
// Semantics:
//   - Upsert: a key seen for the first time is appended, an existing key
//     keeps its position and gets the new value
//   - Snapshots are copies; readers never observe a half-written entry
//   - Single writer (scheduler), any number of readers
package stats

import "sync"

// Entry is one published statistic.
type Entry struct {
	Key   string `json:"key" msgpack:"key"`
	Value string `json:"value" msgpack:"value"`
}

// Sink is an ordered key→value store. The zero value is not usable; use New.
type Sink struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
}

// New creates an empty sink.
func New() *Sink {
	return &Sink{index: make(map[string]int)}
}

// Publish upserts entries in order. The whole batch is applied under one
// lock, so a reader sees either none or all of it.
func (s *Sink) Publish(entries ...Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if i, ok := s.index[e.Key]; ok {
			s.entries[i].Value = e.Value
			continue
		}
		s.index[e.Key] = len(s.entries)
		s.entries = append(s.entries, e)
	}
}

// Clear empties the sink.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.index = make(map[string]int)
}

// Snapshot returns a copy of all entries in first-seen key order.
func (s *Sink) Snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Get returns the current value for key.
func (s *Sink) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[key]
	if !ok {
		return "", false
	}
	return s.entries[i].Value, true
}

// Len returns the number of distinct keys.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
