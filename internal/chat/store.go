// Package chat holds the in-memory message store, its cache fingerprint,
// the read/write engine and the real-time broadcast hub.
package chat

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
)

// Entry is one participant's message within a timestamp bucket.
type Entry struct {
	Room string `json:"room"`
	Body string `json:"msg"`
}

// Bucket maps participant name to that participant's entry.
type Bucket map[string]Entry

// Snapshot maps timestamp key to bucket. It is the wire shape of reads.
type Snapshot map[string]Bucket

// WriteOutcome describes what a Write changed.
type WriteOutcome struct {
	BucketCreated bool
	EntryCreated  bool
	Fingerprint   string
}

// Store is the authoritative message set. Every mutation recomputes the
// fingerprint inside the same critical section, so a reader never sees a
// fingerprint that disagrees with the data it validates.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]Bucket
	entries int
	fp      Fingerprint
}

// NewStore creates an empty store with the fingerprint of "{}".
func NewStore() *Store {
	s := &Store{buckets: make(map[string]Bucket)}
	s.recomputeLocked()
	return s
}

// Write creates the bucket if absent and inserts or overwrites the
// participant's entry. Buckets are never removed.
func (s *Store) Write(timestamp, participant, room, body string) WriteOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out WriteOutcome
	b, ok := s.buckets[timestamp]
	if !ok {
		b = make(Bucket)
		s.buckets[timestamp] = b
		out.BucketCreated = true
	}
	if _, exists := b[participant]; !exists {
		out.EntryCreated = true
		s.entries++
	}
	b[participant] = Entry{Room: room, Body: body}

	out.Fingerprint = s.recomputeLocked()
	return out
}

// QueryByRoom returns every entry whose room equals room, grouped by
// timestamp. Buckets without a matching entry are left out.
func (s *Store) QueryByRoom(room string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(room)
}

// All returns a copy of the whole store.
func (s *Store) All() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(Snapshot, len(s.buckets))
	for ts, b := range s.buckets {
		cp := make(Bucket, len(b))
		for name, e := range b {
			cp[name] = e
		}
		out[ts] = cp
	}
	return out
}

// Conditional compares validator with the fingerprint and, on a mismatch,
// runs the room query, all under one read lock. When notModified is true
// the snapshot is nil.
func (s *Store) Conditional(validator, room string) (snap Snapshot, fingerprint string, notModified bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fingerprint = s.fp.Value()
	if s.fp.Matches(validator) {
		return nil, fingerprint, true
	}
	return s.queryLocked(room), fingerprint, false
}

// Fingerprint returns the current cache validator.
func (s *Store) Fingerprint() string {
	return s.fp.Value()
}

// Matches reports whether validator equals the current fingerprint and
// returns that fingerprint, both read under one lock.
func (s *Store) Matches(validator string) (matched bool, fingerprint string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fp.Matches(validator), s.fp.Value()
}

// PatchBodies appends fragment to every body containing url that does not
// already carry it. The fingerprint is left as is, so clients holding a
// cached copy keep seeing the unpatched bodies until the next write.
func (s *Store) PatchBodies(url, fragment string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, b := range s.buckets {
		for name, e := range b {
			if strings.Contains(e.Body, url) && !strings.Contains(e.Body, fragment) {
				e.Body += fragment
				b[name] = e
				n++
			}
		}
	}
	return n
}

// Stats returns the number of buckets and entries.
func (s *Store) Stats() (buckets, entries int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets), s.entries
}

func (s *Store) queryLocked(room string) Snapshot {
	out := make(Snapshot)
	for ts, b := range s.buckets {
		var match Bucket
		for name, e := range b {
			if e.Room != room {
				continue
			}
			if match == nil {
				match = make(Bucket)
			}
			match[name] = e
		}
		if match != nil {
			out[ts] = match
		}
	}
	return out
}

// recomputeLocked serializes the store and refreshes the fingerprint.
// encoding/json sorts map keys, so equal contents hash equally.
func (s *Store) recomputeLocked() string {
	data, err := json.Marshal(s.buckets)
	if err != nil {
		// Not reachable for string-only maps; keep the old validator.
		slog.Error("serializing store for fingerprint", "error", err)
		return s.fp.Value()
	}
	return s.fp.Recompute(data)
}
