// Package dedup implements the inbound event suppressor: filesystem
// events keyed by absolute path collapse into a map whose value is the
// last-seen timestamp, and only entries older than the configured minimum
// age are drained for processing. This absorbs the burst of inotify
// events a single file transfer generates (CREATE, MODIFY, MODIFY, ...,
// CLOSE_WRITE) into one unit of work.
package dedup

import (
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

// shardCount must remain a power of two so shard selection can use bit
// masking instead of a modulo.
const shardCount = 16

type pathEntry struct {
	path string
	last time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]pathEntry
}

// Suppressor coalesces repeated events for the same path within a short
// window. Touch is called on every raw filesystem event; Drain periodically
// pulls out the paths that have gone quiet for at least MinAge.
type Suppressor struct {
	minAge time.Duration
	shards [shardCount]shard
}

// New creates a Suppressor that only drains an entry once it has not been
// touched for at least minAge.
func New(minAge time.Duration) *Suppressor {
	s := &Suppressor{minAge: minAge}
	for i := range s.shards {
		s.shards[i].entries = make(map[uint64]pathEntry)
	}
	return s
}

func (s *Suppressor) shardFor(hash uint64) *shard {
	return &s.shards[hash&(shardCount-1)]
}

// Touch records path as seen at now, collapsing any prior unseen event for
// the same path into a single pending entry.
func (s *Suppressor) Touch(path string, now time.Time) {
	hash := xxh3.HashString(path)
	sh := s.shardFor(hash)
	sh.mu.Lock()
	sh.entries[hash] = pathEntry{path: path, last: now}
	sh.mu.Unlock()
}

// Drain removes and returns every path whose last-seen timestamp is older
// than MinAge as of now. Order across shards is unspecified.
func (s *Suppressor) Drain(now time.Time) []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for hash, entry := range sh.entries {
			if now.Sub(entry.last) >= s.minAge {
				out = append(out, entry.path)
				delete(sh.entries, hash)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// Pending reports how many paths are currently buffered, awaiting quiescence.
func (s *Suppressor) Pending() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
