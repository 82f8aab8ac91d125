package sitecatalog

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/pebble"
)

const recordSize = 9 + 4 // site9 (fixed 9 bytes, space-padded) + interval (uint32 big endian)

// localCache is the Pebble-backed durable mirror of the last successfully
// loaded catalog, so the Dispatcher can still start (and keep running)
// across a configuration-database outage between reloads: readers always
// see a consistent snapshot, and the durable mirror extends that
// guarantee across process restarts. A cache opened with an empty path is
// a no-op: Open still works, but nothing survives a restart.
type localCache struct {
	db *pebble.DB
}

func openLocalCache(path string) (*localCache, error) {
	if strings.TrimSpace(path) == "" {
		return &localCache{}, nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("ensure cache directory: %w", err)
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble cache: %w", err)
	}
	return &localCache{db: db}, nil
}

func (c *localCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// replace atomically overwrites the entire durable mirror with byShort.
func (c *localCache) replace(byShort map[string]Entry) error {
	if c == nil || c.db == nil {
		return nil
	}
	batch := c.db.NewBatch()
	defer batch.Close()

	iter, err := c.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("iterate existing cache: %w", err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return fmt.Errorf("clear existing cache entry: %w", err)
		}
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("close cache iterator: %w", err)
	}

	for site4, entry := range byShort {
		if err := batch.Set([]byte(site4), encodeEntry(entry), nil); err != nil {
			return fmt.Errorf("stage cache entry %s: %w", site4, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit cache batch: %w", err)
	}
	return nil
}

func (c *localCache) loadAll() (map[string]Entry, error) {
	if c == nil || c.db == nil {
		return nil, fmt.Errorf("local cache is disabled")
	}
	iter, err := c.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("iterate cache: %w", err)
	}
	defer iter.Close()

	out := make(map[string]Entry)
	for iter.First(); iter.Valid(); iter.Next() {
		entry, ok := decodeEntry(iter.Value())
		if !ok {
			continue
		}
		out[string(iter.Key())] = entry
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate cache: %w", err)
	}
	return out, nil
}

func encodeEntry(e Entry) []byte {
	buf := make([]byte, recordSize)
	site9 := e.Site9
	if len(site9) > 9 {
		site9 = site9[:9]
	}
	copy(buf, []byte(fmt.Sprintf("%-9s", site9)))
	binary.BigEndian.PutUint32(buf[9:], uint32(e.Interval))
	return buf
}

func decodeEntry(raw []byte) (Entry, bool) {
	if len(raw) != recordSize {
		return Entry{}, false
	}
	site9 := strings.TrimRight(string(raw[:9]), " ")
	interval := binary.BigEndian.Uint32(raw[9:])
	return Entry{Site9: site9, Interval: int(interval)}, true
}
