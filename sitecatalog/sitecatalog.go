// Package sitecatalog is the read-only cache of known ground stations,
// mapping a 4-character short name to its canonical 9-character site
// identity and configured observation interval. The catalog is loaded from
// the configuration database on startup and refreshed on SIGHUP and every
// ~10 minutes of idleness; readers always see a consistent snapshot via an
// atomically-swapped pointer, never a partially applied reload.
package sitecatalog

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/agnivade/levenshtein"
)

// Entry is one known station's resolved identity.
type Entry struct {
	Site9    string
	Interval int
}

type snapshot struct {
	byShort map[string]Entry
}

// Catalog holds the current snapshot of known stations plus an optional
// local durable cache that survives a database outage between reloads.
type Catalog struct {
	current atomic.Pointer[snapshot]
	cache   *localCache
}

// Open loads the catalog from db, falling back to the local durable cache
// at cachePath if the database is unreachable. A missing site catalog is a
// fatal startup condition, so Open returns an error when neither source
// yields data; it also fails when the local cache cannot be opened, or
// cannot be written after a successful database load.
func Open(db *sql.DB, cachePath string) (*Catalog, error) {
	cache, err := openLocalCache(cachePath)
	if err != nil {
		return nil, fmt.Errorf("sitecatalog: open local cache: %w", err)
	}

	c := &Catalog{cache: cache}

	byShort, dbErr := loadFromDB(db)
	if dbErr == nil {
		c.current.Store(&snapshot{byShort: byShort})
		if err := cache.replace(byShort); err != nil {
			return nil, fmt.Errorf("sitecatalog: persist local cache: %w", err)
		}
		return c, nil
	}

	cached, cacheErr := cache.loadAll()
	if cacheErr != nil || len(cached) == 0 {
		cache.Close()
		return nil, fmt.Errorf("sitecatalog: database unavailable (%v) and local cache empty or unreadable (%v)", dbErr, cacheErr)
	}
	c.current.Store(&snapshot{byShort: cached})
	return c, nil
}

// Close releases the local durable cache handle.
func (c *Catalog) Close() error {
	if c == nil || c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

// Lookup resolves a 4-character short name to its canonical identity.
func (c *Catalog) Lookup(site4 string) (Entry, bool) {
	snap := c.current.Load()
	if snap == nil {
		return Entry{}, false
	}
	e, ok := snap.byShort[strings.ToUpper(site4)]
	return e, ok
}

// Reload re-reads the catalog from db and atomically swaps it in. On
// failure the previous snapshot remains active; the caller decides whether
// the failure is worth surfacing (it is not fatal past startup).
func (c *Catalog) Reload(db *sql.DB) error {
	byShort, err := loadFromDB(db)
	if err != nil {
		return fmt.Errorf("sitecatalog: reload: %w", err)
	}
	c.current.Store(&snapshot{byShort: byShort})
	if c.cache != nil {
		if err := c.cache.replace(byShort); err != nil {
			return fmt.Errorf("sitecatalog: reload: persist local cache: %w", err)
		}
	}
	return nil
}

// SuggestNearest returns the closest known short name to an unrecognized
// site4, by Levenshtein distance, for the stale-file warning log. Returns
// ok=false if no known name is within a plausible typo distance.
func (c *Catalog) SuggestNearest(site4 string) (string, bool) {
	snap := c.current.Load()
	if snap == nil || len(snap.byShort) == 0 {
		return "", false
	}
	site4 = strings.ToUpper(site4)
	best := ""
	bestDist := -1
	for known := range snap.byShort {
		d := levenshtein.ComputeDistance(site4, known)
		if bestDist == -1 || d < bestDist {
			bestDist = d
			best = known
		}
	}
	const maxPlausibleTypoDistance = 2
	if bestDist < 0 || bestDist > maxPlausibleTypoDistance {
		return "", false
	}
	return best, true
}

// Size reports how many stations the current snapshot knows about.
func (c *Catalog) Size() int {
	snap := c.current.Load()
	if snap == nil {
		return 0
	}
	return len(snap.byShort)
}

// loadFromDB queries the read-only locations(site, shortname, obsint)
// table, where site is the canonical 9-character identity and shortname is
// the 4-character key callers parse out of inbound filenames.
func loadFromDB(db *sql.DB) (map[string]Entry, error) {
	rows, err := db.Query(`SELECT shortname, site, obsint FROM locations`)
	if err != nil {
		return nil, fmt.Errorf("query locations: %w", err)
	}
	defer rows.Close()

	byShort := make(map[string]Entry)
	for rows.Next() {
		var site4, site9 string
		var interval int
		if err := rows.Scan(&site4, &site9, &interval); err != nil {
			return nil, fmt.Errorf("scan locations row: %w", err)
		}
		byShort[strings.ToUpper(site4)] = Entry{Site9: strings.ToUpper(site9), Interval: interval}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locations: %w", err)
	}
	if len(byShort) == 0 {
		return nil, fmt.Errorf("locations table is empty")
	}
	return byShort, nil
}
