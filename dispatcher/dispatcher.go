// Package dispatcher implements the Inbound Dispatcher: it watches
// INCOMING for new uploads, classifies each by filename, resolves it to a
// canonical site, relocates it into SAVEDIR, and hands it to the Unpack
// Pool.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"gnssingest/config"
	"gnssingest/dedup"
	"gnssingest/layout"
	"gnssingest/metricsx"
	"gnssingest/parser"
	"gnssingest/sitecatalog"
	"gnssingest/unpack"
	"gnssingest/watch"
)

// rescanMinAge is the minimum age a file must have before the periodic
// directory rescan will act on it. Inotify-driven events use the shorter
// window held in dedup.Suppressor.
const rescanMinAge = 20 * time.Second

// rescanInterval is how often the fallback rescan runs while otherwise idle.
const rescanInterval = 10 * time.Minute

// eventMinAge is how long an inotify-driven path must sit quiet before
// being acted on, absorbing the burst of events one upload generates.
const eventMinAge = time.Second

// Submitter is the Unpack Pool's enqueue surface, narrowed to what the
// dispatcher needs so it can be exercised with a fake in tests.
type Submitter interface {
	Submit(req unpack.Request)
}

// CatalogLookup is the Site Catalog's read surface.
type CatalogLookup interface {
	Lookup(site4 string) (sitecatalog.Entry, bool)
}

// DayLedger is the daily-summary ledger's read surface.
type DayLedger interface {
	DayProcessed(site string, year, doy int) (bool, error)
}

// Dispatcher watches INCOMING and feeds the Unpack Pool.
type Dispatcher struct {
	cfg     *config.Snapshot
	catalog CatalogLookup
	ledger  DayLedger
	pool    Submitter

	watcher    *watch.Watcher
	suppressor *dedup.Suppressor
	rescanCh   chan struct{}
	metrics    *metricsx.Metrics
}

// WithMetrics attaches a metric set; omit to run without metrics.
func (d *Dispatcher) WithMetrics(m *metricsx.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// New builds a Dispatcher and arms the inotify watch on the configured
// INCOMING directory.
func New(cfg *config.Snapshot, catalog CatalogLookup, ledger DayLedger, pool Submitter) (*Dispatcher, error) {
	w, err := watch.New()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	d := &Dispatcher{
		cfg:        cfg,
		catalog:    catalog,
		ledger:     ledger,
		pool:       pool,
		watcher:    w,
		suppressor: dedup.New(eventMinAge),
		rescanCh:   make(chan struct{}, 1),
	}
	if err := w.AddDir(cfg.Load().Directories.Incoming); err != nil {
		w.Close()
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	return d, nil
}

// RequestRescan triggers an immediate directory rescan on the next loop
// iteration, used by the SIGHUP handler.
func (d *Dispatcher) RequestRescan() {
	select {
	case d.rescanCh <- struct{}{}:
	default:
	}
}

// Close releases the inotify watch.
func (d *Dispatcher) Close() error {
	return d.watcher.Close()
}

// Run is the dispatcher's event loop. It blocks up to one second on the
// inotify descriptor, drains whatever quiesced, and periodically falls
// back to a full directory rescan. Returns when ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	lastRescan := time.Now()
	d.rescan(lastRescan)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.rescanCh:
			now := time.Now()
			d.rescan(now)
			lastRescan = now
		default:
		}

		ready, err := d.watcher.Wait(1000)
		if err != nil {
			log.Printf("dispatcher: poll incoming: %v", err)
			continue
		}
		now := time.Now()
		if ready {
			events, err := d.watcher.Read()
			if err != nil {
				log.Printf("dispatcher: read incoming: %v", err)
			}
			for _, ev := range events {
				if ev.Name == "" {
					continue
				}
				d.suppressor.Touch(filepath.Join(ev.Dir, ev.Name), now)
			}
		}

		for _, path := range d.suppressor.Drain(now) {
			if err := d.Dispatch(path); err != nil {
				log.Printf("dispatcher: %s: %v", filepath.Base(path), err)
			}
		}

		if now.Sub(lastRescan) >= rescanInterval {
			d.rescan(now)
			lastRescan = now
		}
	}
}

// rescan walks INCOMING and dispatches every file at least rescanMinAge
// old, the fallback path for events inotify missed.
func (d *Dispatcher) rescan(now time.Time) {
	incoming := d.cfg.Load().Directories.Incoming
	entries, err := os.ReadDir(incoming)
	if err != nil {
		log.Printf("dispatcher: rescan incoming: %v", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < rescanMinAge {
			continue
		}
		path := filepath.Join(incoming, e.Name())
		log.Printf("dispatcher: rescan picking up %s, last modified %s", e.Name(), humanize.Time(info.ModTime()))
		if err := d.Dispatch(path); err != nil {
			log.Printf("dispatcher: %s: %v", e.Name(), err)
		}
	}
}

// Dispatch classifies, relocates and hands off a single file: parse the
// filename, resolve its site, move it into SAVEDIR, ensure a work
// directory exists, and submit it to the Unpack Pool.
func (d *Dispatcher) Dispatch(path string) error {
	basename := filepath.Base(path)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	desc, err := parser.Parse(basename)
	if err != nil {
		return d.relocateStale(path, "unrecognized filename")
	}

	site, interval, ok := d.resolveSite(&desc)
	if !ok {
		reason := "unknown site"
		if suggester, ok := d.catalog.(interface {
			SuggestNearest(string) (string, bool)
		}); ok {
			if near, found := suggester.SuggestNearest(desc.Site4); found {
				reason = fmt.Sprintf("unknown site %s, did you mean %s?", desc.Site4, near)
			}
		}
		return d.relocateStale(path, reason)
	}
	desc.Site = site
	desc.Ident.Site = site
	if desc.Interval == 0 {
		desc.Interval = interval
	}

	cfg := d.cfg.Load()
	saveDir := layout.SaveDir(cfg.Directories.SaveDir, site, desc.Ident.Year, desc.Ident.DOY)
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return fmt.Errorf("mkdir savedir: %w", err)
	}
	dest := filepath.Join(saveDir, basename)
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move to savedir: %w", err)
	}

	workDir := layout.WorkDir(cfg.Directories.WorkDir, site, desc.Ident.Year, desc.Ident.DOY)
	if _, err := os.Stat(workDir); os.IsNotExist(err) {
		processed, lerr := d.ledger.DayProcessed(site, desc.Ident.Year, desc.Ident.DOY)
		if lerr != nil {
			return fmt.Errorf("check ledger: %w", lerr)
		}
		if processed {
			return fmt.Errorf("%s %04d/%03d already processed; run forget", site, desc.Ident.Year, desc.Ident.DOY)
		}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("mkdir workdir: %w", err)
	}

	d.pool.Submit(unpack.Request{
		Descriptor:   desc,
		SourcePath:   dest,
		IncomingName: basename,
	})
	if d.metrics != nil {
		d.metrics.FilesDispatched.Inc()
	}
	return nil
}

// resolveSite resolves a descriptor's site4 to a canonical 9-char site and
// its observation interval. The Site Catalog is authoritative; dialects
// that already carry a 9-char site (rnx3) fall back to it directly; all
// others fall back to the configured default-country heuristic.
func (d *Dispatcher) resolveSite(desc *parser.Descriptor) (site string, interval int, ok bool) {
	if entry, found := d.catalog.Lookup(desc.Site4); found {
		return entry.Site9, entry.Interval, true
	}
	if desc.Dialect == parser.DialectRNX3 && desc.Site != "" {
		return desc.Site, desc.Interval, true
	}
	country, found := d.cfg.Load().DefaultCountryCode(desc.Site4)
	if !found {
		return "", 0, false
	}
	return desc.Site4 + "00" + country, 0, true
}

func (d *Dispatcher) relocateStale(path, reason string) error {
	staleDir := layout.StaleDir(d.cfg.Load().Directories.SaveDir)
	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		return fmt.Errorf("mkdir stale dir: %w", err)
	}
	dest := filepath.Join(staleDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move to stale: %w", err)
	}
	if d.metrics != nil {
		d.metrics.FilesStale.Inc()
	}
	log.Printf("dispatcher: %s: %s, moved to %s", filepath.Base(path), reason, dest)
	return nil
}
