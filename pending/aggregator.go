// Package pending implements the Pending Aggregator: a single goroutine
// owning a map of in-flight RINEX Sets, fed by pending-add messages from
// the Unpack Pool's rnx3 dialect and by its own periodic tick, responsible
// for deciding when an hour is ready to promote to queued.
package pending

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gnssingest/jobqueue"
	"gnssingest/jobstate"
	"gnssingest/layout"
	"gnssingest/rinexset"
	"gnssingest/unpack"
	"gnssingest/workunit"
)

// sentinelSite marks the shutdown message the owning goroutine sends to
// itself: on shutdown the main thread enqueues a sentinel {ident:"EXIT"}.
const sentinelSite = "EXIT"

// Aggregator owns the Pending map. All map access happens on the
// goroutine running Run; Add only ever sends on a channel.
type Aggregator struct {
	addCh chan unpack.PendingAdd

	incomingDir string
	workRoot    string
	jobQueueDir string

	tickInterval time.Duration
	quiescence   time.Duration
	staleness    time.Duration

	pending map[workunit.Ident]*rinexset.Set
}

// New builds an Aggregator. Call Run in its own goroutine to start serving
// ticks and pending-add messages.
func New(incomingDir, workRoot, jobQueueDir string, tick, quiescence, staleness time.Duration) *Aggregator {
	return &Aggregator{
		addCh:        make(chan unpack.PendingAdd, 256),
		incomingDir:  incomingDir,
		workRoot:     workRoot,
		jobQueueDir:  jobQueueDir,
		tickInterval: tick,
		quiescence:   quiescence,
		staleness:    staleness,
		pending:      make(map[workunit.Ident]*rinexset.Set),
	}
}

// Add implements unpack.PendingSink: it forwards a pending-add message to
// the owning goroutine. Safe to call from any goroutine.
func (a *Aggregator) Add(add unpack.PendingAdd) {
	a.addCh <- add
}

// RequestExit enqueues the shutdown sentinel; Run returns once it is
// processed.
func (a *Aggregator) RequestExit() {
	a.addCh <- unpack.PendingAdd{Ident: workunit.Ident{Site: sentinelSite}}
}

// Len reports how many entries are currently pending, for metrics.
func (a *Aggregator) Len() int {
	return len(a.pending)
}

// Run is the aggregator's event loop: a tick every tickInterval evaluates
// every pending entry; a pending-add message attaches a file to one.
// Returns when the shutdown sentinel arrives or ctx is canceled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case add := <-a.addCh:
			if add.Ident.Site == sentinelSite {
				return
			}
			a.handleAdd(add)
		case <-ticker.C:
			a.evaluateAll()
		}
	}
}

func (a *Aggregator) handleAdd(add unpack.PendingAdd) {
	now := time.Now()
	set, ok := a.pending[add.Ident]
	if !ok {
		if loaded, err := a.loadLateArrival(add.Ident); err != nil {
			log.Printf("pending: %s: load late arrival: %v", add.Ident, err)
		} else if loaded != nil {
			set = loaded
		}
		if set == nil {
			set = rinexset.New(add.Ident, 0, now)
		}
		a.pending[add.Ident] = set
	}
	set.AttachByFilename(add.Fn)
	if add.Ifn != "" {
		set.Origs = append(set.Origs, add.Ifn)
	}
	set.Touch(now)
}

// loadLateArrival recovers an rs.<hour>.json already on disk -- a "late
// arrival" file joining a set whose other members were already promoted
// and since reset to none/processed.
func (a *Aggregator) loadLateArrival(id workunit.Ident) (*rinexset.Set, error) {
	workDir := layout.WorkDir(a.workRoot, id.Site, id.Year, id.DOY)
	path := rinexset.Path(workDir, id)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return rinexset.Load(path)
}

func (a *Aggregator) evaluateAll() {
	now := time.Now()
	for id, set := range a.pending {
		if a.evaluateOne(id, set, now) {
			delete(a.pending, id)
		}
	}
}

// evaluateOne applies the five-step evaluation rule to one entry. It
// returns true when the entry should be removed from the pending map,
// whether by discard, drop, or successful promotion.
func (a *Aggregator) evaluateOne(id workunit.Ident, set *rinexset.Set, now time.Time) bool {
	if !set.Submittable() && !set.Complete() {
		if set.CreationAge(now) > a.staleness {
			log.Printf("pending: %s: stale pending job, discarding", id)
			return true
		}
		return false
	}

	if !set.Complete() {
		if set.QuiescentAge(now) < a.quiescence {
			return false
		}
		if a.incomingStillHasPrefix(set) {
			set.Touch(now)
			return false
		}
	}

	if !id.IsDayJob() {
		workDir := layout.WorkDir(a.workRoot, id.Site, id.Year, id.DOY)
		dayHandle, err := jobstate.Open(workDir, id.Day())
		if err != nil {
			log.Printf("pending: %s: open day state: %v", id, err)
			return false
		}
		dayState, err := dayHandle.Read()
		dayHandle.Unlock()
		if err != nil {
			log.Printf("pending: %s: read day state: %v", id, err)
			return false
		}
		if dayState == jobstate.Queued || dayState == jobstate.Running {
			log.Printf("pending: %s: day job already %s, dropping -- manual reprocess required", id, dayState)
			return true
		}
	}

	if err := a.promote(id, set); err != nil {
		log.Printf("pending: %s: promote: %v", id, err)
		return false
	}
	return true
}

// incomingStillHasPrefix reports whether any file in INCOMING still shares
// the set's canonical RINEX v3 prefix, including its two-digit hour --
// evidence a sibling upload of this same hour hasn't finished arriving
// yet. Omitting the hour would make a busy neighboring hour's still-
// arriving files falsely block this hour's quiescence.
func (a *Aggregator) incomingStillHasPrefix(set *rinexset.Set) bool {
	hh, err := workunit.LetterToHour(set.Hour)
	if err != nil {
		return false
	}
	entries, err := os.ReadDir(a.incomingDir)
	if err != nil {
		return false
	}
	prefix := strings.ToUpper(fmt.Sprintf("%s_R_%04d%03d%02d", set.Site, set.Year, set.DOY, hh))
	for _, e := range entries {
		if strings.HasPrefix(strings.ToUpper(e.Name()), prefix) {
			return true
		}
	}
	return false
}

func (a *Aggregator) promote(id workunit.Ident, set *rinexset.Set) error {
	workDir := layout.WorkDir(a.workRoot, id.Site, id.Year, id.DOY)
	handle, err := jobstate.Open(workDir, id)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer handle.Unlock()

	cur, err := handle.Read()
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	if cur != jobstate.None && cur != jobstate.Processed {
		return fmt.Errorf("state %q ineligible for promotion", cur)
	}

	unpackDir := layout.UnpackDir(workDir, id.Hour)
	if err := layout.PromoteDir(unpackDir, workDir); err != nil {
		return fmt.Errorf("promote staged files: %w", err)
	}
	if err := set.Save(rinexset.Path(workDir, id)); err != nil {
		return fmt.Errorf("save rinex set: %w", err)
	}
	if err := handle.Write(jobstate.Queued); err != nil {
		return fmt.Errorf("write queued: %w", err)
	}
	return jobqueue.Emit(a.jobQueueDir, jobqueue.Job{
		Ident:   id.String(),
		Kind:    jobqueue.KindFTP,
		WorkDir: workDir,
	})
}
