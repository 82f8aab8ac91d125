// Package jobengine implements the Job Engine: a boss process that drains
// JOBQUEUE, hands each job to a bounded pool of process-isolated workers,
// executes admin commands directly, and reacts to a crashed worker by
// restarting the pool rather than trying to repair in-process state a
// crash may have left inconsistent.
package jobengine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"

	"gnssingest/config"
	"gnssingest/jobqueue"
	"gnssingest/jobstate"
	"gnssingest/layout"
	"gnssingest/ledger"
	"gnssingest/metricsx"
	"gnssingest/notify"
	"gnssingest/rinexset"
	"gnssingest/sentryreport"
	"gnssingest/watch"
	"gnssingest/workerproc"
	"gnssingest/workunit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// spoolEventAge is how long a JOBQUEUE entry must sit quiet before the
// boss picks it up, absorbing the write-then-rename that jobqueue.Emit
// performs.
const spoolEventAge = 2 * time.Second

// Engine is the Job Engine boss. It owns the worker pool's lifecycle and
// the in-process Running table used to reject a job already in flight.
type Engine struct {
	cfg    *config.Snapshot
	ledger *ledger.Ledger
	pool   *workerproc.Pool

	watcher *watch.Watcher

	metrics  *metricsx.Metrics
	notifier *notify.Publisher
	reporter *sentryreport.Reporter

	mu      sync.Mutex
	running map[string]jobqueue.Job // ident -> job, while in flight
	pending map[string]pendingJob
}

// WithMetrics attaches a metric set; omit to run without metrics.
func (e *Engine) WithMetrics(m *metricsx.Metrics) *Engine {
	e.metrics = m
	return e
}

// WithNotifier attaches an MQTT publisher; omit to run without notifications.
func (e *Engine) WithNotifier(n *notify.Publisher) *Engine {
	e.notifier = n
	return e
}

// WithReporter attaches a Sentry reporter; omit to run without crash reporting.
func (e *Engine) WithReporter(r *sentryreport.Reporter) *Engine {
	e.reporter = r
	return e
}

type pendingJob struct {
	path string
	job  jobqueue.Job
	data []byte
}

// New builds an Engine and arms the inotify watch on JOBQUEUE. workerBinary
// and workerArgs describe how to re-invoke this program in worker mode; see
// cmd/jobengine for the flag that selects it.
func New(cfg *config.Snapshot, lg *ledger.Ledger, workerBinary string, workerArgs []string) (*Engine, error) {
	w, err := watch.New()
	if err != nil {
		return nil, fmt.Errorf("jobengine: %w", err)
	}
	jobQueueDir := cfg.Load().Directories.JobQueue
	if err := os.MkdirAll(jobQueueDir, 0o755); err != nil {
		w.Close()
		return nil, fmt.Errorf("jobengine: mkdir jobqueue: %w", err)
	}
	if err := w.AddDir(jobQueueDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("jobengine: %w", err)
	}
	size := cfg.Load().Engine.Instances
	e := &Engine{
		cfg:     cfg,
		ledger:  lg,
		pool:    workerproc.NewPool(workerBinary, workerArgs, size),
		watcher: w,
		running: make(map[string]jobqueue.Job),
		pending: make(map[string]pendingJob),
	}
	return e, nil
}

// Close releases the inotify watch and terminates the worker pool.
func (e *Engine) Close() error {
	e.pool.Shutdown()
	return e.watcher.Close()
}

// Run is the boss loop. It blocks until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.pool.Start(); err != nil {
		return fmt.Errorf("jobengine: start pool: %w", err)
	}

	lastSweep := time.Now()
	sweepInterval := time.Duration(e.cfg.Load().Engine.LeftoverSweepMinutes) * time.Minute
	if sweepInterval <= 0 {
		sweepInterval = 10 * time.Minute
	}
	idlePoll := e.cfg.Load().Engine.IdlePollSeconds
	if idlePoll <= 0 {
		idlePoll = 1
	}

	e.scanQueue()

	for {
		select {
		case <-ctx.Done():
			return nil
		case resp := <-e.pool.Results():
			e.handleResult(resp)
		default:
		}

		if e.pool.NeedsRestart() {
			e.restartPool(ctx)
		}

		ready, err := e.watcher.Wait(idlePoll * 1000)
		if err != nil {
			log.Printf("jobengine: poll jobqueue: %v", err)
			continue
		}
		if ready {
			if _, err := e.watcher.Read(); err != nil {
				log.Printf("jobengine: read jobqueue: %v", err)
			}
		}

		e.scanQueue()
		e.dispatchPending()

		now := time.Now()
		if now.Sub(lastSweep) >= sweepInterval {
			e.leftoverSweep(now)
			e.forceCompleteSweep()
			lastSweep = now
		}
	}
}

// restartPool tears down and re-spawns the worker pool after a worker has
// crashed or produced malformed output. The crash is never "fixed up" in
// place, only contained by a fresh pool.
func (e *Engine) restartPool(ctx context.Context) {
	backoff := time.Duration(e.cfg.Load().Engine.FatalBackoffSeconds) * time.Second
	if backoff <= 0 {
		backoff = 300 * time.Second
	}
	log.Printf("jobengine: worker crash detected, restarting pool after %s", humanize.Time(time.Now().Add(backoff)))
	if e.metrics != nil {
		e.metrics.PoolRestarts.Inc()
	}
	e.pool.Shutdown()

	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := e.pool.Start(); err != nil {
		log.Printf("jobengine: restart pool: %v", err)
	}
}

// scanQueue reads every JOBQUEUE entry older than spoolEventAge and files
// it as an admin command (executed immediately) or a pending job (held
// for dispatchPending, so the Running-table check happens right before
// submission rather than at scan time).
func (e *Engine) scanQueue() {
	dir := e.cfg.Load().Directories.JobQueue
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Printf("jobengine: scan jobqueue: %v", err)
		return
	}
	now := time.Now()
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if len(name) > 0 && name[0] == '.' {
			continue
		}
		path := filepath.Join(dir, name)
		info, err := ent.Info()
		if err != nil || now.Sub(info.ModTime()) < spoolEventAge {
			continue
		}

		if jobqueue.IsCommandFile(name) {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			os.Remove(path)
			e.runCommand(string(data))
			continue
		}

		e.mu.Lock()
		_, queued := e.pending[path]
		e.mu.Unlock()
		if queued {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var job jobqueue.Job
		if err := json.Unmarshal(data, &job); err != nil {
			log.Printf("jobengine: %s: malformed job descriptor: %v", name, err)
			os.Remove(path)
			continue
		}
		e.mu.Lock()
		e.pending[path] = pendingJob{path: path, job: job, data: data}
		e.mu.Unlock()
	}
}

// dispatchPending hands every queued job not already in flight to an idle
// worker. A job whose ident is already running is rejected here, before
// the worker ever sees it.
func (e *Engine) dispatchPending() {
	e.mu.Lock()
	candidates := make([]pendingJob, 0, len(e.pending))
	for _, pj := range e.pending {
		candidates = append(candidates, pj)
	}
	e.mu.Unlock()

	for _, pj := range candidates {
		e.mu.Lock()
		_, inFlight := e.running[pj.job.Ident]
		e.mu.Unlock()
		if inFlight {
			log.Printf("jobengine: %s: already running, rejecting duplicate job %s", pj.job.Ident, filepath.Base(pj.path))
			e.mu.Lock()
			delete(e.pending, pj.path)
			e.mu.Unlock()
			os.Remove(pj.path)
			continue
		}
		if !e.pool.Submit(workerproc.Request{Ident: pj.job.Ident, Content: pj.data}) {
			continue
		}
		e.mu.Lock()
		e.running[pj.job.Ident] = pj.job
		delete(e.pending, pj.path)
		e.mu.Unlock()
		os.Remove(pj.path)
		if e.metrics != nil {
			e.metrics.WorkersBusy.Inc()
		}
	}
}

// handleResult logs a completed job's outcome, frees its ident from the
// Running table, and fans the result out to metrics, notify and (on a
// fatal crash) Sentry.
func (e *Engine) handleResult(resp workerproc.Response) {
	e.mu.Lock()
	job, ok := e.running[resp.Ident]
	delete(e.running, resp.Ident)
	e.mu.Unlock()
	kind := string(job.Kind)

	if e.metrics != nil {
		if ok {
			e.metrics.WorkersBusy.Dec()
		}
		e.metrics.JobsProcessed.WithLabelValues(kind, string(resp.Outcome)).Inc()
		if resp.Outcome == workerproc.OutcomeFatal {
			e.metrics.JobsFatal.Inc()
		}
	}
	e.notifier.Publish(notify.Event{Ident: resp.Ident, Kind: kind, Outcome: string(resp.Outcome), Message: resp.Message})

	switch resp.Outcome {
	case workerproc.OutcomeOK:
		log.Printf("jobengine: %s: done", resp.Ident)
	case workerproc.OutcomeError:
		log.Printf("jobengine: %s: failed: %s", resp.Ident, resp.Message)
	case workerproc.OutcomeFatal:
		log.Printf("jobengine: %s: worker crashed: %s", resp.Ident, resp.Message)
		e.reporter.ReportWorkerFatal(resp.Ident, kind, resp.Message)
	}
}

// leftoverSweep logs JOBQUEUE entries that have sat unconsumed for longer
// than Engine.LeftoverAgeMinutes, a symptom of a process restart that lost
// the in-memory Running table while a job file survived on disk.
func (e *Engine) leftoverSweep(now time.Time) {
	maxAge := time.Duration(e.cfg.Load().Engine.LeftoverAgeMinutes) * time.Minute
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	dir := e.cfg.Load().Directories.JobQueue
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil || now.Sub(info.ModTime()) < maxAge {
			continue
		}
		log.Printf("jobengine: leftover jobqueue entry %s, last modified %s", ent.Name(), humanize.Time(info.ModTime()))
	}
}

// forceCompleteSweep scans WORKDIR for force-complete markers and emits a
// hour2daily job for each, borrowing the interval of whichever hourly
// RINEX Set is found first.
func (e *Engine) forceCompleteSweep() {
	root := e.cfg.Load().Directories.WorkDir
	sites, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, siteEnt := range sites {
		if !siteEnt.IsDir() {
			continue
		}
		years, err := os.ReadDir(filepath.Join(root, siteEnt.Name()))
		if err != nil {
			continue
		}
		for _, yearEnt := range years {
			if !yearEnt.IsDir() {
				continue
			}
			year, err := strconv.Atoi(yearEnt.Name())
			if err != nil {
				continue
			}
			doyDir := filepath.Join(root, siteEnt.Name(), yearEnt.Name())
			doys, err := os.ReadDir(doyDir)
			if err != nil {
				continue
			}
			for _, doyEnt := range doys {
				if !doyEnt.IsDir() {
					continue
				}
				doy, err := strconv.Atoi(doyEnt.Name())
				if err != nil {
					continue
				}
				e.maybeForceComplete(filepath.Join(doyDir, doyEnt.Name()), siteEnt.Name(), year, doy)
			}
		}
	}
}

func (e *Engine) maybeForceComplete(workDir, site string, year, doy int) {
	marker := layout.ForceCompleteMarker(workDir)
	if _, err := os.Stat(marker); err != nil {
		return
	}
	dayID := workunit.Ident{Site: site, Year: year, DOY: doy, Hour: workunit.DayHour}

	interval := 0
	for hh := 0; hh < 24; hh++ {
		letter, err := workunit.HourToLetter(hh)
		if err != nil {
			continue
		}
		set, err := rinexset.Load(rinexset.Path(workDir, workunit.Ident{Site: site, Year: year, DOY: doy, Hour: letter}))
		if err != nil {
			continue
		}
		interval = set.Interval
		break
	}
	if interval == 0 {
		log.Printf("jobengine: force complete %s %04d/%03d: no processed hour supplies an interval", site, year, doy)
		return
	}

	handle, err := jobstate.Open(workDir, dayID)
	if err != nil {
		log.Printf("jobengine: force complete %s %04d/%03d: %v", site, year, doy, err)
		return
	}
	err = handle.RequireAndSet([]jobstate.State{jobstate.None, jobstate.Processed}, jobstate.Queued)
	handle.Unlock()
	if err != nil {
		return
	}

	job := jobqueue.Job{
		Ident:         dayID.String(),
		Kind:          jobqueue.KindHourToDaily,
		WorkDir:       workDir,
		Interval:      interval,
		ForceComplete: true,
	}
	if err := jobqueue.Emit(e.cfg.Load().Directories.JobQueue, job); err != nil {
		log.Printf("jobengine: force complete %s %04d/%03d: emit job: %v", site, year, doy, err)
		return
	}
	os.Remove(marker)
}
