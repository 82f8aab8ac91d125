package jobengine

import (
	"fmt"
	"os"
	"time"

	"gnssingest/jobqueue"
	"gnssingest/jobstate"
	"gnssingest/ledger"
	"gnssingest/rinexset"
	"gnssingest/workunit"
)

// Processor executes one job's per-job worker logic, run inside the
// isolated worker process. The boss has already checked the Running
// table before handing the job over.
type Processor struct {
	ledger *ledger.Ledger
}

// NewProcessor builds a Processor. Each worker process opens its own
// database handle and ledger, independent of the boss's.
func NewProcessor(lg *ledger.Ledger) *Processor {
	return &Processor{ledger: lg}
}

// Process parses content as a job descriptor and executes it. It
// implements workerproc.Processor.
func (p *Processor) Process(content []byte) error {
	var job jobqueue.Job
	if err := json.Unmarshal(content, &job); err != nil {
		return fmt.Errorf("jobengine: invalid job descriptor: %w", err)
	}
	if job.Ident == "" || job.WorkDir == "" {
		return fmt.Errorf("jobengine: job missing ident or work_dir")
	}
	id, err := workunit.ParseIdent(job.Ident)
	if err != nil {
		return fmt.Errorf("jobengine: %w", err)
	}

	if err := os.Chdir(job.WorkDir); err != nil {
		return fmt.Errorf("jobengine: chdir %s: %w", job.WorkDir, err)
	}

	handle, err := jobstate.Open(job.WorkDir, id)
	if err != nil {
		return fmt.Errorf("jobengine: open state: %w", err)
	}
	defer handle.Unlock()

	cur, err := handle.Read()
	if err != nil {
		return fmt.Errorf("jobengine: read state: %w", err)
	}
	if cur != jobstate.Queued {
		return fmt.Errorf("jobengine: %s: state %q is not queued", job.Ident, cur)
	}
	if err := handle.Write(jobstate.Running); err != nil {
		return fmt.Errorf("jobengine: write running: %w", err)
	}

	var execErr error
	switch job.Kind {
	case jobqueue.KindFTP:
		execErr = p.executeFTP(job, id)
	case jobqueue.KindHourToDaily:
		execErr = p.executeHourToDaily(job, id)
	default:
		execErr = fmt.Errorf("jobengine: unknown job kind %q", job.Kind)
	}

	if execErr != nil {
		if werr := handle.Write(jobstate.None); werr != nil {
			return fmt.Errorf("%v (also failed to reset state: %v)", execErr, werr)
		}
		return execErr
	}
	return handle.Write(jobstate.Processed)
}

// executeFTP hands the hour's persisted RINEX Set off to the external
// FTP/SFTP uploader, an out-of-scope sink: the core's responsibility ends
// at confirming the file it promised actually exists.
func (p *Processor) executeFTP(job jobqueue.Job, id workunit.Ident) error {
	path := rinexset.Path(job.WorkDir, id)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("jobengine: rinex set missing for upload: %w", err)
	}
	return nil
}

// executeHourToDaily aggregates every present hourly RINEX Set under the
// work directory into a daily summary and records it in the ledger.
func (p *Processor) executeHourToDaily(job jobqueue.Job, id workunit.Ident) error {
	daily, hoursUsed, err := mergeDaySets(job.WorkDir, id)
	if err != nil {
		return err
	}
	if hoursUsed == 0 {
		if job.ForceComplete {
			return fmt.Errorf("jobengine: force complete requested but no processed hour supplies an interval")
		}
		return fmt.Errorf("jobengine: no hourly rinex sets available for %s %04d/%03d", id.Site, id.Year, id.DOY)
	}
	if err := daily.Save(rinexset.Path(job.WorkDir, id)); err != nil {
		return fmt.Errorf("jobengine: save daily rinex set: %w", err)
	}
	return p.ledger.MarkDayProcessed(id.Site, id.Year, id.DOY)
}

// mergeDaySets scans every hour letter's persisted rs.<hour>.json under
// workDir and folds them into one daily Set, taking the first available
// interval as authoritative. Returns the count of hours actually found.
func mergeDaySets(workDir string, dayID workunit.Ident) (*rinexset.Set, int, error) {
	daily := rinexset.New(dayID, 0, time.Now())
	used := 0
	for hh := 0; hh < 24; hh++ {
		letter, err := workunit.HourToLetter(hh)
		if err != nil {
			continue
		}
		hourID := workunit.Ident{Site: dayID.Site, Year: dayID.Year, DOY: dayID.DOY, Hour: letter}
		set, err := rinexset.Load(rinexset.Path(workDir, hourID))
		if err != nil {
			continue
		}
		if daily.Interval == 0 {
			daily.Interval = set.Interval
		}
		daily.Origs = append(daily.Origs, set.Origs...)
		used++
	}
	return daily, used, nil
}
