package unpack

import (
	"fmt"
	"log"

	"gnssingest/jobqueue"
	"gnssingest/jobstate"
	"gnssingest/layout"
	"gnssingest/rinexset"
)

// finishUnpack implements the shared tail of a single-file unpack: abandon
// the hour if the day-job is already in flight, otherwise promote the
// staged files into the work directory, persist the RINEX Set, transition
// to queued and emit an ftp job. handle must already hold the hour's state
// lock; the caller is responsible for releasing it.
func finishUnpack(handle *jobstate.Handle, jobQueueDir, workDir, unpackDir string, set *rinexset.Set) error {
	id := set.Ident()

	if !id.IsDayJob() {
		dayID := id.Day()
		dayHandle, err := jobstate.Open(workDir, dayID)
		if err != nil {
			return fmt.Errorf("open day state: %w", err)
		}
		dayState, err := dayHandle.Read()
		dayHandle.Unlock()
		if err != nil {
			return fmt.Errorf("read day state: %w", err)
		}
		if dayState == jobstate.Queued || dayState == jobstate.Running {
			log.Printf("unpack: %s: day job already %s, abandoning hour", id, dayState)
			return nil
		}
	}

	if err := layout.PromoteDir(unpackDir, workDir); err != nil {
		return fmt.Errorf("promote %s: %w", unpackDir, err)
	}

	if err := set.Save(rinexset.Path(workDir, id)); err != nil {
		return fmt.Errorf("save rinex set: %w", err)
	}

	if err := handle.RequireAndSet([]jobstate.State{jobstate.None, jobstate.Processed}, jobstate.Queued); err != nil {
		return fmt.Errorf("transition to queued: %w", err)
	}

	if err := jobqueue.Emit(jobQueueDir, jobqueue.Job{
		Ident:   id.String(),
		Kind:    jobqueue.KindFTP,
		WorkDir: workDir,
	}); err != nil {
		return fmt.Errorf("emit ftp job: %w", err)
	}
	return nil
}
