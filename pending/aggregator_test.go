package pending

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gnssingest/jobqueue"
	"gnssingest/jobstate"
	"gnssingest/layout"
	"gnssingest/rinexset"
	"gnssingest/unpack"
	"gnssingest/workunit"
)

func newTestAggregator(root string) *Aggregator {
	return New(
		filepath.Join(root, "incoming"),
		filepath.Join(root, "work"),
		filepath.Join(root, "jobqueue"),
		3*time.Second,
		20*time.Second,
		7200*time.Second,
	)
}

func TestHandleAddCreatesAndAttaches(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}

	a.handleAdd(unpack.PendingAdd{Ident: id, Fn: "ABCD00DNK_R_20191520000_01H_30S_MO.rnx", Ifn: "incoming1.gz"})
	if a.Len() != 1 {
		t.Fatalf("expected one pending entry, got %d", a.Len())
	}
	set := a.pending[id]
	if set.MO == "" || set.Interval != 30 {
		t.Fatalf("expected MO attached with interval 30, got %+v", set)
	}
	if len(set.Origs) != 1 || set.Origs[0] != "incoming1.gz" {
		t.Fatalf("expected origs to record the incoming name, got %v", set.Origs)
	}

	a.handleAdd(unpack.PendingAdd{Ident: id, Fn: "ABCD00DNK_R_20191520000_01H_GN.rnx", Ifn: "incoming2.gz"})
	if a.Len() != 1 {
		t.Fatalf("expected the second add to join the same entry, got %d entries", a.Len())
	}
	if set.GN == "" {
		t.Fatalf("expected GN attached after second add")
	}
}

func TestHandleAddLoadsLateArrival(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	workDir := layout.WorkDir(filepath.Join(root, "work"), id.Site, id.Year, id.DOY)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	existing := rinexset.New(id, 30, time.Now())
	existing.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")
	if err := existing.Save(rinexset.Path(workDir, id)); err != nil {
		t.Fatalf("save: %v", err)
	}

	a.handleAdd(unpack.PendingAdd{Ident: id, Fn: "ABCD00DNK_R_20191520000_01H_30S_MO.rnx"})
	set := a.pending[id]
	if set.GN == "" {
		t.Fatalf("expected late-arrival load to preserve the existing GN attachment")
	}
	if set.MO == "" {
		t.Fatalf("expected the newly added MO to be attached too")
	}
}

func TestEvaluateOnePostponesIncompleteSet(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	set := rinexset.New(id, 30, now)

	removed := a.evaluateOne(id, set, now.Add(10*time.Second))
	if removed {
		t.Fatalf("expected an empty set to be postponed, not removed")
	}
}

func TestEvaluateOneDiscardsStaleSet(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	set := rinexset.New(id, 30, now)

	removed := a.evaluateOne(id, set, now.Add(3*time.Hour))
	if !removed {
		t.Fatalf("expected a stale incomplete set to be discarded")
	}
}

func TestEvaluateOneRequiresQuiescence(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	set := rinexset.New(id, 30, now)
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")

	if removed := a.evaluateOne(id, set, now.Add(5*time.Second)); removed {
		t.Fatalf("expected submittable-but-incomplete set to postpone before quiescence elapses")
	}
}

func TestEvaluateOneTreatsIncomingPrefixAsNotQuiescent(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	set := rinexset.New(id, 30, now)
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")

	if err := os.MkdirAll(a.incomingDir, 0o755); err != nil {
		t.Fatalf("mkdir incoming: %v", err)
	}
	sibling := filepath.Join(a.incomingDir, "ABCD00DNK_R_20191520030_01H_30S_MO.rnx.gz")
	if err := os.WriteFile(sibling, []byte("x"), 0o644); err != nil {
		t.Fatalf("write sibling: %v", err)
	}

	later := now.Add(30 * time.Second)
	if removed := a.evaluateOne(id, set, later); removed {
		t.Fatalf("expected a still-arriving file from the same hour to block promotion")
	}
	if set.Timestamp != later.UTC().Unix() {
		t.Fatalf("expected timestamp to be bumped to the evaluation time")
	}
}

func TestEvaluateOneIgnoresOtherHoursInIncoming(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()

	workDir := layout.WorkDir(filepath.Join(root, "work"), id.Site, id.Year, id.DOY)
	unpackDir := layout.UnpackDir(workDir, id.Hour)
	if err := os.MkdirAll(unpackDir, 0o755); err != nil {
		t.Fatalf("mkdir unpack dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(unpackDir, "ABCD00DNK_R_20191520000_01H_30S_MO.rnx"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write staged file: %v", err)
	}

	set := rinexset.New(id, 30, now)
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")

	if err := os.MkdirAll(a.incomingDir, 0o755); err != nil {
		t.Fatalf("mkdir incoming: %v", err)
	}
	otherHour := filepath.Join(a.incomingDir, "ABCD00DNK_R_20191520100_01H_30S_MO.rnx.gz")
	if err := os.WriteFile(otherHour, []byte("x"), 0o644); err != nil {
		t.Fatalf("write other-hour file: %v", err)
	}

	removed := a.evaluateOne(id, set, now.Add(30*time.Second))
	if !removed {
		t.Fatalf("expected a quiescent submittable set to promote despite a different hour still arriving in INCOMING")
	}
}

func TestEvaluateOneDropsWhenDayJobInFlight(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	set := rinexset.New(id, 30, now)
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")

	workDir := layout.WorkDir(filepath.Join(root, "work"), id.Site, id.Year, id.DOY)
	dayHandle, err := jobstate.Open(workDir, id.Day())
	if err != nil {
		t.Fatalf("open day state: %v", err)
	}
	if err := dayHandle.Write(jobstate.Queued); err != nil {
		t.Fatalf("write day state: %v", err)
	}
	dayHandle.Unlock()

	removed := a.evaluateOne(id, set, now.Add(30*time.Second))
	if !removed {
		t.Fatalf("expected the hour to be dropped when its day job is already queued")
	}
}

func TestEvaluateOnePromotesAndEmitsFTPJob(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()

	workDir := layout.WorkDir(filepath.Join(root, "work"), id.Site, id.Year, id.DOY)
	unpackDir := layout.UnpackDir(workDir, id.Hour)
	if err := os.MkdirAll(unpackDir, 0o755); err != nil {
		t.Fatalf("mkdir unpack dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(unpackDir, "ABCD00DNK_R_20191520000_01H_30S_MO.rnx"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write staged file: %v", err)
	}

	set := rinexset.New(id, 30, now)
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	set.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")

	removed := a.evaluateOne(id, set, now.Add(30*time.Second))
	if !removed {
		t.Fatalf("expected a quiescent submittable set to be promoted")
	}

	h, err := jobstate.Open(workDir, id)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	defer h.Unlock()
	if state, _ := h.Read(); state != jobstate.Queued {
		t.Fatalf("expected queued, got %q", state)
	}
	if _, err := os.Stat(filepath.Join(workDir, "ABCD00DNK_R_20191520000_01H_30S_MO.rnx")); err != nil {
		t.Fatalf("expected staged file promoted into work dir: %v", err)
	}

	entries, err := os.ReadDir(a.jobQueueDir)
	if err != nil {
		t.Fatalf("read jobqueue dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one job file, got %d", len(entries))
	}
	if jobqueue.IsCommandFile(entries[0].Name()) {
		t.Fatalf("expected a job file, not a command file")
	}
}

func TestRunExitsOnSentinel(t *testing.T) {
	root := t.TempDir()
	a := newTestAggregator(root)
	done := make(chan struct{})
	go func() {
		a.Run(context.Background())
		close(done)
	}()
	a.RequestExit()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected Run to return after the exit sentinel")
	}
}
