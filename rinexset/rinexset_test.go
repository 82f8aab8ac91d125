package rinexset

import (
	"path/filepath"
	"testing"
	"time"

	"gnssingest/workunit"
)

func TestSubmittableAndComplete(t *testing.T) {
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(id, 30, now)
	if s.Submittable() || s.Complete() {
		t.Fatalf("new set should be neither submittable nor complete")
	}

	s.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	if s.Submittable() {
		t.Fatalf("MO alone is not submittable")
	}
	s.AttachByFilename("ABCD00DNK_R_20191520000_01H_GN.rnx")
	if !s.Submittable() {
		t.Fatalf("MO+GN should be submittable")
	}
	if s.Complete() {
		t.Fatalf("not complete without MN")
	}
	s.AttachByFilename("ABCD00DNK_R_20191520000_01H_MN.rnx")
	if !s.Complete() {
		t.Fatalf("expected complete once MN attached")
	}
}

func TestAttachByFilenameSetsInterval(t *testing.T) {
	s := &Set{}
	s.AttachByFilename("ABCD00DNK_R_20191520000_01H_15S_MO.rnx.gz")
	if s.Interval != 15 {
		t.Fatalf("expected interval 15, got %d", s.Interval)
	}
	if s.MO == "" {
		t.Fatalf("expected MO to be set")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	now := time.Unix(1_700_000_000, 0).UTC()
	s := New(id, 30, now)
	s.AttachByFilename("ABCD00DNK_R_20191520000_01H_30S_MO.rnx")
	s.Origs = append(s.Origs, "incoming-file.rnx.gz")

	path := Path(dir, id)
	if filepath.Base(path) != "rs.a.json" {
		t.Fatalf("unexpected path: %s", path)
	}
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.MO != s.MO || loaded.Interval != s.Interval || len(loaded.Origs) != 1 {
		t.Fatalf("round trip mismatch: %+v vs %+v", loaded, s)
	}
}

func TestQuiescentAndCreationAge(t *testing.T) {
	id := workunit.Ident{Site: "ABCD00DNK", Year: 2019, DOY: 152, Hour: 'a'}
	base := time.Unix(1_700_000_000, 0).UTC()
	s := New(id, 30, base)
	later := base.Add(90 * time.Second)
	if s.QuiescentAge(later) != 90*time.Second {
		t.Fatalf("unexpected quiescent age: %v", s.QuiescentAge(later))
	}
	s.Touch(later)
	if s.QuiescentAge(later) != 0 {
		t.Fatalf("expected zero age right after touch")
	}
	if s.CreationAge(later) != 90*time.Second {
		t.Fatalf("unexpected creation age: %v", s.CreationAge(later))
	}
}
