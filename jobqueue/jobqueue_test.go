package jobqueue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmitWritesReadableJobFile(t *testing.T) {
	dir := t.TempDir()
	job := Job{Ident: "ABCD00DNK-2019-152-a", Kind: KindFTP, WorkDir: "/work/ABCD00DNK/2019/152"}
	if err := Emit(dir, job); err != nil {
		t.Fatalf("emit: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	name := entries[0].Name()
	if strings.HasPrefix(name, ".") {
		t.Fatalf("temp file leaked into the spool: %q", name)
	}
	if IsCommandFile(name) {
		t.Fatalf("job file %q must not look like a command file", name)
	}

	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var got Job
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != job {
		t.Fatalf("got %+v, want %+v", got, job)
	}
}

func TestEmitCommandNameEndsInCommand(t *testing.T) {
	dir := t.TempDir()
	if err := EmitCommand(dir, "reload ftpuploader"); err != nil {
		t.Fatalf("emit command: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry, got %d", len(entries))
	}
	if !IsCommandFile(entries[0].Name()) {
		t.Fatalf("expected %q to be recognized as a command file", entries[0].Name())
	}
}

func TestIsCommandFile(t *testing.T) {
	cases := map[string]bool{
		"abcd-1234.command": true,
		"abcd-1234.job":     false,
		"command":           true,
		"commander":         false,
	}
	for name, want := range cases {
		if got := IsCommandFile(name); got != want {
			t.Errorf("IsCommandFile(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestParseCommandReloadFTPUploader(t *testing.T) {
	cmd, err := ParseCommand("reload ftpuploader")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cmd.Kind != CommandReloadFTPUploader {
		t.Fatalf("got kind %v", cmd.Kind)
	}
}

func TestParseCommandForceComplete(t *testing.T) {
	cmd, err := ParseCommand("force complete abcd00dnk 2019 152")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Command{Kind: CommandForceComplete, Site: "ABCD00DNK", Year: 2019, DOYFrom: 152, DOYTo: 152}
	if cmd != want {
		t.Fatalf("got %+v, want %+v", cmd, want)
	}
}

func TestParseCommandReprocessSingleDOY(t *testing.T) {
	cmd, err := ParseCommand("reprocess ABCD00DNK 2019 152")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Command{Kind: CommandReprocess, Site: "ABCD00DNK", Year: 2019, DOYFrom: 152, DOYTo: 152}
	if cmd != want {
		t.Fatalf("got %+v, want %+v", cmd, want)
	}
}

func TestParseCommandReprocessRange(t *testing.T) {
	cmd, err := ParseCommand("reprocess ABCD00DNK 2019 150-152")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Command{Kind: CommandReprocess, Site: "ABCD00DNK", Year: 2019, DOYFrom: 150, DOYTo: 152}
	if cmd != want {
		t.Fatalf("got %+v, want %+v", cmd, want)
	}
}

func TestParseCommandReprocessInvertedRangeFails(t *testing.T) {
	if _, err := ParseCommand("reprocess ABCD00DNK 2019 152-150"); err == nil {
		t.Fatalf("expected an inverted range to fail")
	}
}

func TestParseCommandForget(t *testing.T) {
	cmd, err := ParseCommand("forget ABCD00DNK 2019 152")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Command{Kind: CommandForget, Site: "ABCD00DNK", Year: 2019, DOYFrom: 152, DOYTo: 152}
	if cmd != want {
		t.Fatalf("got %+v, want %+v", cmd, want)
	}
}

func TestParseCommandUnrecognized(t *testing.T) {
	cases := []string{"", "frobnicate everything", "force complete", "reprocess ABCD00DNK 2019"}
	for _, text := range cases {
		if _, err := ParseCommand(text); err == nil {
			t.Errorf("expected %q to fail to parse", text)
		}
	}
}

func TestParseCommandIsCaseSensitive(t *testing.T) {
	cases := []string{"RELOAD ftpuploader", "Reload ftpuploader", "Force Complete ABCD00DNK 2019 152", "force COMPLETE abcd00dnk 2019 152"}
	for _, text := range cases {
		if _, err := ParseCommand(text); err == nil {
			t.Errorf("expected %q to be rejected by the case-sensitive grammar", text)
		}
	}
}
