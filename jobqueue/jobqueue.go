// Package jobqueue is the file-spool protocol between job producers (the
// Unpack Pool, the Pending Aggregator) and the Job Engine: entries are
// regular files under JOBQUEUE/ whose name ends in "command" (an admin
// directive, body is plain text) or anything else (a job descriptor, body
// is JSON). Every write lands via a temp file plus rename so a partially
// written file is never visible to the watcher: all hand-offs use
// rename() within the same filesystem to achieve atomicity.
package jobqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/google/uuid"

	"gnssingest/workunit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind names the domain operation a job descriptor asks the worker to run.
type Kind string

const (
	// KindFTP is emitted once an hour's RINEX Set is promoted to the work
	// directory and its state becomes queued.
	KindFTP Kind = "ftp"
	// KindHourToDaily is the day-job kind. Only force-complete emits it;
	// nothing emits it when a day's hours finish on their own.
	KindHourToDaily Kind = "hour2daily"
)

// Job is the JSON body of a non-command JOBQUEUE entry.
type Job struct {
	Ident         string `json:"ident"`
	Kind          Kind   `json:"kind"`
	WorkDir       string `json:"work_dir"`
	Interval      int    `json:"interval,omitempty"`
	ForceComplete bool   `json:"force_complete,omitempty"`
}

// Emit atomically writes a job descriptor into dir.
func Emit(dir string, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobqueue: marshal job: %w", err)
	}
	return writeAtomic(dir, uuid.NewString()+".job", data)
}

// EmitCommand atomically writes an admin command's raw text into dir. The
// filename always ends in "command", the marker the Job Engine's spool
// watcher uses to distinguish it from a job descriptor.
func EmitCommand(dir string, text string) error {
	return writeAtomic(dir, uuid.NewString()+".command", []byte(text))
}

func writeAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("jobqueue: mkdir %s: %w", dir, err)
	}
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("jobqueue: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("jobqueue: rename %s: %w", tmp, err)
	}
	return nil
}

// IsCommandFile reports whether name is an admin command entry rather than
// a job descriptor.
func IsCommandFile(name string) bool {
	return strings.HasSuffix(name, "command")
}

// CommandKind enumerates the admin command grammar: reload, force complete,
// reprocess, and forget.
type CommandKind string

const (
	CommandReloadFTPUploader CommandKind = "reload_ftpuploader"
	CommandForceComplete     CommandKind = "force_complete"
	CommandReprocess         CommandKind = "reprocess"
	CommandForget            CommandKind = "forget"
)

// Command is a parsed admin directive.
type Command struct {
	Kind    CommandKind
	Site    string
	Year    int
	DOYFrom int
	DOYTo   int // equal to DOYFrom except for a reprocess range
}

// ParseCommand matches text against the admin command grammar. The grammar
// is case-sensitive: only the exact lowercase verbs below match. Unmatched
// text is a parse failure, always surfaced rather than silently dropped.
func ParseCommand(text string) (Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("jobqueue: empty admin command")
	}
	verb := fields[0]
	switch verb {
	case "reload":
		if len(fields) == 2 && fields[1] == "ftpuploader" {
			return Command{Kind: CommandReloadFTPUploader}, nil
		}
	case "force":
		if len(fields) == 5 && fields[1] == "complete" {
			return parseSiteYearDOY(CommandForceComplete, fields[2:])
		}
	case "reprocess":
		if len(fields) == 4 {
			return parseSiteYearDOYRange(CommandReprocess, fields[1:])
		}
	case "forget":
		if len(fields) == 4 {
			return parseSiteYearDOY(CommandForget, fields[1:])
		}
	}
	return Command{}, fmt.Errorf("jobqueue: unrecognized admin command %q", text)
}

func parseSiteYearDOY(kind CommandKind, fields []string) (Command, error) {
	site, year, doy, err := parseSiteYear(fields[0], fields[1], fields[2])
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, Site: site, Year: year, DOYFrom: doy, DOYTo: doy}, nil
}

func parseSiteYearDOYRange(kind CommandKind, fields []string) (Command, error) {
	site := strings.ToUpper(fields[0])
	year, err := strconv.Atoi(fields[1])
	if err != nil {
		return Command{}, fmt.Errorf("jobqueue: invalid year %q: %w", fields[1], err)
	}
	from, to, err := parseDOYRange(fields[2])
	if err != nil {
		return Command{}, err
	}
	return Command{Kind: kind, Site: site, Year: year, DOYFrom: from, DOYTo: to}, nil
}

func parseSiteYear(siteField, yearField, doyField string) (string, int, int, error) {
	year, err := strconv.Atoi(yearField)
	if err != nil {
		return "", 0, 0, fmt.Errorf("jobqueue: invalid year %q: %w", yearField, err)
	}
	doy, err := strconv.Atoi(doyField)
	if err != nil {
		return "", 0, 0, fmt.Errorf("jobqueue: invalid doy %q: %w", doyField, err)
	}
	return strings.ToUpper(siteField), year, doy, nil
}

func parseDOYRange(field string) (int, int, error) {
	parts := strings.SplitN(field, "-", 2)
	from, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("jobqueue: invalid doy %q: %w", parts[0], err)
	}
	if len(parts) == 1 {
		return from, from, nil
	}
	to, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("jobqueue: invalid doy %q: %w", parts[1], err)
	}
	if to < from {
		return 0, 0, fmt.Errorf("jobqueue: doy range %q is inverted", field)
	}
	return from, to, nil
}

// IdentFor formats a work unit identity the same way the job JSON does, so
// callers building a Job don't have to know the on-disk textual format.
func IdentFor(id workunit.Ident) string {
	return id.String()
}
