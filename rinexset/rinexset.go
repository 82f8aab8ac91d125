// Package rinexset implements the in-memory and on-disk representation of
// one hour's collected RINEX files for a station/day -- a "RINEX Set". A
// set is read and written as rs.<hour>.json inside the station's work
// directory.
package rinexset

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"

	"gnssingest/workunit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Set describes one hour's files for a work unit.
type Set struct {
	Site string `json:"site"`
	Year int    `json:"year"`
	DOY  int    `json:"doy"`
	Hour byte   `json:"hour"`

	Interval int `json:"interval"`

	MO string `json:"mo,omitempty"`
	GN string `json:"gn,omitempty"`
	RN string `json:"rn,omitempty"`
	EN string `json:"en,omitempty"`
	CN string `json:"cn,omitempty"`
	JN string `json:"jn,omitempty"`
	IN string `json:"in,omitempty"`
	SN string `json:"sn,omitempty"`
	MN string `json:"mn,omitempty"`

	ZipFile string   `json:"zipfile,omitempty"`
	Origs   []string `json:"origs,omitempty"`

	TimeCreated int64 `json:"_timecreated"`
	Timestamp   int64 `json:"_timestamp"`
}

// Ident returns the work-unit identity this set describes.
func (s *Set) Ident() workunit.Ident {
	return workunit.Ident{Site: s.Site, Year: s.Year, DOY: s.DOY, Hour: s.Hour}
}

// New creates an empty set for ident, stamping creation and touch times.
func New(id workunit.Ident, interval int, now time.Time) *Set {
	ts := now.UTC().Unix()
	return &Set{
		Site:        id.Site,
		Year:        id.Year,
		DOY:         id.DOY,
		Hour:        id.Hour,
		Interval:    interval,
		TimeCreated: ts,
		Timestamp:   ts,
	}
}

// Touch bumps the last-touch timestamp. Called whenever a new file attaches.
func (s *Set) Touch(now time.Time) {
	s.Timestamp = now.UTC().Unix()
}

// CreationAge returns how long ago the set was first created.
func (s *Set) CreationAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.TimeCreated, 0).UTC())
}

// QuiescentAge returns how long it has been since the set was last touched.
func (s *Set) QuiescentAge(now time.Time) time.Duration {
	return now.Sub(time.Unix(s.Timestamp, 0).UTC())
}

// HasNav reports whether any per-constellation navigation file is present.
func (s *Set) HasNav() bool {
	return s.GN != "" || s.RN != "" || s.EN != "" || s.CN != "" || s.JN != "" || s.IN != "" || s.SN != ""
}

// Submittable reports whether the set has at least one MO file and at
// least one NAV file.
func (s *Set) Submittable() bool {
	return s.MO != "" && s.HasNav()
}

// Complete reports whether the set's mixed-navigation file is present.
// Completeness disables further waiting.
func (s *Set) Complete() bool {
	return s.MN != ""
}

// AttachByFilename inspects a canonical file name's suffix and records it
// in the appropriate slot: "_NNS_MO.rnx" fills MO and sets interval;
// "_XN.rnx" fills the matching per-constellation (or mixed) slot.
func (s *Set) AttachByFilename(canonicalName string) {
	base := filepath.Base(canonicalName)
	typ, interval, ok := classifySuffix(base)
	if !ok {
		return
	}
	if interval > 0 {
		s.Interval = interval
	}
	switch typ {
	case "MO":
		s.MO = canonicalName
	case "GN":
		s.GN = canonicalName
	case "RN":
		s.RN = canonicalName
	case "EN":
		s.EN = canonicalName
	case "CN":
		s.CN = canonicalName
	case "JN":
		s.JN = canonicalName
	case "IN":
		s.IN = canonicalName
	case "SN":
		s.SN = canonicalName
	case "MN":
		s.MN = canonicalName
	}
}

// classifySuffix extracts the two-letter RINEX category and, for MO files,
// the sampling interval, from a canonical v3 basename of the form
// "..._NNS_MO.rnx" or "..._XN.rnx".
func classifySuffix(base string) (typ string, interval int, ok bool) {
	name := base
	for _, ext := range []string{".gz", ".rnx"} {
		name = trimSuffixOnce(name, ext)
	}
	if len(name) < 2 {
		return "", 0, false
	}
	typ = name[len(name)-2:]
	switch typ {
	case "MO", "GN", "RN", "EN", "CN", "JN", "IN", "SN", "MN":
	default:
		return "", 0, false
	}
	if typ == "MO" {
		// Expect a trailing "_NNS" immediately before "_MO".
		rest := name[:len(name)-len("_MO")]
		if len(rest) >= 4 && rest[len(rest)-1] == 'S' {
			digits := rest[len(rest)-3 : len(rest)-1]
			var n int
			if _, err := fmt.Sscanf(digits, "%02d", &n); err == nil {
				interval = n
			}
		}
	}
	return typ, interval, true
}

func trimSuffixOnce(s, suffix string) string {
	if len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}

// Path returns the canonical rs.<hour>.json path for a work directory.
func Path(workDir string, id workunit.Ident) string {
	return filepath.Join(workDir, fmt.Sprintf("rs.%c.json", id.Hour))
}

// Load reads a persisted set from disk. Returns os.ErrNotExist unmodified
// so callers can distinguish "no set yet" from other failures.
func Load(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Set
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("rinexset: decode %s: %w", path, err)
	}
	return &s, nil
}

// Save persists the set to path atomically (write to a temp file, then
// rename within the same directory).
func (s *Set) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("rinexset: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("rinexset: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rinexset: rename: %w", err)
	}
	return nil
}
