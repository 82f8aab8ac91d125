// Package parser recognizes the inbound filename dialects used by the
// ground-station pipeline (modern long-form RINEX v3, legacy short RINEX,
// Trimble zip, Leica zip) and yields a structured descriptor, or an
// explicit not-recognized signal for anything else.
package parser

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"gnssingest/workunit"
)

// ErrNotRecognized is returned when a basename matches none of the known
// dialects. Callers must treat this as terminal for the file (relocate to
// the stale area) rather than retry.
var ErrNotRecognized = errors.New("parser: filename not recognized")

// FileType enumerates the canonical RINEX categories a descriptor can name.
type FileType string

const (
	TypeMO FileType = "MO" // mixed observation
	TypeGN FileType = "GN" // GPS navigation
	TypeRN FileType = "RN" // GLONASS navigation
	TypeEN FileType = "EN" // Galileo navigation
	TypeCN FileType = "CN" // BeiDou navigation
	TypeJN FileType = "JN" // QZSS navigation
	TypeIN FileType = "IN" // NavIC navigation
	TypeSN FileType = "SN" // SBAS navigation
	TypeMN FileType = "MN" // mixed navigation
)

// Dialect names the recognized upload format, used to pick the unpack
// strategy.
type Dialect string

const (
	DialectRNX3    Dialect = "septentrio-rnx3"
	DialectRaw     Dialect = "septentrio-raw"
	DialectTrimble Dialect = "trinzic-zip"
	DialectLeica   Dialect = "leica-zip"
)

// shortCodeToType maps the legacy single-letter RINEX extension code to
// the long-form file-type category.
var shortCodeToType = map[byte]FileType{
	'o': TypeMO,
	'n': TypeGN,
	'g': TypeRN,
	'l': TypeEN,
	'f': TypeCN,
	'q': TypeJN,
}

// ShortCodeToType exposes the legacy short-code to long-type mapping to the
// unpack pool, which renames extracted zip members using it.
func ShortCodeToType(code byte) (FileType, bool) {
	t, ok := shortCodeToType[code]
	return t, ok
}

// Descriptor is the structured result of recognizing an inbound filename.
type Descriptor struct {
	Site4    string // 4-character short station name, always known
	Site     string // 9-character canonical name, filled in once resolved against the catalog
	Ident    workunit.Ident
	HH, MI   int
	Dialect  Dialect
	Type     FileType // for dialects that name a single file type directly (rnx3)
	Interval int      // observation interval in seconds, 0 if not named in the filename
}

var (
	// SSSSSSSSS_R_YYYYDDDHHMM_NNH_NNS_MO.rnx(.gz)? or ..._xN.rnx(.gz)?
	reLongRNX3 = regexp.MustCompile(`(?i)^([A-Z0-9]{9})_R_(\d{4})(\d{3})(\d{2})(\d{2})_(\d{2})([HD])_(\d{2})S_([A-Z]{2})\.rnx(?:\.gz)?$`)

	// SSSSDDDH.YY?  (o n g l f q)
	reLegacyShort = regexp.MustCompile(`(?i)^([A-Z0-9]{4})(\d{3})([a-x0])\.(\d{2})([onglfq])$`)

	// SSSSYYYYMMDDHHMMB.zip
	reTrimbleZip = regexp.MustCompile(`(?i)^([A-Z0-9]{4})(\d{4})(\d{2})(\d{2})(\d{2})(\d{2})[A-Za-z]\.zip$`)

	// SSSSDDDH[MM]?.YY[a-z].zip
	reLeicaZip = regexp.MustCompile(`(?i)^([A-Z0-9]{4})(\d{3})([a-x0])(\d{2})?\.(\d{2})[a-z]\.zip$`)
)

// Parse recognizes basename and returns a Descriptor, or ErrNotRecognized.
func Parse(basename string) (Descriptor, error) {
	if d, err := parseLongRNX3(basename); err == nil {
		return d, nil
	}
	if d, err := parseLegacyShort(basename); err == nil {
		return d, nil
	}
	if d, err := parseTrimbleZip(basename); err == nil {
		return d, nil
	}
	if d, err := parseLeicaZip(basename); err == nil {
		return d, nil
	}
	return Descriptor{}, ErrNotRecognized
}

func parseLongRNX3(basename string) (Descriptor, error) {
	m := reLongRNX3.FindStringSubmatch(basename)
	if m == nil {
		return Descriptor{}, ErrNotRecognized
	}
	site9 := strings.ToUpper(m[1])
	year, _ := strconv.Atoi(m[2])
	doy, _ := strconv.Atoi(m[3])
	hh, _ := strconv.Atoi(m[4])
	mi, _ := strconv.Atoi(m[5])
	if mi != 0 {
		return Descriptor{}, ErrNotRecognized
	}
	period := strings.ToUpper(m[7])
	interval, _ := strconv.Atoi(m[8])
	ftyp := strings.ToUpper(m[9])

	var hour byte
	var err error
	if period == "D" {
		hour = workunit.DayHour
	} else {
		hour, err = workunit.HourToLetter(hh)
		if err != nil {
			return Descriptor{}, ErrNotRecognized
		}
	}

	d := Descriptor{
		Site4:   site9[:4],
		Site:    site9,
		HH:      hh,
		MI:      mi,
		Dialect: DialectRNX3,
		Ident: workunit.Ident{
			Site: site9,
			Year: year,
			DOY:  doy,
			Hour: hour,
		},
		Interval: interval,
	}
	switch ftyp {
	case "MO":
		d.Type = TypeMO
	case "GN":
		d.Type = TypeGN
	case "RN":
		d.Type = TypeRN
	case "EN":
		d.Type = TypeEN
	case "CN":
		d.Type = TypeCN
	case "JN":
		d.Type = TypeJN
	case "IN":
		d.Type = TypeIN
	case "SN":
		d.Type = TypeSN
	case "MN":
		d.Type = TypeMN
	default:
		return Descriptor{}, ErrNotRecognized
	}
	return d, nil
}

func parseLegacyShort(basename string) (Descriptor, error) {
	m := reLegacyShort.FindStringSubmatch(basename)
	if m == nil {
		return Descriptor{}, ErrNotRecognized
	}
	site4 := strings.ToUpper(m[1])
	doy, _ := strconv.Atoi(m[2])
	hourLetter := strings.ToLower(m[3])[0]
	yy, _ := strconv.Atoi(m[4])

	year := twoDigitYear(yy)
	return Descriptor{
		Site4: site4,
		Ident: workunit.Ident{
			Site: "", // resolved against the catalog by the caller
			Year: year,
			DOY:  doy,
			Hour: hourLetter,
		},
		Dialect: DialectRaw,
	}, nil
}

func parseTrimbleZip(basename string) (Descriptor, error) {
	m := reTrimbleZip.FindStringSubmatch(basename)
	if m == nil {
		return Descriptor{}, ErrNotRecognized
	}
	site4 := strings.ToUpper(m[1])
	year, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[4])
	hh, _ := strconv.Atoi(m[5])
	mi, _ := strconv.Atoi(m[6])
	if mi != 0 {
		return Descriptor{}, ErrNotRecognized
	}
	doy, err := dayOfYear(year, month, day)
	if err != nil {
		return Descriptor{}, ErrNotRecognized
	}
	hour, err := workunit.HourToLetter(hh)
	if err != nil {
		return Descriptor{}, ErrNotRecognized
	}
	return Descriptor{
		Site4: site4,
		HH:    hh,
		MI:    mi,
		Ident: workunit.Ident{
			Year: year,
			DOY:  doy,
			Hour: hour,
		},
		Dialect: DialectTrimble,
	}, nil
}

func parseLeicaZip(basename string) (Descriptor, error) {
	m := reLeicaZip.FindStringSubmatch(basename)
	if m == nil {
		return Descriptor{}, ErrNotRecognized
	}
	site4 := strings.ToUpper(m[1])
	doy, _ := strconv.Atoi(m[2])
	hourLetter := strings.ToLower(m[3])[0]
	yy, _ := strconv.Atoi(m[5])
	year := twoDigitYear(yy)
	return Descriptor{
		Site4: site4,
		Ident: workunit.Ident{
			Year: year,
			DOY:  doy,
			Hour: hourLetter,
		},
		Dialect: DialectLeica,
	}, nil
}

// twoDigitYear applies the RINEX convention: yy >= 80 means 19yy, else 20yy.
func twoDigitYear(yy int) int {
	if yy >= 80 {
		return 1900 + yy
	}
	return 2000 + yy
}

func dayOfYear(year, month, day int) (int, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return 0, errors.New("parser: invalid calendar date")
	}
	days := []int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}
	if isLeap(year) {
		days[1] = 29
	}
	doy := day
	for m := 0; m < month-1; m++ {
		doy += days[m]
	}
	return doy, nil
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
