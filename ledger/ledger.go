// Package ledger wraps the daily-summary table used to remember which days
// have already been processed to completion. The dispatcher only checks
// whether a day-job row exists; a successful hour2daily job inserts one,
// and only the forget admin command clears it.
package ledger

import (
	"database/sql"
	"fmt"
)

// Ledger checks, marks and clears the gpssums(site, year, doy, hour) table.
type Ledger struct {
	db *sql.DB
}

// Open wraps an already-open database handle. The core never creates this
// schema; it is owned by the relational database, an external
// collaborator.
func Open(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// DayProcessed reports whether the day-job (hour '0') for (site, year, doy)
// already has a gpssums row: a work directory must not be recreated for an
// already-summarized day.
func (l *Ledger) DayProcessed(site string, year, doy int) (bool, error) {
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM gpssums WHERE site = ? AND year = ? AND doy = ? AND hour = '0'`,
		site, year, doy,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("ledger: query gpssums: %w", err)
	}
	return n > 0, nil
}

// MarkDayProcessed inserts the hour '0' row that DayProcessed checks for,
// the database half of a successful hour2daily job.
func (l *Ledger) MarkDayProcessed(site string, year, doy int) error {
	if _, err := l.db.Exec(
		`INSERT INTO gpssums (site, year, doy, hour) VALUES (?, ?, ?, '0')`,
		site, year, doy,
	); err != nil {
		return fmt.Errorf("ledger: mark day processed: %w", err)
	}
	return nil
}

// ClearDay removes every gpssums row for (site, year, doy), the database
// half of the forget admin command: erase the work directory and ledger
// entry so a day may be reprocessed.
func (l *Ledger) ClearDay(site string, year, doy int) error {
	if _, err := l.db.Exec(
		`DELETE FROM gpssums WHERE site = ? AND year = ? AND doy = ?`,
		site, year, doy,
	); err != nil {
		return fmt.Errorf("ledger: clear gpssums: %w", err)
	}
	return nil
}
