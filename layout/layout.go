// Package layout computes the on-disk paths shared by the Inbound
// Dispatcher, Unpack Pool, Pending Aggregator and Job Engine, so the
// INCOMING/SAVEDIR/WORKDIR/JOBQUEUE layout is assembled in one place
// rather than inline in each component.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkDir returns WORKDIR/<site>/<year>/<doy>, the directory holding every
// hour's state.<hour>, rs.<hour>.json and unpack.<hour>/ staging area for
// one station-day.
func WorkDir(root, site string, year, doy int) string {
	return filepath.Join(root, site, fmt.Sprintf("%04d", year), fmt.Sprintf("%03d", doy))
}

// SaveDir returns SAVEDIR/<site>/<year>/<doy>, where an inbound file is
// relocated once its site and identity are resolved.
func SaveDir(root, site string, year, doy int) string {
	return filepath.Join(root, site, fmt.Sprintf("%04d", year), fmt.Sprintf("%03d", doy))
}

// StaleDir returns SAVEDIR/stale, where unrecognized or unknown-site files
// are relocated.
func StaleDir(saveRoot string) string {
	return filepath.Join(saveRoot, "stale")
}

// UnpackDir returns the per-hour staging directory a decoder extracts or
// decompresses into, before a successful unpack promotes its contents into
// the work directory proper.
func UnpackDir(workDir string, hour byte) string {
	return filepath.Join(workDir, fmt.Sprintf("unpack.%c", hour))
}

// ForceCompleteMarker returns the marker file path the Job Engine's
// forced-completion scan looks for under a work directory.
func ForceCompleteMarker(workDir string) string {
	return filepath.Join(workDir, "force-complete")
}

// PromoteDir moves every regular file out of stagingDir into destDir, then
// removes the now-empty staging directory. Used by both the Unpack Pool
// and the Pending Aggregator to promote an hour's unpack.<hour>/ staging
// area into its work directory.
func PromoteDir(stagingDir, destDir string) error {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src := filepath.Join(stagingDir, e.Name())
		dst := filepath.Join(destDir, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move %s: %w", src, err)
		}
	}
	return os.Remove(stagingDir)
}
