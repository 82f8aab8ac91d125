package jobengine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"gnssingest/jobqueue"
	"gnssingest/layout"
)

// runCommand parses and executes one admin directive read from JOBQUEUE:
// reload ftpuploader, force complete, reprocess, and forget. A parse
// failure is always logged, never silently dropped.
func (e *Engine) runCommand(text string) {
	cmd, err := jobqueue.ParseCommand(text)
	if err != nil {
		log.Printf("jobengine: admin command %q: %v", text, err)
		return
	}
	switch cmd.Kind {
	case jobqueue.CommandReloadFTPUploader:
		e.reloadFTPUploader()
	case jobqueue.CommandForceComplete:
		e.forceCompleteDay(cmd.Site, cmd.Year, cmd.DOYFrom)
	case jobqueue.CommandReprocess:
		e.reprocessRange(cmd.Site, cmd.Year, cmd.DOYFrom, cmd.DOYTo)
	case jobqueue.CommandForget:
		e.forgetDay(cmd.Site, cmd.Year, cmd.DOYFrom)
	}
}

// reloadFTPUploader signals the external FTP/SFTP uploader sub-process to
// reload, by PID file and signal name, both configurable since the
// uploader is an out-of-scope external collaborator.
func (e *Engine) reloadFTPUploader() {
	cfg := e.cfg.Load().Engine
	if cfg.FTPUploaderPIDFile == "" {
		log.Printf("jobengine: reload ftpuploader: no pid file configured")
		return
	}
	data, err := os.ReadFile(cfg.FTPUploaderPIDFile)
	if err != nil {
		log.Printf("jobengine: reload ftpuploader: read pid file: %v", err)
		return
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		log.Printf("jobengine: reload ftpuploader: malformed pid file: %v", err)
		return
	}
	sig, err := parseSignalName(cfg.FTPUploaderReloadSignal)
	if err != nil {
		log.Printf("jobengine: reload ftpuploader: %v", err)
		return
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		log.Printf("jobengine: reload ftpuploader: find pid %d: %v", pid, err)
		return
	}
	if err := proc.Signal(sig); err != nil {
		log.Printf("jobengine: reload ftpuploader: signal pid %d: %v", pid, err)
		return
	}
	log.Printf("jobengine: signaled ftpuploader pid %d with %s", pid, cfg.FTPUploaderReloadSignal)
}

func parseSignalName(name string) (syscall.Signal, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SIGHUP", "HUP":
		return syscall.SIGHUP, nil
	case "SIGUSR1", "USR1":
		return syscall.SIGUSR1, nil
	case "SIGUSR2", "USR2":
		return syscall.SIGUSR2, nil
	case "SIGTERM", "TERM":
		return syscall.SIGTERM, nil
	default:
		return 0, fmt.Errorf("unrecognized signal name %q", name)
	}
}

// forceCompleteDay drops a force-complete marker into the day's work
// directory and tries to emit the hour2daily job right away; if no hourly
// RINEX Set supplies an interval yet, the marker stays for a later
// forceCompleteSweep to retry.
func (e *Engine) forceCompleteDay(site string, year, doy int) {
	workDir := layout.WorkDir(e.cfg.Load().Directories.WorkDir, site, year, doy)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		log.Printf("jobengine: force complete %s %04d/%03d: %v", site, year, doy, err)
		return
	}
	marker := layout.ForceCompleteMarker(workDir)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		log.Printf("jobengine: force complete %s %04d/%03d: %v", site, year, doy, err)
		return
	}
	e.maybeForceComplete(workDir, site, year, doy)
}

// reprocessRange moves every file under SAVEDIR/<site>/<year>/<doy> back
// into INCOMING for each day in [from, to], so the Inbound Dispatcher picks
// them up again from scratch.
func (e *Engine) reprocessRange(site string, year, from, to int) {
	cfg := e.cfg.Load()
	for doy := from; doy <= to; doy++ {
		saveDir := layout.SaveDir(cfg.Directories.SaveDir, site, year, doy)
		entries, err := os.ReadDir(saveDir)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Printf("jobengine: reprocess %s %04d/%03d: %v", site, year, doy, err)
			}
			continue
		}
		for _, ent := range entries {
			if ent.IsDir() {
				continue
			}
			src := filepath.Join(saveDir, ent.Name())
			dst := filepath.Join(cfg.Directories.Incoming, ent.Name())
			if err := os.Rename(src, dst); err != nil {
				log.Printf("jobengine: reprocess %s: move %s: %v", site, ent.Name(), err)
			}
		}
		log.Printf("jobengine: reprocess %s %04d/%03d: %d files returned to incoming", site, year, doy, len(entries))
	}
}

// forgetDay erases a day's ledger entry and work directory so it can be
// reprocessed from a clean slate.
func (e *Engine) forgetDay(site string, year, doy int) {
	if err := e.ledger.ClearDay(site, year, doy); err != nil {
		log.Printf("jobengine: forget %s %04d/%03d: %v", site, year, doy, err)
		return
	}
	workDir := layout.WorkDir(e.cfg.Load().Directories.WorkDir, site, year, doy)
	if err := os.RemoveAll(workDir); err != nil {
		log.Printf("jobengine: forget %s %04d/%03d: remove work dir: %v", site, year, doy, err)
		return
	}
	log.Printf("jobengine: forgot %s %04d/%03d", site, year, doy)
}
