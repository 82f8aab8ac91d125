// Package unpack implements the Unpack Pool: a fixed number of workers
// that turn one inbound file into a RINEX Set entry, either by handing a
// pending-add message to the Pending Aggregator (the long RINEX v3
// dialect) or by decoding and promoting a single-file upload straight to
// a queued hour (the raw and zip dialects).
package unpack

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gnssingest/jobstate"
	"gnssingest/layout"
	"gnssingest/parser"
	"gnssingest/rinexset"
	"gnssingest/workunit"
)

// PendingAdd is the message the rnx3 dialect hands to the Pending
// Aggregator: a single file attached to an hour's RINEX Set rather than a
// direct promotion. The hour's on-disk state is left untouched -- the
// Pending Aggregator alone decides when a set is ready to promote.
type PendingAdd struct {
	Ident workunit.Ident
	Fn    string // canonical filename placed in unpack.<hour>/
	Ifn   string // original incoming basename, recorded in the set's Origs
}

// PendingSink receives PendingAdd messages, implemented by the Pending
// Aggregator.
type PendingSink interface {
	Add(add PendingAdd)
}

// Request is one unit of unpack work, built by the Inbound Dispatcher once
// a file has been classified and moved into SAVEDIR.
type Request struct {
	Descriptor   parser.Descriptor
	SourcePath   string // absolute path of the file now resident in SAVEDIR
	IncomingName string // original basename as it appeared in INCOMING
}

// Pool is the bounded worker pool that drains unpack Requests.
type Pool struct {
	workers      int
	requests     chan Request
	runner       Runner
	sink         PendingSink
	workRoot     string
	jobQueueDir  string
	countryCodes map[string]string

	wg sync.WaitGroup
}

// NewPool builds a Pool with the given worker count (at least 1). Start
// launches the workers; Submit enqueues work; Stop drains and waits.
func NewPool(workers int, runner Runner, sink PendingSink, workRoot, jobQueueDir string, countryCodes map[string]string) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers:      workers,
		requests:     make(chan Request, 256),
		runner:       runner,
		sink:         sink,
		workRoot:     workRoot,
		jobQueueDir:  jobQueueDir,
		countryCodes: countryCodes,
	}
}

// Start launches the configured number of worker goroutines. Each worker
// blocks on the shared request channel until ctx is canceled or Stop closes
// it.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx)
	}
}

// QueueDepth returns the number of requests currently buffered, waiting
// for an idle worker. Intended for periodic metrics sampling.
func (p *Pool) QueueDepth() int {
	return len(p.requests)
}

// Submit enqueues a request for an idle worker to pick up.
func (p *Pool) Submit(req Request) {
	p.requests <- req
}

// Stop closes the request channel and waits for in-flight work to finish.
func (p *Pool) Stop() {
	close(p.requests)
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.requests:
			if !ok {
				return
			}
			p.handle(ctx, req)
		}
	}
}

func (p *Pool) handle(ctx context.Context, req Request) {
	switch req.Descriptor.Dialect {
	case parser.DialectRNX3:
		p.handleRNX3(ctx, req)
	case parser.DialectRaw:
		p.handleSingleFile(ctx, req, p.decodeRaw)
	case parser.DialectTrimble, parser.DialectLeica:
		p.handleSingleFile(ctx, req, p.decodeZip)
	default:
		log.Printf("unpack: unsupported dialect %q for %s", req.Descriptor.Dialect, req.SourcePath)
	}
}

// handleRNX3 implements the long-RINEX-v3 path: decompress and forward
// without touching the hour's state; only a gunzip failure resets it to
// none.
func (p *Pool) handleRNX3(ctx context.Context, req Request) {
	id := req.Descriptor.Ident
	workDir := layout.WorkDir(p.workRoot, id.Site, id.Year, id.DOY)
	unpackDir := layout.UnpackDir(workDir, id.Hour)

	dest, err := p.runner.Gunzip(ctx, req.SourcePath, unpackDir)
	if err != nil {
		log.Printf("unpack: %s: gunzip %s: %v", id, req.SourcePath, err)
		p.markFailed(workDir, id)
		return
	}
	p.sink.Add(PendingAdd{Ident: id, Fn: filepath.Base(dest), Ifn: req.IncomingName})
}

type decodeFunc func(ctx context.Context, req Request, workDir, unpackDir string, id workunit.Ident) (*rinexset.Set, error)

// handleSingleFile implements the shared raw/zip state-locked path: take
// the hour lock, require an eligible state, decode, then either promote or
// reset to none on failure.
func (p *Pool) handleSingleFile(ctx context.Context, req Request, decode decodeFunc) {
	id := req.Descriptor.Ident
	workDir := layout.WorkDir(p.workRoot, id.Site, id.Year, id.DOY)
	unpackDir := layout.UnpackDir(workDir, id.Hour)

	handle, err := jobstate.Open(workDir, id)
	if err != nil {
		log.Printf("unpack: %s: open state: %v", id, err)
		return
	}
	defer handle.Unlock()

	cur, err := handle.Read()
	if err != nil {
		log.Printf("unpack: %s: read state: %v", id, err)
		return
	}
	if cur != jobstate.None && cur != jobstate.Processed {
		log.Printf("unpack: %s: state %q ineligible for unpack, leaving %s in SAVEDIR", id, cur, req.SourcePath)
		return
	}

	set, err := decode(ctx, req, workDir, unpackDir, id)
	if err != nil {
		log.Printf("unpack: %s: decode %s: %v", id, req.SourcePath, err)
		if werr := handle.Write(jobstate.None); werr != nil {
			log.Printf("unpack: %s: reset state after decode failure: %v", id, werr)
		}
		return
	}

	if err := finishUnpack(handle, p.jobQueueDir, workDir, unpackDir, set); err != nil {
		log.Printf("unpack: %s: finish: %v", id, err)
	}
}

func (p *Pool) decodeRaw(ctx context.Context, req Request, workDir, unpackDir string, id workunit.Ident) (*rinexset.Set, error) {
	country := p.countryCodes[id.Site]
	if _, err := p.runner.SBF2RIN(ctx, req.SourcePath, unpackDir, country); err != nil {
		return nil, err
	}
	return scanUnpackDir(unpackDir, id, req.Descriptor.Interval)
}

func (p *Pool) decodeZip(ctx context.Context, req Request, workDir, unpackDir string, id workunit.Ident) (*rinexset.Set, error) {
	members, err := p.runner.Unzip(ctx, req.SourcePath, unpackDir)
	if err != nil {
		return nil, err
	}
	set := rinexset.New(id, req.Descriptor.Interval, time.Now())
	set.ZipFile = filepath.Base(req.SourcePath)
	for _, member := range members {
		canonical, err := p.decodeMember(ctx, unpackDir, member, set)
		if err != nil {
			log.Printf("unpack: %s: member %s: %v", id, member, err)
			continue
		}
		set.AttachByFilename(canonical)
		set.Origs = append(set.Origs, member)
	}
	return set, nil
}

func (p *Pool) decodeMember(ctx context.Context, unpackDir, member string, set *rinexset.Set) (string, error) {
	path := filepath.Join(unpackDir, member)
	shortCode, needsGunzip, needsCRX := classifyMember(member)
	if shortCode == 0 {
		return "", fmt.Errorf("unrecognized member name %q", member)
	}
	if needsGunzip {
		dest, err := p.runner.Gunzip(ctx, path, unpackDir)
		if err != nil {
			return "", err
		}
		path = dest
	}
	if needsCRX {
		dest, err := p.runner.CRX2RNX(ctx, path, unpackDir)
		if err != nil {
			return "", err
		}
		path = dest
	}
	ftype, ok := parser.ShortCodeToType(shortCode)
	if !ok {
		return "", fmt.Errorf("short code %q has no RINEX type mapping", string(shortCode))
	}
	canonicalPath := filepath.Join(unpackDir, canonicalName(set, ftype))
	if path != canonicalPath {
		if err := os.Rename(path, canonicalPath); err != nil {
			return "", fmt.Errorf("rename %s: %w", path, err)
		}
	}
	return filepath.Base(canonicalPath), nil
}

func (p *Pool) markFailed(workDir string, id workunit.Ident) {
	handle, err := jobstate.Open(workDir, id)
	if err != nil {
		log.Printf("unpack: %s: open state for failure reset: %v", id, err)
		return
	}
	defer handle.Unlock()
	if err := handle.Write(jobstate.None); err != nil {
		log.Printf("unpack: %s: reset state: %v", id, err)
	}
}

func scanUnpackDir(unpackDir string, id workunit.Ident, interval int) (*rinexset.Set, error) {
	entries, err := os.ReadDir(unpackDir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", unpackDir, err)
	}
	set := rinexset.New(id, interval, time.Now())
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		set.AttachByFilename(e.Name())
		set.Origs = append(set.Origs, e.Name())
	}
	return set, nil
}

// canonicalName derives the canonical RINEX v3 member name from a RINEX
// Set's identity and a resolved file type, matching the "_NNS_MO.rnx" /
// "_XN.rnx" suffixes rinexset.AttachByFilename classifies.
func canonicalName(set *rinexset.Set, ftype parser.FileType) string {
	if ftype == parser.TypeMO {
		interval := set.Interval
		if interval == 0 {
			interval = 30
		}
		return fmt.Sprintf("%s_%04d%03d%c_%02dS_MO.rnx", set.Site, set.Year, set.DOY, set.Hour, interval)
	}
	return fmt.Sprintf("%s_%04d%03d%c_%s.rnx", set.Site, set.Year, set.DOY, set.Hour, string(ftype))
}

// classifyMember inspects an extracted zip member's name and reports the
// legacy short code it carries, and whether it needs gunzip and/or
// CRX-to-RNX decompression first. A Hatanaka-compressed observation file
// (trailing 'd') is reported as short code 'o' since that is the type it
// becomes once decompressed.
func classifyMember(name string) (shortCode byte, needsGunzip, needsCRX bool) {
	base := name
	if strings.HasSuffix(strings.ToLower(base), ".gz") {
		needsGunzip = true
		base = base[:len(base)-len(".gz")]
	}
	dot := strings.LastIndex(base, ".")
	if dot < 0 || dot == len(base)-1 {
		return 0, needsGunzip, false
	}
	ext := strings.ToLower(base[dot+1:])
	switch last := ext[len(ext)-1]; last {
	case 'd':
		return 'o', needsGunzip, true
	case 'o', 'n', 'g', 'l', 'f', 'q':
		return last, needsGunzip, false
	default:
		return 0, needsGunzip, false
	}
}
