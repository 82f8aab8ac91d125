// Program dispatcher runs the Inbound Dispatcher: it watches INCOMING for
// uploads, classifies, relocates and hands each file to an in-process
// Unpack Pool, which in turn feeds the Pending Aggregator.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gnssingest/config"
	"gnssingest/dispatcher"
	"gnssingest/ledger"
	"gnssingest/metricsx"
	"gnssingest/pending"
	"gnssingest/sitecatalog"
	"gnssingest/unpack"

	_ "modernc.org/sqlite"
)

// shutdownDrain is how long the dispatcher waits for its run loop to
// return after a graceful shutdown signal. pool.Stop, called before that
// wait, waits for in-flight unpack work without a time limit.
const shutdownDrain = 25 * time.Second

// catalogReloadInterval is the idle-time fallback refresh of the Site
// Catalog, matching the SIGHUP-triggered reload.
const catalogReloadInterval = 10 * time.Minute

// queueDepthSampleInterval is how often the unpack queue depth gauge is
// refreshed for the optional metrics endpoint.
const queueDepthSampleInterval = 5 * time.Second

func sampleQueueDepth(ctx context.Context, metrics *metricsx.Metrics, pool *unpack.Pool) {
	ticker := time.NewTicker(queueDepthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.UnpackQueueDepth.Set(float64(pool.QueueDepth()))
		}
	}
}

func periodicCatalogReload(ctx context.Context, catalog *sitecatalog.Catalog, db *sql.DB) {
	ticker := time.NewTicker(catalogReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := catalog.Reload(db); err != nil {
				log.Printf("dispatcher: periodic site catalog reload: %v", err)
			}
		}
	}
}

func main() {
	configPath := flag.String("c", "config.yaml", "path to the YAML configuration file")
	daemonize := flag.Bool("d", false, "run detached from the controlling terminal")
	instances := flag.Int("i", 0, "override unpack.workers from the config file (0 keeps config value)")
	logPath := flag.String("l", "", "log file path (empty logs to stderr)")
	flag.Parse()

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("dispatcher: open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}
	if *daemonize {
		log.Printf("dispatcher: -d is a hint honored by the process supervisor; running in foreground")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("dispatcher: load config: %v", err)
	}
	if *instances > 0 {
		cfg.Unpack.Workers = *instances
	}
	snap := config.NewSnapshot(cfg)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("dispatcher: open database: %v", err)
	}
	defer db.Close()

	catalog, err := sitecatalog.Open(db, cfg.Database.CatalogCachePath)
	if err != nil {
		log.Fatalf("dispatcher: open site catalog: %v", err)
	}
	defer catalog.Close()
	dayLedger := ledger.Open(db)

	agg := pending.New(
		cfg.Directories.Incoming,
		cfg.Directories.WorkDir,
		cfg.Directories.JobQueue,
		time.Duration(cfg.Pending.TickIntervalSeconds)*time.Second,
		time.Duration(cfg.Pending.QuiescenceSeconds)*time.Second,
		time.Duration(cfg.Pending.StalenessSeconds)*time.Second,
	)

	runner := unpack.NewExecRunner(cfg.Unpack.DecoderPaths)
	pool := unpack.NewPool(cfg.Unpack.Workers, runner, agg, cfg.Directories.WorkDir, cfg.Directories.JobQueue, cfg.Unpack.CountryCodes)

	disp, err := dispatcher.New(snap, catalog, dayLedger, pool)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}
	defer disp.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics := metricsx.New("dispatcher")
		metrics.Serve(ctx, cfg.Metrics.BindAddress)
		disp.WithMetrics(metrics)
		go sampleQueueDepth(ctx, metrics, pool)
	}

	pool.Start(ctx)
	go agg.Run(ctx)
	go periodicCatalogReload(ctx, catalog, db)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	log.Printf("dispatcher: watching %s with %d unpack workers", cfg.Directories.Incoming, cfg.Unpack.Workers)

	done := make(chan struct{})
	go func() {
		if err := disp.Run(ctx); err != nil {
			log.Printf("dispatcher: run: %v", err)
		}
		close(done)
	}()

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			log.Printf("dispatcher: SIGHUP received, reloading config and rescanning")
			if newCfg, err := snap.Reload(*configPath); err != nil {
				log.Printf("dispatcher: reload config: %v", err)
			} else if newCfg.Unpack.Workers != cfg.Unpack.Workers {
				log.Printf("dispatcher: unpack.workers change requires a restart to take effect")
			}
			if err := catalog.Reload(db); err != nil {
				log.Printf("dispatcher: reload site catalog: %v", err)
			}
			disp.RequestRescan()
			continue
		}

		log.Printf("dispatcher: received %v, shutting down", sig)
		cancel()
		pool.Stop()
		agg.RequestExit()

		select {
		case <-done:
		case <-time.After(shutdownDrain):
			log.Printf("dispatcher: timed out waiting for shutdown after %s", shutdownDrain)
		}
		fmt.Println("dispatcher: stopped")
		return
	}
}
