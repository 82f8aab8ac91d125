// Program jobengine runs the Job Engine boss, or, when invoked with
// -worker, acts as one of its process-isolated workers: it re-execs
// itself (os.Executable) rather than shipping a second binary.
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
	"gnssingest/jobengine"
	"gnssingest/ledger"
	"gnssingest/metricsx"
	"gnssingest/notify"
	"gnssingest/sentryreport"
	"gnssingest/workerproc"

	_ "modernc.org/sqlite"
)

// shutdownDrain is how long the boss waits for its run loop to return
// after a graceful shutdown signal. In-flight jobs are not awaited: the
// deferred engine.Close shuts the worker pool down.
const shutdownDrain = 25 * time.Second

func main() {
	configPath := flag.String("c", "config.yaml", "path to the YAML configuration file")
	daemonize := flag.Bool("d", false, "run detached from the controlling terminal")
	instances := flag.Int("i", 0, "override engine.instances from the config file (0 keeps config value)")
	logPath := flag.String("l", "", "log file path (empty logs to stderr)")
	worker := flag.Bool("worker", false, "run as a single job-processing worker, reading requests from stdin")
	flag.Parse()

	if *logPath != "" {
		f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("jobengine: open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(f)
	}

	if *worker {
		runWorker(*configPath)
		return
	}
	runBoss(*configPath, *daemonize, *instances)
}

// runWorker is the entry point a re-exec'd child takes: it opens its own
// database handle (never shared with the boss across a fork) and serves
// job requests over stdin/stdout until the boss closes the pipe.
func runWorker(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("jobengine worker: load config: %v", err)
	}
	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("jobengine worker: open database: %v", err)
	}
	defer db.Close()

	proc := jobengine.NewProcessor(ledger.Open(db))
	if err := workerproc.Serve(os.Stdin, os.Stdout, proc.Process); err != nil {
		log.Fatalf("jobengine worker: %v", err)
	}
}

func runBoss(configPath string, daemonize bool, instances int) {
	if daemonize {
		log.Printf("jobengine: -d is a hint honored by the process supervisor; running in foreground")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("jobengine: load config: %v", err)
	}
	if instances > 0 {
		cfg.Engine.Instances = instances
	}
	snap := config.NewSnapshot(cfg)

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("jobengine: open database: %v", err)
	}
	defer db.Close()
	dayLedger := ledger.Open(db)

	self, err := os.Executable()
	if err != nil {
		log.Fatalf("jobengine: resolve own executable: %v", err)
	}
	workerBinary := cfg.Engine.WorkerBinary
	if workerBinary == "" {
		workerBinary = self
	}
	workerArgs := []string{"-worker", "-c", configPath}

	engine, err := jobengine.New(snap, dayLedger, workerBinary, workerArgs)
	if err != nil {
		log.Fatalf("jobengine: %v", err)
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics := metricsx.New("jobengine")
		metrics.Serve(ctx, cfg.Metrics.BindAddress)
		engine.WithMetrics(metrics)
	}
	if cfg.Notify.Enabled {
		publisher, err := notify.Connect(cfg.Notify.Broker, cfg.Notify.Topic)
		if err != nil {
			log.Printf("jobengine: notify disabled: %v", err)
		} else {
			defer publisher.Close()
			engine.WithNotifier(publisher)
		}
	}
	if cfg.Sentry.Enabled {
		reporter, err := sentryreport.Init(cfg.Sentry.DSN)
		if err != nil {
			log.Printf("jobengine: sentry reporting disabled: %v", err)
		} else {
			defer reporter.Close(2 * time.Second)
			engine.WithReporter(reporter)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Printf("jobengine: watching %s with %d workers", cfg.Directories.JobQueue, cfg.Engine.Instances)

	done := make(chan struct{})
	go func() {
		if err := engine.Run(ctx); err != nil {
			log.Printf("jobengine: run: %v", err)
		}
		close(done)
	}()

	sig := <-sigChan
	log.Printf("jobengine: received %v, shutting down", sig)
	cancel()

	select {
	case <-done:
	case <-time.After(shutdownDrain):
		log.Printf("jobengine: timed out waiting for shutdown after %s", shutdownDrain)
	}
	fmt.Println("jobengine: stopped")
}
