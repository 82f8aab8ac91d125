// Package sentryreport wraps getsentry/sentry-go for the one event this
// system needs to report beyond its own logs: a worker subprocess crash,
// where the plain log line says a job was lost but carries no stack trace
// of the crash itself.
package sentryreport

import (
	"fmt"
	"log"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter reports fatal worker crashes to Sentry. A nil *Reporter is
// valid and ReportWorkerFatal becomes a no-op, matching
// config.SentryConfig.Enabled gating construction.
type Reporter struct{}

// Init configures the global sentry-go client from dsn. Call once at
// process startup before constructing a Reporter.
func Init(dsn string) (*Reporter, error) {
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
	}); err != nil {
		return nil, fmt.Errorf("sentryreport: init: %w", err)
	}
	return &Reporter{}, nil
}

// ReportWorkerFatal reports that the worker handling ident crashed while
// processing a job of the given kind, with message carrying whatever the
// boss observed (typically a JSON-decode error on the worker's stdout).
func (r *Reporter) ReportWorkerFatal(ident, kind, message string) {
	if r == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("ident", ident)
		scope.SetTag("kind", kind)
		sentry.CaptureException(fmt.Errorf("jobengine: worker crashed processing %s: %s", ident, message))
	})
}

// Close flushes any buffered events, waiting up to timeout.
func (r *Reporter) Close(timeout time.Duration) {
	if r == nil {
		return
	}
	if !sentry.Flush(timeout) {
		log.Printf("sentryreport: flush timed out after %s", timeout)
	}
}
