package workerproc

import (
	"errors"
	"os"
	"testing"
	"time"
)

// TestMain lets this test binary also act as a worker subprocess: when
// invoked with GO_WANT_HELPER_PROCESS=1 it runs Serve on its own
// stdin/stdout instead of the test suite, the standard library's pattern
// for exercising exec.Command-based code (see os/exec's TestHelperProcess).
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runHelperProcess()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelperProcess() {
	_ = Serve(os.Stdin, os.Stdout, func(content []byte) error {
		switch string(content) {
		case "fail":
			return errors.New("helper: simulated job failure")
		case "crash":
			os.Exit(1)
		}
		return nil
	})
}

func helperPool(t *testing.T, size int) *Pool {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}
	p := NewPool(self, nil, size)
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	if err := p.Start(); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func awaitResult(t *testing.T, p *Pool) Response {
	t.Helper()
	select {
	case r := <-p.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for a result")
		return Response{}
	}
}

func TestPoolSubmitReturnsOKForSuccessfulJob(t *testing.T) {
	p := helperPool(t, 1)
	if ok := p.Submit(Request{Ident: "job-1", Content: []byte("ok")}); !ok {
		t.Fatalf("expected an idle worker to accept the job")
	}
	resp := awaitResult(t, p)
	if resp.Ident != "job-1" || resp.Outcome != OutcomeOK {
		t.Fatalf("unexpected result: %+v", resp)
	}
}

func TestPoolSubmitReturnsErrorForFailedJob(t *testing.T) {
	p := helperPool(t, 1)
	if ok := p.Submit(Request{Ident: "job-2", Content: []byte("fail")}); !ok {
		t.Fatalf("expected an idle worker to accept the job")
	}
	resp := awaitResult(t, p)
	if resp.Outcome != OutcomeError {
		t.Fatalf("expected error outcome, got %+v", resp)
	}
}

func TestPoolSubmitFailsWhenNoWorkerIdle(t *testing.T) {
	p := NewPool("does-not-matter", nil, 1)
	p.mu.Lock()
	p.workers = []*worker{{id: 0}}
	p.idle = nil
	p.mu.Unlock()

	if ok := p.Submit(Request{Ident: "job-3"}); ok {
		t.Fatalf("expected submit to fail with no idle worker")
	}
}

func TestPoolDetectsCrashAsFatal(t *testing.T) {
	p := helperPool(t, 1)
	if ok := p.Submit(Request{Ident: "job-4", Content: []byte("crash")}); !ok {
		t.Fatalf("expected an idle worker to accept the job")
	}
	resp := awaitResult(t, p)
	if resp.Outcome != OutcomeFatal {
		t.Fatalf("expected fatal outcome after crash, got %+v", resp)
	}
	if !p.NeedsRestart() {
		t.Fatalf("expected NeedsRestart to be set after a crash")
	}
}
