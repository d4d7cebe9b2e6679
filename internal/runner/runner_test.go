package runner_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"termline/internal/db"
	"termline/internal/domain"
	"termline/internal/migrate"
	"termline/internal/repo"
	"termline/internal/runner"
	"termline/internal/stream"
)

func newTestRunner(t *testing.T, steps runner.StepResolver) (*runner.Runner, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return runner.New(conn, steps, zerolog.Nop(), 16), conn
}

func singleStep(fn runner.StepFunc) runner.StepResolver {
	return func(scope string) runner.StepFunc { return fn }
}

func waitTerminal(t *testing.T, rn *runner.Runner, id string) domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := rn.Get(context.Background(), id)
		if err == nil && run.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not settle", id)
	return domain.Run{}
}

func waitStatus(t *testing.T, rn *runner.Runner, id, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := rn.Get(context.Background(), id)
		if err == nil && run.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", id, status)
}

func readUntilTerminal(t *testing.T, sub *stream.Subscriber) stream.Event {
	t.Helper()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("stream closed without a terminal event")
			}
			if ev.Complete {
				return ev
			}
		case <-time.After(5 * time.Second):
			t.Fatal("no terminal event")
		}
	}
}

func TestRunCompletes(t *testing.T) {
	release := make(chan struct{})
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		<-release
		ec.Log("info", "working", runner.WithStep("extract"), runner.WithProgress(1, 1))
		return nil
	}))
	run, err := rn.Start(context.Background(), domain.ScopeExtract, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	sub, ok := rn.Subscribe(run.ID)
	if !ok {
		t.Fatal("subscribe to live run")
	}
	close(release)

	final := readUntilTerminal(t, sub)
	if final.DBStatus != domain.RunStatusCompleted {
		t.Fatalf("terminal db_status = %s, want completed", final.DBStatus)
	}

	settled := waitTerminal(t, rn, run.ID)
	if settled.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", settled.Status)
	}
	if settled.StartedAt == nil || settled.FinishedAt == nil {
		t.Fatalf("timestamps missing: %+v", settled)
	}
	if settled.ProgressCurrent == nil || *settled.ProgressCurrent != 1 {
		t.Fatalf("progress not persisted: %+v", settled)
	}
}

func TestSecondStartRejectedWhileActive(t *testing.T) {
	release := make(chan struct{})
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		<-release
		return nil
	}))
	run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := rn.Start(context.Background(), domain.ScopeFull, "tester"); !errors.Is(err, repo.ErrRunActive) {
		t.Fatalf("expected ErrRunActive, got %v", err)
	}
	close(release)
	waitTerminal(t, rn, run.ID)

	// Idle again: a new run is admitted.
	if _, err := rn.Start(context.Background(), domain.ScopeFull, "tester"); err != nil {
		t.Fatalf("start after settle: %v", err)
	}
}

func TestConcurrentStartsSingleWinner(t *testing.T) {
	release := make(chan struct{})
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		<-release
		return nil
	}))
	const n = 8
	var wg sync.WaitGroup
	results := make(chan error, n)
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
			results <- err
			if err == nil {
				ids <- run.ID
			}
		}()
	}
	wg.Wait()
	close(results)
	close(ids)

	var wins int
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, repo.ErrRunActive) {
			t.Fatalf("loser got unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}
	close(release)
	for id := range ids {
		waitTerminal(t, rn, id)
	}
}

func TestStartUnknownScope(t *testing.T) {
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error { return nil }))
	if _, err := rn.Start(context.Background(), "bogus", "tester"); !errors.Is(err, runner.ErrUnknownScope) {
		t.Fatalf("expected ErrUnknownScope, got %v", err)
	}
}

func TestFailedRunPersistsSanitizedError(t *testing.T) {
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		return fmt.Errorf("boom /etc/secret/path while reading")
	}))
	run, err := rn.Start(context.Background(), domain.ScopeGenerate, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	settled := waitTerminal(t, rn, run.ID)
	if settled.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", settled.Status)
	}
	if settled.ErrorMessage == nil {
		t.Fatal("failed run must carry an error message")
	}
	msg := *settled.ErrorMessage
	if strings.Contains(msg, "/etc/secret/path") {
		t.Fatalf("path leaked into stored message: %q", msg)
	}
	if !strings.Contains(msg, "boom") || !strings.Contains(msg, "[path]") {
		t.Fatalf("message lost its substance: %q", msg)
	}
}

func TestPanickingStepFailsOnlyItsRun(t *testing.T) {
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		panic("kaboom")
	}))
	run, err := rn.Start(context.Background(), domain.ScopeReview, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	settled := waitTerminal(t, rn, run.ID)
	if settled.Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", settled.Status)
	}
	if settled.ErrorMessage == nil || !strings.Contains(*settled.ErrorMessage, "panic") {
		t.Fatalf("panic not reported: %+v", settled.ErrorMessage)
	}

	// The orchestrator survives and accepts the next run.
	next, err := rn.Start(context.Background(), domain.ScopeReview, "tester")
	if err != nil {
		t.Fatalf("start after panic: %v", err)
	}
	waitTerminal(t, rn, next.ID)
}

func TestCooperativeCancel(t *testing.T) {
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		for !ec.IsCancelled() {
			time.Sleep(2 * time.Millisecond)
		}
		return runner.ErrCancelled
	}))
	run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, rn, run.ID, domain.RunStatusRunning)

	cancelled, err := rn.Cancel(context.Background(), run.ID)
	if err != nil || !cancelled {
		t.Fatalf("cancel: %v %v", cancelled, err)
	}
	settled := waitTerminal(t, rn, run.ID)
	if settled.Status != domain.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", settled.Status)
	}
	if settled.FinishedAt == nil {
		t.Fatal("cancelled run must carry finished_at")
	}

	// A second cancel is a no-op on a terminal run.
	cancelled, err = rn.Cancel(context.Background(), run.ID)
	if err != nil || cancelled {
		t.Fatalf("repeat cancel: %v %v", cancelled, err)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error { return nil }))
	cancelled, err := rn.Cancel(context.Background(), "missing")
	if err != nil || cancelled {
		t.Fatalf("unknown cancel: %v %v", cancelled, err)
	}
}

func TestCancelBeforeWorkerStarts(t *testing.T) {
	var worker func()
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		t.Error("step logic must not run for a pre-cancelled run")
		return nil
	}))
	rn.Spawn = func(fn func()) error {
		worker = fn
		return nil
	}

	run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancelled, err := rn.Cancel(context.Background(), run.ID)
	if err != nil || !cancelled {
		t.Fatalf("cancel pending run: %v %v", cancelled, err)
	}

	sub, ok := rn.Subscribe(run.ID)
	if !ok {
		t.Fatal("run resources must still be live before the worker runs")
	}
	worker()

	final := readUntilTerminal(t, sub)
	if final.DBStatus != domain.RunStatusCancelled {
		t.Fatalf("terminal db_status = %s, want cancelled", final.DBStatus)
	}
	settled := waitTerminal(t, rn, run.ID)
	if settled.Status != domain.RunStatusCancelled || settled.StartedAt != nil {
		t.Fatalf("pre-start cancel should leave started_at empty: %+v", settled)
	}
}

func TestLateCancelLosesToCompletion(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error {
		close(started)
		<-release
		// Finished work is reported even though a cancel landed meanwhile.
		return nil
	}))
	run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started

	cancelled, err := rn.Cancel(context.Background(), run.ID)
	if err != nil || !cancelled {
		t.Fatalf("cancel: %v %v", cancelled, err)
	}
	close(release)

	settled := waitTerminal(t, rn, run.ID)
	deadline := time.Now().Add(5 * time.Second)
	for settled.Status != domain.RunStatusCompleted && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		settled, _ = rn.Get(context.Background(), run.ID)
	}
	if settled.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s, want completed to overwrite the late cancel", settled.Status)
	}
}

func TestSpawnFailureFailsRunImmediately(t *testing.T) {
	rn, _ := newTestRunner(t, singleStep(func(ec runner.Context) error { return nil }))
	rn.Spawn = func(fn func()) error { return errors.New("no worker threads left") }

	if _, err := rn.Start(context.Background(), domain.ScopeFull, "tester"); err == nil {
		t.Fatal("start must surface the spawn failure")
	}

	runs, err := rn.List(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("list: %d %v", len(runs), err)
	}
	if runs[0].Status != domain.RunStatusFailed {
		t.Fatalf("status = %s, want failed", runs[0].Status)
	}
	if runs[0].ErrorMessage == nil || runs[0].FinishedAt == nil {
		t.Fatalf("failed run incomplete: %+v", runs[0])
	}

	// Resources were released; the workspace is admitting runs again.
	rn.Spawn = func(fn func()) error { go fn(); return nil }
	run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
	if err != nil {
		t.Fatalf("start after spawn failure: %v", err)
	}
	waitTerminal(t, rn, run.ID)
}

func TestUnconfirmedTerminalBroadcast(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	rn, conn := newTestRunner(t, singleStep(func(ec runner.Context) error {
		close(started)
		<-release
		return nil
	}))
	run, err := rn.Start(context.Background(), domain.ScopeFull, "tester")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	<-started
	sub, ok := rn.Subscribe(run.ID)
	if !ok {
		t.Fatal("subscribe to live run")
	}

	// Kill the store out from under the worker; the terminal write (and its
	// retry) will fail, so the broadcast must say so instead of lying.
	conn.Close()
	close(release)

	final := readUntilTerminal(t, sub)
	if final.DBStatus != stream.DBStatusUnconfirmed {
		t.Fatalf("terminal db_status = %s, want %s", final.DBStatus, stream.DBStatusUnconfirmed)
	}
}
