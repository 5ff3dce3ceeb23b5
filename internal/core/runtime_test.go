package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/3cpo-dev/bldx/internal/cache"
	"github.com/3cpo-dev/bldx/internal/coordinator"
	"github.com/3cpo-dev/bldx/internal/task"
)

const okWorker = `printf '%s' "$BLDX_SUBTASK_ID" > "$BLDX_COMPLETION_MARKER"; printf '%s\n' "$BLDX_SUBTASK_ID" > "$BLDX_SUBTASK_ID.out"; printf '{"success":true,"outputs":["%s.out"]}' "$BLDX_SUBTASK_ID" > "$BLDX_RESULT_PATH"`

const failWorker = `printf '%s' "$BLDX_SUBTASK_ID" > "$BLDX_COMPLETION_MARKER"; printf '{"success":false,"outputs":[]}' > "$BLDX_RESULT_PATH"`

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("runtime tests need /bin/sh")
	}
	isolateXDG(t)
	cfg := DefaultConfig()
	cfg.Cache.Dir = filepath.Join(t.TempDir(), "cache")
	cfg.Coordinator.PollIntervalMS = 10
	cfg.Coordinator.MaxPollIntervalMS = 50
	rt, err := NewRuntime(cfg, newTestStore(t), task.NewRegistry())
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

func shellSubtask(id, dir, script string, deps ...string) coordinator.Subtask {
	return coordinator.Subtask{
		ID:         id,
		DependsOn:  deps,
		OwnedPaths: []string{id + ".out"},
		Command:    task.CommandSpec{Executable: "/bin/sh", Args: []string{"-c", script}, WorkDir: dir},
		Timeout:    10 * time.Second,
	}
}

func TestBuildCachesSuccessfulBatch(t *testing.T) {
	rt := newTestRuntime(t)
	project := t.TempDir()
	if err := os.WriteFile(filepath.Join(project, "main.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	req := BuildRequest{
		Input:   "Build   the App",
		Mode:    "release",
		Project: project,
		Subtasks: []coordinator.Subtask{
			shellSubtask("lib", project, okWorker),
			shellSubtask("bin", project, okWorker, "lib"),
		},
	}
	ctx := context.Background()

	first, err := rt.Build(ctx, req)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if first.CacheHit {
		t.Fatal("first build should not be a cache hit")
	}
	if got := first.Summary.Subtasks["bin"].Outputs; len(got) != 1 || got[0] != "bin.out" {
		t.Fatalf("unexpected outputs %v", got)
	}
	spawned := len(rt.Manager().List())
	if spawned != 2 {
		t.Fatalf("Expected 2 tasks, got %d", spawned)
	}

	// Same request modulo case and whitespace.
	req.Input = "build the app"
	second, err := rt.Build(ctx, req)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !second.CacheHit || second.Key != first.Key {
		t.Fatalf("Expected cache hit on %s, got %+v", first.Key, second)
	}
	if len(rt.Manager().List()) != spawned {
		t.Fatal("cache hit must not spawn workers")
	}
	if hits := rt.metrics.CacheHits(); hits != 1 {
		t.Fatalf("Expected 1 cache hit, got %d", hits)
	}

	if err := os.WriteFile(filepath.Join(project, "main.go"), []byte("package main // edited\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	third, err := rt.Build(ctx, req)
	if err != nil {
		t.Fatalf("third build: %v", err)
	}
	if third.CacheHit {
		t.Fatal("edited project must invalidate the cached result")
	}
	if len(rt.Manager().List()) != spawned+2 {
		t.Fatalf("Expected rebuild to spawn 2 more tasks, got %d total", len(rt.Manager().List()))
	}
}

func TestBuildFailureIsNotCached(t *testing.T) {
	rt := newTestRuntime(t)
	dir := t.TempDir()
	req := BuildRequest{
		Input: "broken build",
		Mode:  "debug",
		Subtasks: []coordinator.Subtask{
			shellSubtask("a", dir, failWorker),
			shellSubtask("b", dir, okWorker, "a"),
		},
	}

	report, err := rt.Build(context.Background(), req)
	var batchErr *coordinator.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("Expected BatchError, got %v", err)
	}
	if len(batchErr.Failures) != 1 || batchErr.Failures[0].Subtask != "a" {
		t.Fatalf("unexpected failures %+v", batchErr.Failures)
	}
	if len(batchErr.Skipped) != 1 || batchErr.Skipped[0] != "b" {
		t.Fatalf("Expected b skipped, got %v", batchErr.Skipped)
	}
	if report.Batch == nil {
		t.Fatal("report should carry the batch result")
	}
	if _, ok := rt.Cache().Lookup(report.Key); ok {
		t.Fatal("failed batch must not be cached")
	}
	_, errCount, _ := rt.GetMetrics()
	if errCount != 1 {
		t.Fatalf("Expected 1 recorded error, got %d", errCount)
	}
}

func TestBuildRejectsInvalidPlan(t *testing.T) {
	rt := newTestRuntime(t)
	dir := t.TempDir()
	a := shellSubtask("a", dir, okWorker)
	b := shellSubtask("b", dir, okWorker)
	b.OwnedPaths = []string{"a.out"}

	_, err := rt.Build(context.Background(), BuildRequest{Input: "x", Subtasks: []coordinator.Subtask{a, b}})
	var conflict *coordinator.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Expected ConflictError, got %v", err)
	}
	if n := len(rt.Manager().List()); n != 0 {
		t.Fatalf("invalid plan spawned %d tasks", n)
	}
}

func TestBuildNoCacheAlwaysRuns(t *testing.T) {
	rt := newTestRuntime(t)
	dir := t.TempDir()
	req := BuildRequest{Input: "fresh", NoCache: true, Subtasks: []coordinator.Subtask{shellSubtask("only", dir, okWorker)}}
	for i := 0; i < 2; i++ {
		report, err := rt.Build(context.Background(), req)
		if err != nil {
			t.Fatalf("build %d: %v", i, err)
		}
		if report.CacheHit {
			t.Fatalf("build %d served from cache", i)
		}
	}
	if _, ok := rt.Cache().Lookup(cache.Fingerprint("fresh", "")); ok {
		t.Fatal("NoCache build must not write the cache")
	}
}

func TestExecAndArchive(t *testing.T) {
	rt := newTestRuntime(t)
	spec := task.CommandSpec{
		Executable: "/bin/sh",
		Args:       []string{"-c", `printf '{"success":true,"outputs":["x"]}' > "$BLDX_RESULT_PATH"`},
		WorkDir:    t.TempDir(),
	}
	snap, err := rt.Exec(context.Background(), spec, 10*time.Second)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if snap.Status != task.StatusCompleted || !snap.Result.Succeeded() {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if n := rt.Manager().Cleanup(0); n != 1 {
		t.Fatalf("Expected 1 task cleaned up, got %d", n)
	}
	hist, err := rt.Store().History(context.Background(), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != snap.ID {
		t.Fatalf("Expected archived task %s, got %+v", snap.ID, hist)
	}
	if err := rt.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestExecCancelKillsWorker(t *testing.T) {
	rt := newTestRuntime(t)
	spec := task.CommandSpec{Executable: "/bin/sh", Args: []string{"-c", "sleep 30"}, WorkDir: t.TempDir()}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	snap, err := rt.Exec(ctx, spec, time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if !snap.Status.IsTerminal() {
		t.Fatalf("cancelled exec left task %s", snap.Status)
	}
	select {
	case <-rt.Manager().Exited(snap.ID):
	default:
		t.Fatal("worker process still running after cancel")
	}
	if n := rt.Manager().TerminateAll(); n != 0 {
		t.Fatalf("expected nothing left running, got %d", n)
	}
}

func TestMetrics(t *testing.T) {
	metrics := NewMetrics()

	metrics.RecordRequest(100 * time.Millisecond)
	metrics.RecordRequest(200 * time.Millisecond)
	metrics.RecordError()
	metrics.RecordCacheHit()

	requests, errors, duration := metrics.GetStats()

	if requests != 2 {
		t.Errorf("Expected 2 requests, got %d", requests)
	}
	if errors != 1 {
		t.Errorf("Expected 1 error, got %d", errors)
	}
	if duration != 300*time.Millisecond {
		t.Errorf("Expected 300ms duration, got %v", duration)
	}
	if metrics.CacheHits() != 1 {
		t.Errorf("Expected 1 cache hit, got %d", metrics.CacheHits())
	}
}
