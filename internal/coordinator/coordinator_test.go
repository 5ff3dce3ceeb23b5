package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/3cpo-dev/bldx/internal/task"
)

func cmdIn(dir string) task.CommandSpec {
	return task.CommandSpec{Executable: "/bin/sh", WorkDir: dir}
}

// fakeSpawner completes each task after delay, optionally writing the
// completion marker the way a well-behaved worker would.
type fakeSpawner struct {
	mu         sync.Mutex
	delay      time.Duration
	behave     func(subtask string) (status task.Status, success, marker bool)
	spawned    []string
	tasks      map[string]*fakeTask
	running    int
	maxRunning int
	seq        int
}

type fakeTask struct {
	subtask string
	spec    task.CommandSpec
	doneAt  time.Time
	snap    task.Snapshot
}

func newFakeSpawner(delay time.Duration) *fakeSpawner {
	return &fakeSpawner{delay: delay, tasks: make(map[string]*fakeTask)}
}

func (f *fakeSpawner) Spawn(spec task.CommandSpec, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("task-%d", f.seq)
	sub := spec.Env[EnvSubtaskID]
	f.spawned = append(f.spawned, sub)
	f.running++
	if f.running > f.maxRunning {
		f.maxRunning = f.running
	}
	f.tasks[id] = &fakeTask{
		subtask: sub,
		spec:    spec,
		doneAt:  time.Now().Add(f.delay),
		snap:    task.Snapshot{ID: id, Status: task.StatusRunning, StartedAt: time.Now()},
	}
	return id, nil
}

func (f *fakeSpawner) Poll(id string) (task.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return task.Snapshot{}, task.ErrUnknownTask
	}
	if t.snap.Status.IsTerminal() || time.Now().Before(t.doneAt) {
		return t.snap, nil
	}

	status, success, marker := task.StatusCompleted, true, true
	if f.behave != nil {
		status, success, marker = f.behave(t.subtask)
	}
	if marker {
		_ = os.WriteFile(t.spec.Env[EnvCompletionMarker], []byte(t.subtask), 0o644)
	}
	t.snap.Status = status
	t.snap.FinishedAt = time.Now()
	if status == task.StatusCompleted {
		t.snap.Result = &task.Result{Kind: task.ResultParsed, Record: &task.Record{Success: success, Outputs: []string{}}}
	} else {
		t.snap.Reason = "worker crashed"
		t.snap.DiagnosticTail = "line one\npanic: " + t.subtask + "\n"
	}
	f.running--
	return t.snap, nil
}

func (f *fakeSpawner) Exited(string) <-chan struct{} { return nil }

func fastConfig(pool int) Config {
	return Config{PoolSize: pool, PollInterval: 5 * time.Millisecond, MaxPollInterval: 20 * time.Millisecond}
}

func TestConflictYieldsNoPlan(t *testing.T) {
	dir := t.TempDir()
	plan, err := NewPlan([]Subtask{
		{ID: "api", OwnedPaths: []string{"internal/api"}, Command: cmdIn(dir)},
		{ID: "handlers", OwnedPaths: []string{"internal/api/handlers.go"}, Command: cmdIn(dir)},
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	// Execute only accepts a *Plan, so without one nothing can be spawned.
	if plan != nil {
		t.Fatalf("expected no plan alongside a conflict, got %+v", plan)
	}
}

func TestExecuteRespectsPoolSize(t *testing.T) {
	dir := t.TempDir()
	var subtasks []Subtask
	for i := 0; i < 6; i++ {
		subtasks = append(subtasks, Subtask{ID: fmt.Sprintf("s%d", i), Command: cmdIn(dir)})
	}
	plan, err := NewPlan(subtasks)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	spawner := newFakeSpawner(30 * time.Millisecond)
	res, err := New(spawner, fastConfig(2), nil).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Succeeded) != 6 {
		t.Fatalf("expected 6 successes, got %v", res.Succeeded)
	}
	if spawner.maxRunning > 2 {
		t.Fatalf("pool size exceeded: %d running at once", spawner.maxRunning)
	}
}

func TestExecuteFailureStopsLaterLevels(t *testing.T) {
	dir := t.TempDir()
	plan, err := NewPlan([]Subtask{
		{ID: "a", Command: cmdIn(dir)},
		{ID: "b", Command: cmdIn(dir)},
		{ID: "c", DependsOn: []string{"a"}, Command: cmdIn(dir)},
		{ID: "d", DependsOn: []string{"c"}, Command: cmdIn(dir)},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	spawner := newFakeSpawner(0)
	spawner.behave = func(sub string) (task.Status, bool, bool) {
		if sub == "b" {
			return task.StatusFailed, false, false
		}
		return task.StatusCompleted, true, true
	}

	res, err := New(spawner, fastConfig(4), nil).Execute(context.Background(), plan)
	var batch *BatchError
	if !errors.As(err, &batch) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if len(batch.Failures) != 1 || batch.Failures[0].Subtask != "b" {
		t.Fatalf("unexpected failures %+v", batch.Failures)
	}
	if !strings.Contains(err.Error(), "panic: b") || !strings.Contains(err.Error(), "worker crashed") {
		t.Fatalf("report lacks diagnostics: %s", err)
	}
	// The failing level still ran to completion.
	if res.Results["a"].Outcome != OutcomeSucceeded {
		t.Fatalf("sibling of failed subtask should finish: %+v", res.Results["a"])
	}
	if strings.Join(res.Skipped, ",") != "c,d" {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	for _, s := range spawner.spawned {
		if s == "c" || s == "d" {
			t.Fatalf("dependent %s spawned after failure", s)
		}
	}
}

func TestExecuteRequiresValidMarker(t *testing.T) {
	dir := t.TempDir()
	plan, err := NewPlan([]Subtask{{ID: "quiet", Command: cmdIn(dir)}, {ID: "liar", Command: cmdIn(dir)}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	spawner := newFakeSpawner(0)
	spawner.behave = func(sub string) (task.Status, bool, bool) {
		if sub == "liar" {
			return task.StatusCompleted, false, true
		}
		return task.StatusCompleted, true, false
	}

	// A stale marker from an earlier run must not count.
	stale := filepath.Join(dir, task.StateDir, "markers", "quiet.done")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("quiet"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	res, err := New(spawner, fastConfig(2), nil).Execute(context.Background(), plan)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if r := res.Results["quiet"]; r.Outcome != OutcomeFailed || r.Reason != "completion marker missing" {
		t.Fatalf("quiet: %+v", r)
	}
	if r := res.Results["liar"]; r.Outcome != OutcomeFailed || r.Reason != "worker reported failure" {
		t.Fatalf("liar: %+v", r)
	}
}

func TestExecuteHonoursContext(t *testing.T) {
	dir := t.TempDir()
	plan, err := NewPlan([]Subtask{{ID: "slow", Command: cmdIn(dir)}})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = New(newFakeSpawner(time.Hour), fastConfig(1), nil).Execute(ctx, plan)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecuteCancelledSpawnsNothing(t *testing.T) {
	dir := t.TempDir()
	plan, err := NewPlan([]Subtask{
		{ID: "a", Command: cmdIn(dir)},
		{ID: "b", Command: cmdIn(dir)},
		{ID: "c", Command: cmdIn(dir), DependsOn: []string{"a"}},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spawner := newFakeSpawner(0)
	res, err := New(spawner, fastConfig(1), nil).Execute(ctx, plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(spawner.spawned) != 0 {
		t.Fatalf("spawned %v after cancellation", spawner.spawned)
	}
	if len(res.Skipped) != 3 {
		t.Fatalf("expected all subtasks skipped, got %v", res.Skipped)
	}
}

func TestExecuteStopsQueuedSubtasksOnCancel(t *testing.T) {
	dir := t.TempDir()
	plan, err := NewPlan([]Subtask{
		{ID: "a", Command: cmdIn(dir)},
		{ID: "b", Command: cmdIn(dir)},
		{ID: "c", Command: cmdIn(dir)},
	})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	spawner := newFakeSpawner(time.Hour)
	res, err := New(spawner, fastConfig(1), nil).Execute(ctx, plan)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	spawner.mu.Lock()
	spawned := append([]string(nil), spawner.spawned...)
	spawner.mu.Unlock()
	if len(spawned) != 1 || spawned[0] != "a" {
		t.Fatalf("only the first slot should have spawned, got %v", spawned)
	}
	for _, id := range []string{"b", "c"} {
		if r := res.Results[id]; r == nil || r.Outcome != OutcomeSkipped {
			t.Fatalf("%s: expected skipped, got %+v", id, r)
		}
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	subtasks []string
	levels   []int
}

func (o *recordingObserver) SubtaskFinished(r SubtaskResult) {
	o.mu.Lock()
	o.subtasks = append(o.subtasks, r.ID)
	o.mu.Unlock()
}

func (o *recordingObserver) LevelFinished(level, size int, d time.Duration) {
	o.mu.Lock()
	o.levels = append(o.levels, level)
	o.mu.Unlock()
}

// Real workers: D must start only after A, B and C have finished.
func TestExecuteLevelsWithRealWorkers(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("worker tests need /bin/sh")
	}
	dir := t.TempDir()
	script := `sleep 0.2; printf '%s' "$BLDX_SUBTASK_ID" > "$BLDX_COMPLETION_MARKER"; printf '{"success":true}' > "$BLDX_RESULT_PATH"`
	mk := func(id string, deps ...string) Subtask {
		return Subtask{
			ID:         id,
			DependsOn:  deps,
			OwnedPaths: []string{id + ".out"},
			Command:    task.CommandSpec{Executable: "/bin/sh", Args: []string{"-c", script}, WorkDir: dir},
			Timeout:    10 * time.Second,
		}
	}
	plan, err := NewPlan([]Subtask{mk("D", "A", "B", "C"), mk("A"), mk("B"), mk("C")})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	obs := &recordingObserver{}
	mgr := task.NewManager(task.NewRegistry())
	res, err := New(mgr, fastConfig(3), obs).Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(res.Levels) != 2 || strings.Join(res.Levels[0], ",") != "A,B,C" || strings.Join(res.Levels[1], ",") != "D" {
		t.Fatalf("levels = %v", res.Levels)
	}
	d := res.Results["D"].Snapshot
	for _, id := range []string{"A", "B", "C"} {
		s := res.Results[id].Snapshot
		if s.Status != task.StatusCompleted {
			t.Fatalf("%s: %s", id, s.Status)
		}
		if !d.StartedAt.After(s.FinishedAt) {
			t.Fatalf("D started at %s before %s finished at %s", d.StartedAt, id, s.FinishedAt)
		}
	}
	if len(obs.subtasks) != 4 || len(obs.levels) != 2 {
		t.Fatalf("observer saw %v / %v", obs.subtasks, obs.levels)
	}
}
