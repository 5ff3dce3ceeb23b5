// Package coordinator runs a batch of dependent subtasks level by level,
// with a bounded number of workers alive at once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/bldx/internal/task"
)

// Environment variables added to every subtask's worker.
const (
	EnvCompletionMarker = "BLDX_COMPLETION_MARKER"
	EnvSubtaskID        = "BLDX_SUBTASK_ID"
)

// Defaults for a zero Config.
const (
	DefaultPoolSize        = 4
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultMaxPollInterval = 2 * time.Second
)

// Spawner is the slice of the lifecycle manager the coordinator drives.
type Spawner interface {
	Spawn(spec task.CommandSpec, timeout time.Duration) (string, error)
	Poll(id string) (task.Snapshot, error)
	Exited(id string) <-chan struct{}
}

// Observer is notified as a batch progresses. Calls may arrive concurrently.
type Observer interface {
	SubtaskFinished(r SubtaskResult)
	LevelFinished(level int, size int, d time.Duration)
}

// Config bounds concurrency and polling.
type Config struct {
	PoolSize        int
	PollInterval    time.Duration
	MaxPollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPollInterval < c.PollInterval {
		c.MaxPollInterval = DefaultMaxPollInterval
		if c.MaxPollInterval < c.PollInterval {
			c.MaxPollInterval = c.PollInterval
		}
	}
	return c
}

// Outcome is the verdict on one subtask.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// SubtaskResult is what happened to one subtask.
type SubtaskResult struct {
	ID       string         `json:"id"`
	Level    int            `json:"level"`
	Outcome  Outcome        `json:"outcome"`
	TaskID   string         `json:"task_id,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Snapshot *task.Snapshot `json:"snapshot,omitempty"`
}

// BatchResult summarises an Execute call.
type BatchResult struct {
	Levels    [][]string                `json:"levels"`
	Results   map[string]*SubtaskResult `json:"results"`
	Succeeded []string                  `json:"succeeded"`
	Failed    []string                  `json:"failed"`
	Skipped   []string                  `json:"skipped"`
}

// Coordinator executes plans through a Spawner.
type Coordinator struct {
	spawner  Spawner
	cfg      Config
	observer Observer
}

// New returns a coordinator. A nil observer is allowed.
func New(s Spawner, cfg Config, obs Observer) *Coordinator {
	return &Coordinator{spawner: s, cfg: cfg.withDefaults(), observer: obs}
}

// Execute runs plan level by level. Every subtask of a level finishes
// before the next level starts; if any fails, the remaining levels are
// skipped and a *BatchError is returned alongside the result. Context
// cancellation spawns nothing further and returns ctx.Err(); workers
// already running are killed by the manager at their deadline, or sooner
// by Manager.TerminateAll.
func (c *Coordinator) Execute(ctx context.Context, plan *Plan) (*BatchResult, error) {
	res := &BatchResult{
		Levels:  plan.Levels(),
		Results: make(map[string]*SubtaskResult, plan.Len()),
	}
	var batchErr BatchError
	stopped := false

	for li, level := range res.Levels {
		if stopped {
			for _, id := range level {
				res.Results[id] = &SubtaskResult{ID: id, Level: li, Outcome: OutcomeSkipped, Reason: "earlier level failed"}
				res.Skipped = append(res.Skipped, id)
				batchErr.Skipped = append(batchErr.Skipped, id)
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			c.skipFrom(res, li, err.Error())
			return res, err
		}

		start := time.Now()
		log.Info().Int("level", li).Int("subtasks", len(level)).Msg("starting level")

		var mu sync.Mutex
		g := new(errgroup.Group)
		g.SetLimit(c.cfg.PoolSize)
		for _, id := range level {
			st, _ := plan.Subtask(id)
			g.Go(func() error {
				// Queued slots must not spawn once the caller has given up.
				if err := ctx.Err(); err != nil {
					mu.Lock()
					res.Results[st.ID] = &SubtaskResult{ID: st.ID, Level: li, Outcome: OutcomeSkipped, Reason: err.Error()}
					res.Skipped = append(res.Skipped, st.ID)
					mu.Unlock()
					return err
				}
				r, err := c.runSubtask(ctx, st, li)
				mu.Lock()
				res.Results[st.ID] = r
				mu.Unlock()
				if err == nil && c.observer != nil {
					c.observer.SubtaskFinished(*r)
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			c.skipFrom(res, li+1, err.Error())
			return res, err
		}

		for _, id := range level {
			r := res.Results[id]
			if r.Outcome == OutcomeSucceeded {
				res.Succeeded = append(res.Succeeded, id)
				continue
			}
			res.Failed = append(res.Failed, id)
			f := Failure{Subtask: id, TaskID: r.TaskID, Reason: r.Reason}
			if r.Snapshot != nil {
				f.Status = r.Snapshot.Status
				f.Tail = r.Snapshot.DiagnosticTail
			}
			batchErr.Failures = append(batchErr.Failures, f)
			stopped = true
		}
		d := time.Since(start)
		if c.observer != nil {
			c.observer.LevelFinished(li, len(level), d)
		}
		log.Info().Int("level", li).Dur("elapsed", d).Bool("failed", stopped).Msg("level finished")
	}

	if len(batchErr.Failures) > 0 {
		return res, &batchErr
	}
	return res, nil
}

// skipFrom marks every subtask of levels[from:] as skipped.
func (c *Coordinator) skipFrom(res *BatchResult, from int, reason string) {
	for li := from; li < len(res.Levels); li++ {
		for _, id := range res.Levels[li] {
			res.Results[id] = &SubtaskResult{ID: id, Level: li, Outcome: OutcomeSkipped, Reason: reason}
			res.Skipped = append(res.Skipped, id)
		}
	}
}

// runSubtask spawns one worker and polls it to a terminal state. The
// returned error is only ever a context error.
func (c *Coordinator) runSubtask(ctx context.Context, st Subtask, level int) (*SubtaskResult, error) {
	r := &SubtaskResult{ID: st.ID, Level: level, Outcome: OutcomeFailed}
	marker := markerPath(st)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		r.Reason = fmt.Sprintf("prepare completion marker: %v", err)
		return r, nil
	}
	if err := os.Remove(marker); err != nil && !errors.Is(err, fs.ErrNotExist) {
		r.Reason = fmt.Sprintf("remove stale completion marker: %v", err)
		return r, nil
	}

	spec := st.Command
	spec.Env = make(map[string]string, len(st.Command.Env)+2)
	for k, v := range st.Command.Env {
		spec.Env[k] = v
	}
	spec.Env[EnvCompletionMarker] = marker
	spec.Env[EnvSubtaskID] = st.ID

	id, err := c.spawner.Spawn(spec, st.Timeout)
	if err != nil {
		r.Reason = err.Error()
		log.Error().Err(err).Str("subtask", st.ID).Msg("spawn failed")
		return r, nil
	}
	r.TaskID = id
	log.Debug().Str("subtask", st.ID).Str("task_id", id).Msg("subtask spawned")

	snap, err := c.await(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			r.Reason = ctx.Err().Error()
			return r, ctx.Err()
		}
		r.Reason = err.Error()
		return r, nil
	}
	r.Snapshot = &snap

	switch {
	case snap.Status != task.StatusCompleted:
		r.Reason = snap.Reason
	case !snap.Result.Succeeded():
		r.Reason = "worker reported failure"
	default:
		if reason := checkMarker(marker, st.ID); reason != "" {
			r.Reason = reason
		} else {
			r.Outcome = OutcomeSucceeded
		}
	}

	ev := log.Info()
	if r.Outcome != OutcomeSucceeded {
		ev = log.Warn().Str("reason", r.Reason)
	}
	ev.Str("subtask", st.ID).Str("task_id", id).Str("status", string(snap.Status)).Dur("elapsed", snap.Elapsed).Msg("subtask finished")
	return r, nil
}

// await polls with exponential backoff, waking early when the process exits.
func (c *Coordinator) await(ctx context.Context, id string) (task.Snapshot, error) {
	interval := c.cfg.PollInterval
	exited := c.spawner.Exited(id)
	for {
		snap, err := c.spawner.Poll(id)
		if err != nil {
			return task.Snapshot{}, err
		}
		if snap.Status.IsTerminal() {
			return snap, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return task.Snapshot{}, ctx.Err()
		case <-exited:
			timer.Stop()
			exited = nil
		case <-timer.C:
		}
		interval *= 2
		if interval > c.cfg.MaxPollInterval {
			interval = c.cfg.MaxPollInterval
		}
	}
}

// markerPath is where a subtask's worker signals completion.
func markerPath(st Subtask) string {
	dir := st.Command.WorkDir
	if dir == "" {
		dir = "."
	}
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return filepath.Join(dir, task.StateDir, "markers", st.ID+".done")
}

// checkMarker returns "" when the marker exists and names the subtask.
func checkMarker(path, id string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "completion marker missing"
		}
		return fmt.Sprintf("read completion marker: %v", err)
	}
	if strings.TrimSpace(string(data)) != id {
		return "completion marker incomplete"
	}
	return ""
}
