// Package task owns the lifecycle of external worker processes: spawning,
// polling to a terminal state, hard timeouts and registry cleanup.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a BuildTask.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Environment variables handed to every worker.
const (
	EnvTaskID     = "BLDX_TASK_ID"
	EnvResultPath = "BLDX_RESULT_PATH"
)

// Paths relative to a task's working directory.
const (
	StateDir       = ".bldx"
	ResultFileName = "result.json"
	LogFileName    = "worker.log"
)

// Defaults used when the manager is built without options.
const (
	DefaultTimeout   = 30 * time.Minute
	DefaultTailBytes = 8 * 1024
)

// CommandSpec describes how to launch a worker.
type CommandSpec struct {
	Executable string            `json:"executable" yaml:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args"`
	WorkDir    string            `json:"work_dir" yaml:"work_dir"`
	Env        map[string]string `json:"env,omitempty" yaml:"env"`
	// Instructions is written to the worker's stdin and never inspected.
	Instructions string `json:"instructions,omitempty" yaml:"instructions"`
}

// Snapshot is a read-only view of a task.
type Snapshot struct {
	ID             string        `json:"id"`
	Command        CommandSpec   `json:"command"`
	Status         Status        `json:"status"`
	PID            int           `json:"pid"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	Elapsed        time.Duration `json:"elapsed"`
	ExitCode       int           `json:"exit_code"`
	Result         *Result       `json:"result,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	DiagnosticTail string        `json:"diagnostic_tail,omitempty"`
}

// TaskDir returns the per-task state directory inside the working directory.
func (s Snapshot) TaskDir() string {
	return taskDir(s.Command.WorkDir, s.ID)
}

// ErrUnknownTask is returned for ids the registry does not track.
var ErrUnknownTask = errors.New("unknown task")

// SpawnError reports a worker that could not be started. No task is
// registered when it is returned.
type SpawnError struct {
	Executable string
	WorkDir    string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s in %s: %v", e.Executable, e.WorkDir, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
