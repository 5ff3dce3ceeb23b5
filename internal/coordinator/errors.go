package coordinator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3cpo-dev/bldx/internal/task"
)

// ErrInvalidPlan is the kind behind every *PlanError.
var ErrInvalidPlan = errors.New("invalid plan")

// PlanError reports a malformed subtask declaration.
type PlanError struct {
	Subtask string
	Msg     string
}

func (e *PlanError) Error() string {
	if e.Subtask == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidPlan, e.Msg)
	}
	return fmt.Sprintf("%s: subtask %q: %s", ErrInvalidPlan, e.Subtask, e.Msg)
}

func (e *PlanError) Unwrap() error { return ErrInvalidPlan }

func invalidf(subtask, format string, args ...any) error {
	return &PlanError{Subtask: subtask, Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports two subtasks claiming overlapping output paths.
type ConflictError struct {
	A, B         string
	PathA, PathB string
}

func (e *ConflictError) Error() string {
	if e.PathA == e.PathB {
		return fmt.Sprintf("ownership conflict: %q and %q both own %s", e.A, e.B, e.PathA)
	}
	return fmt.Sprintf("ownership conflict: %q owns %s which overlaps %s owned by %q", e.A, e.PathA, e.PathB, e.B)
}

// CycleError reports a dependency loop. Cycle starts and ends with the same id.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "dependency cycle"
	}
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Failure describes one subtask that did not succeed.
type Failure struct {
	Subtask string      `json:"subtask"`
	TaskID  string      `json:"task_id,omitempty"`
	Status  task.Status `json:"status,omitempty"`
	Reason  string      `json:"reason"`
	Tail    string      `json:"diagnostic_tail,omitempty"`
}

// BatchError is returned by Execute when any subtask failed.
type BatchError struct {
	Failures []Failure
	Skipped  []string
}

// excerptLines bounds how much of each tail the error message carries.
const excerptLines = 5

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d subtask(s) failed", len(e.Failures))
	if len(e.Skipped) > 0 {
		fmt.Fprintf(&b, ", %d skipped", len(e.Skipped))
	}
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n- %s", f.Subtask)
		if f.Status != "" {
			fmt.Fprintf(&b, " [%s]", f.Status)
		}
		fmt.Fprintf(&b, ": %s", f.Reason)
		if ex := excerpt(f.Tail, excerptLines); ex != "" {
			b.WriteString("\n    ")
			b.WriteString(strings.ReplaceAll(ex, "\n", "\n    "))
		}
	}
	return b.String()
}

func excerpt(tail string, n int) string {
	lines := strings.Split(strings.TrimRight(tail, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
