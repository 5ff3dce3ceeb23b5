package server

import (
	"time"

	"github.com/3cpo-dev/bldx/internal/task"
)

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
	Tasks   int       `json:"tasks"`
}

// SpawnRequest starts one worker. TimeoutSeconds <= 0 uses the manager's
// default.
type SpawnRequest struct {
	Command        task.CommandSpec `json:"command"`
	TimeoutSeconds int              `json:"timeout_seconds"`
}

type SpawnResponse struct {
	ID string `json:"id"`
}

type ListResponse struct {
	Tasks []task.Snapshot `json:"tasks"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
