package task

import (
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// entry is the registry's private record of one spawned worker.
type entry struct {
	// id and startedAt never change after registration.
	id        string
	startedAt time.Time

	mu   sync.Mutex
	snap Snapshot
	cmd  *exec.Cmd

	// deadline kills the worker at its timeout even when nobody polls;
	// overran records that it fired.
	deadline *time.Timer
	overran  atomic.Bool

	// Written by the wait goroutine before done is closed.
	done     chan struct{}
	exitCode int
	exitedAt time.Time
	logFile  *os.File
	stdin    *os.File
}

// Registry tracks spawned tasks. It is owned by whoever hosts the manager
// and may be shared with read-only consumers such as the status server.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) add(e *entry) {
	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// all returns entries ordered by start time, then id.
func (r *Registry) all() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.startedAt.Equal(b.startedAt) {
			return a.startedAt.Before(b.startedAt)
		}
		return a.id < b.id
	})
	return out
}
