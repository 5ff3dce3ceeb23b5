package task

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// reapTimeout bounds how long Poll waits for a killed worker to be reaped.
const reapTimeout = 5 * time.Second

const instructionsFileName = "instructions.txt"

// Archiver receives terminal snapshots before Cleanup drops them.
type Archiver interface {
	Archive(s Snapshot) error
}

// Manager spawns workers and advances their state when polled.
type Manager struct {
	registry  *Registry
	timeout   time.Duration
	tailBytes int
	baseEnv   map[string]string
	archiver  Archiver
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultTimeout sets the timeout used when Spawn gets a non-positive one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithTailBytes sets how much worker output is kept for failed tasks.
func WithTailBytes(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.tailBytes = n
		}
	}
}

// WithBaseEnv adds variables to every worker's environment.
func WithBaseEnv(env map[string]string) Option {
	return func(m *Manager) { m.baseEnv = env }
}

// WithArchiver registers a sink for snapshots removed by Cleanup.
func WithArchiver(a Archiver) Option {
	return func(m *Manager) { m.archiver = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager backed by reg.
func NewManager(reg *Registry, opts ...Option) *Manager {
	if reg == nil {
		reg = NewRegistry()
	}
	m := &Manager{
		registry:  reg,
		timeout:   DefaultTimeout,
		tailBytes: DefaultTailBytes,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the registry the manager writes to.
func (m *Manager) Registry() *Registry { return m.registry }

// Spawn starts a worker and returns its task id without waiting for it.
func (m *Manager) Spawn(spec CommandSpec, timeout time.Duration) (string, error) {
	if strings.TrimSpace(spec.Executable) == "" {
		return "", &SpawnError{WorkDir: spec.WorkDir, Err: errors.New("executable is required")}
	}
	if timeout <= 0 {
		timeout = m.timeout
	}
	workDir := spec.WorkDir
	if workDir == "" {
		workDir = "."
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", &SpawnError{Executable: spec.Executable, WorkDir: spec.WorkDir, Err: err}
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", &SpawnError{Executable: spec.Executable, WorkDir: workDir, Err: fmt.Errorf("prepare work dir: %w", err)}
	}

	id := uuid.NewString()
	dir := taskDir(workDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", &SpawnError{Executable: spec.Executable, WorkDir: workDir, Err: fmt.Errorf("prepare task dir: %w", err)}
	}
	fail := func(err error) (string, error) {
		_ = os.RemoveAll(dir)
		return "", &SpawnError{Executable: spec.Executable, WorkDir: workDir, Err: err}
	}

	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fail(fmt.Errorf("open worker log: %w", err))
	}
	var stdin *os.File
	if spec.Instructions != "" {
		stdin, err = writeInstructions(filepath.Join(dir, instructionsFileName), spec.Instructions)
		if err != nil {
			_ = logFile.Close()
			return fail(err)
		}
	}

	resultPath := filepath.Join(dir, ResultFileName)
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = workDir
	cmd.Env = m.buildEnv(spec.Env, id, resultPath)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if stdin != nil {
		cmd.Stdin = stdin
	}
	configureProcess(cmd)

	startedAt := m.now()
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		if stdin != nil {
			_ = stdin.Close()
		}
		return fail(fmt.Errorf("start worker: %w", err))
	}

	spec.WorkDir = workDir
	e := &entry{
		id:        id,
		startedAt: startedAt,
		cmd:       cmd,
		done:      make(chan struct{}),
		logFile:   logFile,
		stdin:     stdin,
		snap: Snapshot{
			ID:        id,
			Command:   cloneSpec(spec),
			Status:    StatusRunning,
			PID:       cmd.Process.Pid,
			StartedAt: startedAt,
			Timeout:   timeout,
		},
	}
	e.deadline = time.AfterFunc(timeout, func() { m.overrun(e, cmd) })
	m.registry.add(e)
	go m.wait(e, cmd)

	log.Debug().
		Str("task_id", id).
		Str("executable", spec.Executable).
		Int("pid", cmd.Process.Pid).
		Dur("timeout", timeout).
		Msg("worker spawned")
	return id, nil
}

func (m *Manager) wait(e *entry, cmd *exec.Cmd) {
	err := cmd.Wait()
	e.deadline.Stop()
	e.exitedAt = m.now()
	e.exitCode = exitCode(cmd, err)
	_ = e.logFile.Close()
	if e.stdin != nil {
		_ = e.stdin.Close()
	}
	close(e.done)
}

// Poll advances a running task if its worker exited or overran its
// timeout, and returns the current snapshot. Terminal snapshots are
// returned unchanged on every call.
func (m *Manager) Poll(id string) (Snapshot, error) {
	e, ok := m.registry.get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.snap.Status.IsTerminal() {
		return e.snap.clone(), nil
	}

	select {
	case <-e.done:
		m.stop(e)
	default:
		now := m.now()
		elapsed := now.Sub(e.snap.StartedAt)
		if elapsed <= e.snap.Timeout {
			s := e.snap.clone()
			s.Elapsed = elapsed
			return s, nil
		}
		m.expire(e, now)
	}
	return e.snap.clone(), nil
}

// overrun fires from the deadline timer: the worker's tree is killed right
// away and the next Poll reports it timed out.
func (m *Manager) overrun(e *entry, cmd *exec.Cmd) {
	select {
	case <-e.done:
		return
	default:
	}
	e.overran.Store(true)
	terminateProcessTree(cmd)
	log.Warn().Str("task_id", e.id).Msg("worker hit its deadline unpolled, process tree killed")
}

// Terminate kills a running task's process tree and marks it failed. A
// worker that already exited keeps its own outcome; a terminal task is
// returned unchanged.
func (m *Manager) Terminate(id string) (Snapshot, error) {
	e, ok := m.registry.get(id)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.snap.Status.IsTerminal() {
		m.stop(e)
	}
	return e.snap.clone(), nil
}

// TerminateAll settles every running task and returns how many there
// were. Hosts call it before exiting so no worker outlives its registry.
func (m *Manager) TerminateAll() int {
	n := 0
	for _, e := range m.registry.all() {
		e.mu.Lock()
		if !e.snap.Status.IsTerminal() {
			m.stop(e)
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		log.Info().Int("terminated", n).Msg("running workers terminated")
	}
	return n
}

// Sweep polls every running task so unattended workers still hit their
// timeout. It returns how many tasks became terminal.
func (m *Manager) Sweep() int {
	n := 0
	for _, e := range m.registry.all() {
		e.mu.Lock()
		running := !e.snap.Status.IsTerminal()
		e.mu.Unlock()
		if !running {
			continue
		}
		if s, err := m.Poll(e.id); err == nil && s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// finish records the outcome of a worker that exited on its own.
func (m *Manager) finish(e *entry) {
	s := &e.snap
	s.FinishedAt = e.exitedAt
	s.Elapsed = s.FinishedAt.Sub(s.StartedAt)
	s.ExitCode = e.exitCode

	res, err := ReadResult(filepath.Join(s.TaskDir(), ResultFileName))
	if err != nil {
		s.Status = StatusFailed
		s.Reason = fmt.Sprintf("%v (exit code %d)", err, e.exitCode)
		s.DiagnosticTail = readTail(filepath.Join(s.TaskDir(), LogFileName), m.tailBytes)
		log.Warn().Str("task_id", s.ID).Int("exit_code", e.exitCode).Str("reason", s.Reason).Msg("worker failed")
	} else {
		s.Status = StatusCompleted
		s.Result = res
		log.Debug().Str("task_id", s.ID).Str("result", string(res.Kind)).Dur("elapsed", s.Elapsed).Msg("worker completed")
	}
	e.cmd = nil
}

// stop settles a running entry: a worker that already exited keeps its
// real outcome, anything else is killed. Callers hold e.mu.
func (m *Manager) stop(e *entry) {
	select {
	case <-e.done:
		if e.overran.Load() {
			m.expire(e, m.now())
		} else {
			m.finish(e)
		}
	default:
		m.kill(e, m.now(), StatusFailed, "terminated before completion")
	}
}

// expire kills the worker's process tree and marks the task timed out.
func (m *Manager) expire(e *entry, now time.Time) {
	m.kill(e, now, StatusTimedOut, fmt.Sprintf("timed out after %s", e.snap.Timeout))
	log.Warn().Str("task_id", e.id).Dur("timeout", e.snap.Timeout).Msg("worker timed out, process tree killed")
}

// kill terminates the process group unless the worker was already reaped,
// waits for the reap and records status. Callers hold e.mu.
func (m *Manager) kill(e *entry, now time.Time, status Status, reason string) {
	select {
	case <-e.done:
	default:
		terminateProcessTree(e.cmd)
	}
	s := &e.snap
	s.ExitCode = -1
	select {
	case <-e.done:
		s.ExitCode = e.exitCode
	case <-time.After(reapTimeout):
		log.Error().Str("task_id", s.ID).Int("pid", s.PID).Msg("worker not reaped after kill")
	}
	s.Status = status
	s.FinishedAt = now
	s.Elapsed = now.Sub(s.StartedAt)
	s.Reason = reason
	s.DiagnosticTail = readTail(filepath.Join(s.TaskDir(), LogFileName), m.tailBytes)
	e.cmd = nil
}

// Exited returns a channel closed once the worker process has exited. It
// is only a wake-up hint; Poll decides the status. Unknown ids get a
// closed channel.
func (m *Manager) Exited(id string) <-chan struct{} {
	e, ok := m.registry.get(id)
	if !ok {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.done
}

// List returns snapshots of every tracked task, oldest first.
func (m *Manager) List() []Snapshot {
	now := m.now()
	entries := m.registry.all()
	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		s := e.snap.clone()
		e.mu.Unlock()
		if !s.Status.IsTerminal() {
			s.Elapsed = now.Sub(s.StartedAt)
		}
		out = append(out, s)
	}
	return out
}

// Cleanup drops terminal tasks that finished more than retention ago and
// returns how many were removed.
func (m *Manager) Cleanup(retention time.Duration) int {
	cutoff := m.now().Add(-retention)
	removed := 0
	for _, e := range m.registry.all() {
		e.mu.Lock()
		s := e.snap.clone()
		e.mu.Unlock()
		if !s.Status.IsTerminal() || !s.FinishedAt.Before(cutoff) {
			continue
		}
		if m.archiver != nil {
			if err := m.archiver.Archive(s); err != nil {
				log.Warn().Err(err).Str("task_id", s.ID).Msg("archive task before cleanup")
			}
		}
		m.registry.remove(s.ID)
		removed++
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Dur("retention", retention).Msg("registry cleanup")
	}
	return removed
}

func (m *Manager) buildEnv(extra map[string]string, id, resultPath string) []string {
	env := os.Environ()
	env = appendSorted(env, m.baseEnv)
	env = appendSorted(env, extra)
	return append(env, EnvTaskID+"="+id, EnvResultPath+"="+resultPath)
}

func appendSorted(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func writeInstructions(path, text string) (*os.File, error) {
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return nil, fmt.Errorf("write instructions: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instructions: %w", err)
	}
	return f, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// readTail returns up to n trailing bytes of the file at path.
func readTail(path string, n int) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - int64(n)
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(n)))
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(data), "")
}

func taskDir(workDir, id string) string {
	return filepath.Join(workDir, StateDir, "tasks", id)
}

func cloneSpec(c CommandSpec) CommandSpec {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Command = cloneSpec(s.Command)
	if s.Result != nil {
		r := *s.Result
		if s.Result.Record != nil {
			rec := *s.Result.Record
			rec.Outputs = append([]string{}, s.Result.Record.Outputs...)
			if s.Result.Record.Metrics != nil {
				rec.Metrics = make(map[string]any, len(s.Result.Record.Metrics))
				for k, v := range s.Result.Record.Metrics {
					rec.Metrics[k] = v
				}
			}
			r.Record = &rec
		}
		r.Raw = append([]byte(nil), s.Result.Raw...)
		out.Result = &r
	}
	return out
}
