package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/bldx/internal/cache"
	"github.com/3cpo-dev/bldx/internal/coordinator"
	"github.com/3cpo-dev/bldx/internal/task"
	"github.com/3cpo-dev/bldx/internal/telemetry"
)

// Metrics tracks basic performance metrics
type Metrics struct {
	requests  int64
	errors    int64
	cacheHits int64
	duration  time.Duration
	mu        sync.RWMutex
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records a successful request
func (m *Metrics) RecordRequest(duration time.Duration) {
	m.mu.Lock()
	m.requests++
	m.duration += duration
	m.mu.Unlock()
}

// RecordError records an error
func (m *Metrics) RecordError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// RecordCacheHit records a build served from the cache
func (m *Metrics) RecordCacheHit() {
	m.mu.Lock()
	m.cacheHits++
	m.mu.Unlock()
}

// GetStats returns current metrics
func (m *Metrics) GetStats() (int64, int64, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests, m.errors, m.duration
}

// CacheHits returns how many builds were served from the cache
func (m *Metrics) CacheHits() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cacheHits
}

// BuildRequest is one cached, coordinated build.
type BuildRequest struct {
	// Input is the free-text request the cache key is derived from.
	Input    string
	Mode     cache.Mode
	Subtasks []coordinator.Subtask
	// Project, when set, ties the cached result to the file tree under it.
	Project string
	TTL     time.Duration
	NoCache bool
}

// BuildSummary is the artifact stored in the cache for a successful build.
type BuildSummary struct {
	Key         cache.Key                 `json:"key"`
	Levels      [][]string                `json:"levels"`
	Subtasks    map[string]SubtaskSummary `json:"subtasks"`
	CompletedAt time.Time                 `json:"completed_at"`
}

// SubtaskSummary keeps what later consumers need from a worker's result.
type SubtaskSummary struct {
	TaskID  string          `json:"task_id"`
	Elapsed time.Duration   `json:"elapsed"`
	Outputs []string        `json:"outputs,omitempty"`
	Metrics map[string]any  `json:"metrics,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// BuildReport describes how a build request was served.
type BuildReport struct {
	Key      cache.Key
	CacheHit bool
	Summary  BuildSummary
	Batch    *coordinator.BatchResult
}

// Runtime wires the lifecycle manager, coordinator and result cache.
type Runtime struct {
	config  Config
	manager *task.Manager
	coord   *coordinator.Coordinator
	cache   *cache.Cache
	store   *Store
	metrics *Metrics
}

// NewRuntime builds a runtime from cfg. store may be nil, in which case
// nothing is archived and no file hash index is kept.
func NewRuntime(cfg Config, store *Store, reg *task.Registry) (*Runtime, error) {
	opts := []task.Option{
		task.WithDefaultTimeout(cfg.WorkerTimeout()),
		task.WithTailBytes(cfg.Worker.TailBytes),
		task.WithBaseEnv(cfg.WorkerEnv),
	}
	cacheOpts := []cache.Option{cache.WithTTL(cfg.CacheTTL())}
	if store != nil {
		opts = append(opts, task.WithArchiver(store))
		cacheOpts = append(cacheOpts, cache.WithHashIndex(store))
	}
	c, err := cache.New(cfg.Cache.Dir, cacheOpts...)
	if err != nil {
		return nil, err
	}
	mgr := task.NewManager(reg, opts...)
	coord := coordinator.New(mgr, coordinator.Config{
		PoolSize:        cfg.Coordinator.PoolSize,
		PollInterval:    cfg.PollInterval(),
		MaxPollInterval: cfg.MaxPollInterval(),
	}, telemetry.NewBatchObserver(telemetry.GetGlobal()))

	return &Runtime{
		config:  cfg,
		manager: mgr,
		coord:   coord,
		cache:   c,
		store:   store,
		metrics: NewMetrics(),
	}, nil
}

func (r *Runtime) Manager() *task.Manager { return r.manager }
func (r *Runtime) Cache() *cache.Cache    { return r.cache }
func (r *Runtime) Store() *Store          { return r.store }

// GetMetrics returns current performance metrics
func (r *Runtime) GetMetrics() (int64, int64, time.Duration) {
	return r.metrics.GetStats()
}

// Build serves req from the cache when possible and otherwise plans and
// executes its subtasks, caching the summary of a fully successful batch.
func (r *Runtime) Build(ctx context.Context, req BuildRequest) (*BuildReport, error) {
	labels := map[string]string{"mode": string(req.Mode)}
	timer := telemetry.NewTimerScope("bldx_build_duration", labels)
	defer func() {
		r.metrics.RecordRequest(timer.End())
	}()

	key := cache.Fingerprint(req.Input, req.Mode)
	report := &BuildReport{Key: key}

	if !req.NoCache {
		if data, ok := r.cache.Get(key); ok {
			var summary BuildSummary
			if err := json.Unmarshal(data, &summary); err == nil {
				r.metrics.RecordCacheHit()
				telemetry.CounterGlobal("bldx_cache_hits_total", 1, labels)
				log.Info().Str("key", key.String()).Msg("build served from cache")
				report.CacheHit = true
				report.Summary = summary
				return report, nil
			}
			log.Warn().Str("key", key.String()).Msg("cached summary undecodable, rebuilding")
		}
		telemetry.CounterGlobal("bldx_cache_misses_total", 1, labels)
	}

	plan, err := coordinator.NewPlan(req.Subtasks)
	if err != nil {
		r.metrics.RecordError()
		return report, fmt.Errorf("plan: %w", err)
	}
	log.Info().Str("key", key.String()).Int("subtasks", plan.Len()).Int("levels", len(plan.Levels())).Msg("executing plan")

	batch, err := r.coord.Execute(ctx, plan)
	report.Batch = batch
	if err != nil {
		r.metrics.RecordError()
		return report, err
	}

	report.Summary = summarize(key, batch)
	if req.NoCache {
		return report, nil
	}
	if err := r.putSummary(key, req, report.Summary); err != nil {
		log.Warn().Err(err).Str("key", key.String()).Msg("cache put failed")
	}
	return report, nil
}

func (r *Runtime) putSummary(key cache.Key, req BuildRequest, summary BuildSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	opts := cache.PutOptions{Input: req.Input, Mode: req.Mode, TTL: req.TTL}
	if req.Project != "" {
		// Snapshot after the build so the workers' own writes are part of it.
		snap, err := cache.TrackTree(req.Project)
		if err != nil {
			return fmt.Errorf("snapshot project: %w", err)
		}
		opts.Snapshot = snap
	}
	return r.cache.Put(key, data, opts)
}

func summarize(key cache.Key, batch *coordinator.BatchResult) BuildSummary {
	s := BuildSummary{
		Key:         key,
		Levels:      batch.Levels,
		Subtasks:    make(map[string]SubtaskSummary, len(batch.Results)),
		CompletedAt: time.Now().UTC(),
	}
	for id, res := range batch.Results {
		sum := SubtaskSummary{TaskID: res.TaskID}
		if snap := res.Snapshot; snap != nil {
			sum.Elapsed = snap.Elapsed
			if snap.Result != nil {
				if rec := snap.Result.Record; rec != nil {
					sum.Outputs = rec.Outputs
					sum.Metrics = rec.Metrics
				} else {
					sum.Raw = snap.Result.Raw
				}
			}
		}
		s.Subtasks[id] = sum
	}
	return s
}

// Exec spawns a single worker and polls it until it is terminal.
func (r *Runtime) Exec(ctx context.Context, spec task.CommandSpec, timeout time.Duration) (task.Snapshot, error) {
	id, err := r.manager.Spawn(spec, timeout)
	if err != nil {
		r.metrics.RecordError()
		return task.Snapshot{}, err
	}
	interval := r.config.PollInterval()
	if interval <= 0 {
		interval = coordinator.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snap, err := r.manager.Poll(id)
		if err != nil {
			return task.Snapshot{}, err
		}
		if snap.Status.IsTerminal() {
			telemetry.CounterGlobal("bldx_tasks_total", 1, map[string]string{"status": string(snap.Status)})
			return snap, nil
		}
		select {
		case <-ctx.Done():
			if s, err := r.manager.Terminate(id); err == nil {
				snap = s
			}
			return snap, ctx.Err()
		case <-r.manager.Exited(id):
		case <-ticker.C:
		}
	}
}

// Maintain sweeps running tasks for timeouts and drops old terminal ones
// until ctx is done.
func (r *Runtime) Maintain(ctx context.Context) {
	interval := r.config.CleanupInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var expired, removed int
			telemetry.WithTimerScope("bldx_maintenance_duration", nil, func() {
				expired = r.manager.Sweep()
				removed = r.manager.Cleanup(r.config.Retention())
			})
			telemetry.GaugeGlobal("bldx_registry_tasks", float64(r.manager.Registry().Len()), nil)
			if expired > 0 || removed > 0 {
				log.Debug().Int("expired", expired).Int("removed", removed).Msg("registry maintenance")
			}
		}
	}
}

// Health reports whether the runtime's dependencies are usable.
func (r *Runtime) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Ping(ctx); err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}
	if r.cache == nil {
		return errors.New("cache not initialized")
	}
	return nil
}
