package telemetry

import (
	"context"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/3cpo-dev/bldx/internal/coordinator"
)

// PerformanceMonitor tracks system and application performance metrics
type PerformanceMonitor struct {
	mu          sync.RWMutex
	enabled     bool
	collector   *Collector
	startTime   time.Time
	lastMetrics runtime.MemStats
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewPerformanceMonitor creates a new performance monitor
func NewPerformanceMonitor(collector *Collector, enabled bool) *PerformanceMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	pm := &PerformanceMonitor{
		enabled:   enabled,
		collector: collector,
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	if enabled {
		go pm.collectSystemMetrics()
	}

	return pm
}

// collectSystemMetrics periodically collects system performance metrics
func (pm *PerformanceMonitor) collectSystemMetrics() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-pm.ctx.Done():
			return
		case <-ticker.C:
			pm.recordSystemMetrics()
		}
	}
}

func (pm *PerformanceMonitor) recordSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.mu.Lock()
	defer pm.mu.Unlock()

	labels := map[string]string{"component": "system"}

	pm.collector.Gauge("bldx_memory_heap_bytes", float64(m.HeapAlloc), labels)
	pm.collector.Gauge("bldx_memory_heap_sys_bytes", float64(m.HeapSys), labels)
	pm.collector.Gauge("bldx_memory_gc_pause_ns", float64(m.PauseNs[(m.NumGC+255)%256]), labels)
	pm.collector.Counter("bldx_gc_total", float64(m.NumGC-pm.lastMetrics.NumGC), labels)
	pm.collector.Gauge("bldx_goroutines_total", float64(runtime.NumGoroutine()), labels)
	pm.collector.Gauge("bldx_uptime_seconds", time.Since(pm.startTime).Seconds(), labels)

	pm.lastMetrics = m
}

// RecordRegistryMetrics records how many tasks the registry holds, by status.
func (pm *PerformanceMonitor) RecordRegistryMetrics(byStatus map[string]int) {
	if !pm.enabled {
		return
	}
	total := 0
	for status, n := range byStatus {
		total += n
		pm.collector.Gauge("bldx_registry_tasks", float64(n), map[string]string{"status": status, "component": "registry"})
	}
	pm.collector.Gauge("bldx_registry_tasks_total", float64(total), map[string]string{"component": "registry"})
}

// RecordRequestMetrics records one status-server request.
func (pm *PerformanceMonitor) RecordRequestMetrics(route string, status int, duration time.Duration) {
	if !pm.enabled {
		return
	}
	labels := map[string]string{
		"route":     route,
		"code":      strconv.Itoa(status),
		"component": "server",
	}
	pm.collector.Timer("bldx_http_request_duration", duration, labels)
	pm.collector.Counter("bldx_http_requests_total", 1, labels)
}

// Shutdown stops the performance monitor
func (pm *PerformanceMonitor) Shutdown() {
	if pm.cancel != nil {
		pm.cancel()
	}
}

// BatchObserver turns coordinator progress into metrics.
type BatchObserver struct {
	collector *Collector
}

// NewBatchObserver returns an observer writing to collector.
func NewBatchObserver(collector *Collector) *BatchObserver {
	return &BatchObserver{collector: collector}
}

var _ coordinator.Observer = (*BatchObserver)(nil)

// SubtaskFinished records the outcome and run time of one subtask.
func (o *BatchObserver) SubtaskFinished(r coordinator.SubtaskResult) {
	labels := map[string]string{
		"outcome":   string(r.Outcome),
		"component": "coordinator",
	}
	if r.Snapshot != nil {
		labels["status"] = string(r.Snapshot.Status)
		o.collector.Timer("bldx_subtask_duration", r.Snapshot.Elapsed, labels)
	}
	o.collector.Counter("bldx_subtasks_total", 1, labels)
}

// LevelFinished records the wall time and width of one level.
func (o *BatchObserver) LevelFinished(level, size int, d time.Duration) {
	labels := map[string]string{
		"level":     strconv.Itoa(level),
		"component": "coordinator",
	}
	o.collector.Timer("bldx_level_duration", d, labels)
	o.collector.Histogram("bldx_level_width", float64(size), labels)
}

// TimerScope represents a scoped timer for measuring durations
type TimerScope struct {
	startTime time.Time
	name      string
	labels    map[string]string
	collector *Collector
}

// NewTimerScope creates a new timer scope
func NewTimerScope(name string, labels map[string]string) *TimerScope {
	return &TimerScope{
		startTime: time.Now(),
		name:      name,
		labels:    labels,
		collector: GetGlobal(),
	}
}

// End completes the timer and records the duration
func (ts *TimerScope) End() time.Duration {
	duration := time.Since(ts.startTime)
	ts.collector.Timer(ts.name, duration, ts.labels)
	return duration
}

// WithTimerScope executes a function and measures its duration
func WithTimerScope(name string, labels map[string]string, fn func()) time.Duration {
	timer := NewTimerScope(name, labels)
	fn()
	return timer.End()
}
