package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the outcome of one named check.
type HealthCheck struct {
	Name        string            `json:"name"`
	Status      HealthStatus      `json:"status"`
	Message     string            `json:"message"`
	LastChecked time.Time         `json:"last_checked"`
	Duration    time.Duration     `json:"duration"`
	Details     map[string]string `json:"details,omitempty"`
}

// MonitoringServer serves bldx-server's health and the collector's
// buffered samples on a loopback port separate from the task API.
type MonitoringServer struct {
	collector *Collector
	mu        sync.RWMutex
	checks    map[string]func() HealthCheck
	server    *http.Server
}

func NewMonitoringServer(addr string, collector *Collector) *MonitoringServer {
	ms := &MonitoringServer{
		collector: collector,
		checks:    make(map[string]func() HealthCheck),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ms.handleHealth)
	mux.HandleFunc("GET /api/health", ms.handleHealth)
	mux.HandleFunc("GET /metrics", ms.handleExposition)
	mux.HandleFunc("GET /api/metrics", ms.handleMetricsJSON)
	ms.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return ms
}

// RegisterHealthCheck adds or replaces the check called name.
func (ms *MonitoringServer) RegisterHealthCheck(name string, fn func() HealthCheck) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.checks[name] = fn
}

// handleHealth answers 503 unless every check is healthy. /api/health
// always answers 200 so dashboards can read degraded states.
func (ms *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := ms.runHealthChecks()
	status := overall(checks)
	body := map[string]any{
		"status":    status,
		"timestamp": time.Now(),
		"checks":    checks,
	}
	w.Header().Set("Content-Type", "application/json")
	if status != HealthStatusHealthy && r.URL.Path == "/health" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (ms *MonitoringServer) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ms.collector.GetMetrics())
}

// handleExposition renders buffered samples in the Prometheus text
// format: counters are summed per series, everything else reports its
// latest value.
func (ms *MonitoringServer) handleExposition(w http.ResponseWriter, r *http.Request) {
	type series struct {
		name   string
		labels string
		typ    MetricType
		value  float64
	}
	byKey := map[string]*series{}
	var keys []string
	for _, m := range ms.collector.GetMetrics() {
		labels := formatLabels(m.Labels)
		key := m.Name + labels
		s, ok := byKey[key]
		if !ok {
			s = &series{name: m.Name, labels: labels, typ: m.Type}
			byKey[key] = s
			keys = append(keys, key)
		}
		if m.Type == Counter {
			s.value += m.Value
		} else {
			s.value = m.Value
		}
	}
	sort.Strings(keys)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	typed := map[string]bool{}
	for _, k := range keys {
		s := byKey[k]
		if !typed[s.name] {
			fmt.Fprintf(w, "# TYPE %s %s\n", s.name, promType(s.typ))
			typed[s.name] = true
		}
		fmt.Fprintf(w, "%s%s %s\n", s.name, s.labels, strconv.FormatFloat(s.value, 'g', -1, 64))
	}
}

func promType(t MetricType) string {
	switch t {
	case Counter:
		return "counter"
	case Gauge, Timer:
		return "gauge"
	default:
		return "untyped"
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+strconv.Quote(v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

func overall(checks []HealthCheck) HealthStatus {
	status := HealthStatusHealthy
	for _, c := range checks {
		switch c.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			status = HealthStatusDegraded
		}
	}
	return status
}

func (ms *MonitoringServer) runHealthChecks() []HealthCheck {
	ms.mu.RLock()
	names := make([]string, 0, len(ms.checks))
	for name := range ms.checks {
		names = append(names, name)
	}
	fns := make(map[string]func() HealthCheck, len(ms.checks))
	for k, v := range ms.checks {
		fns[k] = v
	}
	ms.mu.RUnlock()
	sort.Strings(names)

	checks := make([]HealthCheck, 0, len(names))
	for _, name := range names {
		start := time.Now()
		check := fns[name]()
		check.Duration = time.Since(start)
		check.LastChecked = time.Now()
		checks = append(checks, check)
	}
	return checks
}

// Handler exposes the routes for embedding or tests.
func (ms *MonitoringServer) Handler() http.Handler { return ms.server.Handler }

func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("monitoring listening")
	return ms.server.ListenAndServe()
}

func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// RegistryHealthCheck degrades once more than limit tasks are running.
func RegistryHealthCheck(running func() int, limit int) func() HealthCheck {
	return func() HealthCheck {
		n := running()
		check := HealthCheck{
			Name:    "registry",
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d tasks running", n),
			Details: map[string]string{"running": strconv.Itoa(n), "limit": strconv.Itoa(limit)},
		}
		if limit > 0 && n > limit {
			check.Status = HealthStatusDegraded
			check.Message = fmt.Sprintf("%d tasks running, above pool size %d", n, limit)
		}
		return check
	}
}

// StoreHealthCheck reports the result of ping as a health check.
func StoreHealthCheck(ping func(context.Context) error) func() HealthCheck {
	return func() HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return HealthCheck{Name: "store", Status: HealthStatusUnhealthy, Message: err.Error()}
		}
		return HealthCheck{Name: "store", Status: HealthStatusHealthy, Message: "ok"}
	}
}

// Thresholds above which the process check degrades, then fails.
const (
	heapDegradedMB   = 1024
	heapUnhealthyMB  = 2048
	goroutinesWarn   = 1000
	goroutinesFailed = 5000
)

// DefaultHealthChecks returns the checks every bldx-server registers.
func DefaultHealthChecks() map[string]func() HealthCheck {
	return map[string]func() HealthCheck{"process": processHealthCheck}
}

func processHealthCheck() HealthCheck {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	heapMB := float64(m.HeapAlloc) / (1024 * 1024)
	goroutines := runtime.NumGoroutine()

	check := HealthCheck{
		Name:    "process",
		Status:  HealthStatusHealthy,
		Message: fmt.Sprintf("heap %.1f MB, %d goroutines", heapMB, goroutines),
		Details: map[string]string{
			"heap_mb":    strconv.FormatFloat(heapMB, 'f', 2, 64),
			"goroutines": strconv.Itoa(goroutines),
		},
	}
	switch {
	case heapMB > heapUnhealthyMB || goroutines > goroutinesFailed:
		check.Status = HealthStatusUnhealthy
	case heapMB > heapDegradedMB || goroutines > goroutinesWarn:
		check.Status = HealthStatusDegraded
	}
	return check
}
