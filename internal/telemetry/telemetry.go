package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType tells exporters how to aggregate a sample.
type MetricType string

const (
	Counter   MetricType = "counter"
	Gauge     MetricType = "gauge"
	Histogram MetricType = "histogram"
	Timer     MetricType = "timer"
)

// Metric is one sample recorded by the runtime, e.g. a finished subtask or
// a build duration.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

const (
	// DefaultFlushInterval is how often buffered samples are exported.
	DefaultFlushInterval = 30 * time.Second
	// DefaultBufferLimit caps samples held while the exporter is down.
	DefaultBufferLimit = 10000

	// flushThreshold wakes the flusher early once this many samples wait.
	flushThreshold = 100
)

// Option configures a Collector.
type Option func(*Collector)

// WithFlushInterval sets the export period. Non-positive values keep the
// default.
func WithFlushInterval(d time.Duration) Option {
	return func(c *Collector) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithBufferLimit bounds the samples kept between flushes. The oldest are
// dropped first.
func WithBufferLimit(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.limit = n
		}
	}
}

// Collector buffers the runtime's samples and ships them to the OTLP
// collector, or to the debug log when no endpoint is configured. Samples
// from a failed export are kept for the next flush.
type Collector struct {
	mu       sync.RWMutex
	metrics  []Metric
	dropped  int
	enabled  bool
	interval time.Duration
	limit    int
	exporter *OTLPExporter
	flushCh  chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	now      func() time.Time
}

// NewCollector returns a collector. A disabled one records nothing and
// starts no goroutine.
func NewCollector(enabled bool, otlpEndpoint string, opts ...Option) *Collector {
	c := &Collector{
		enabled:  enabled,
		interval: DefaultFlushInterval,
		limit:    DefaultBufferLimit,
		flushCh:  make(chan struct{}, 1),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if otlpEndpoint != "" {
		c.exporter = NewOTLPExporter(otlpEndpoint)
	}
	if enabled {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.done = make(chan struct{})
		go c.run(ctx)
	}
	return c
}

// Enabled reports whether metrics are being recorded.
func (c *Collector) Enabled() bool { return c.enabled }

func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(Counter, name, value, "", labels)
}

func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(Gauge, name, value, "", labels)
}

func (c *Collector) Histogram(name string, value float64, labels map[string]string) {
	c.record(Histogram, name, value, "", labels)
}

// Timer records d in milliseconds.
func (c *Collector) Timer(name string, d time.Duration, labels map[string]string) {
	c.record(Timer, name, float64(d.Milliseconds()), "ms", labels)
}

func (c *Collector) record(typ MetricType, name string, value float64, unit string, labels map[string]string) {
	if !c.enabled {
		return
	}
	m := Metric{Name: name, Type: typ, Value: value, Labels: labels, Timestamp: c.now(), Unit: unit}

	c.mu.Lock()
	c.metrics = append(c.metrics, m)
	c.trimLocked()
	pending := len(c.metrics)
	c.mu.Unlock()

	if pending >= flushThreshold {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
}

// trimLocked drops the oldest samples beyond the buffer limit.
func (c *Collector) trimLocked() {
	if over := len(c.metrics) - c.limit; over > 0 {
		c.metrics = append(c.metrics[:0], c.metrics[over:]...)
		c.dropped += over
	}
}

// GetMetrics returns a copy of the buffered samples.
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metric, len(c.metrics))
	copy(out, c.metrics)
	return out
}

// Dropped returns how many samples were discarded to respect the buffer
// limit.
func (c *Collector) Dropped() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dropped
}

// FlushMetrics exports the buffered samples. On export failure they are
// put back ahead of anything recorded meanwhile.
func (c *Collector) FlushMetrics() error {
	c.mu.Lock()
	batch := c.metrics
	c.metrics = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if c.exporter == nil {
		for _, m := range batch {
			log.Debug().
				Str("name", m.Name).
				Str("type", string(m.Type)).
				Float64("value", m.Value).
				Interface("labels", m.Labels).
				Time("timestamp", m.Timestamp).
				Msg("metric")
		}
		return nil
	}

	if err := c.exporter.Export(batch); err != nil {
		c.mu.Lock()
		c.metrics = append(batch, c.metrics...)
		c.trimLocked()
		c.mu.Unlock()
		return err
	}
	log.Debug().Int("count", len(batch)).Msg("metrics exported")
	return nil
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.flushCh:
		}
		if err := c.FlushMetrics(); err != nil {
			log.Warn().Err(err).Int("pending", len(c.GetMetrics())).Msg("metric export failed, will retry")
		}
	}
}

// Shutdown stops the flusher and exports what is left.
func (c *Collector) Shutdown() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.FlushMetrics()
}

var globalCollector *Collector

// InitGlobal replaces the process-wide collector used by the *Global
// helpers.
func InitGlobal(enabled bool, otlpEndpoint string, opts ...Option) {
	globalCollector = NewCollector(enabled, otlpEndpoint, opts...)
}

// GetGlobal returns the process-wide collector, a disabled one if
// InitGlobal was never called.
func GetGlobal() *Collector {
	if globalCollector == nil {
		globalCollector = NewCollector(false, "")
	}
	return globalCollector
}

func CounterGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Counter(name, value, labels)
}

func GaugeGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Gauge(name, value, labels)
}

func HistogramGlobal(name string, value float64, labels map[string]string) {
	GetGlobal().Histogram(name, value, labels)
}

func TimerGlobal(name string, d time.Duration, labels map[string]string) {
	GetGlobal().Timer(name, d, labels)
}

// Shutdown flushes the process-wide collector.
func Shutdown() error {
	if globalCollector != nil {
		return globalCollector.Shutdown()
	}
	return nil
}
