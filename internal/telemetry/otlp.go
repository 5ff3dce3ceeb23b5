package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Resource identity attached to every export so collectors can tell bldx
// runs apart from other services.
const (
	ServiceName    = "bldx"
	ServiceVersion = "0.1.0"
)

// OTLPExporter posts collector batches to an OTLP/HTTP metrics endpoint
// using the JSON encoding.
type OTLPExporter struct {
	endpoint string
	client   *http.Client
	retry    RetryConfig
}

func NewOTLPExporter(endpoint string) *OTLPExporter {
	return &OTLPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		retry:    DefaultRetryConfig(),
	}
}

// WithRetry replaces the exporter's retry policy.
func (e *OTLPExporter) WithRetry(cfg RetryConfig) *OTLPExporter {
	e.retry = cfg
	return e
}

// The types below cover the subset of the OTLP JSON schema bldx emits.
type otlpMetricsPayload struct {
	ResourceMetrics []otlpResourceMetrics `json:"resourceMetrics"`
}

type otlpResourceMetrics struct {
	Resource     otlpResource       `json:"resource"`
	ScopeMetrics []otlpScopeMetrics `json:"scopeMetrics"`
}

type otlpResource struct {
	Attributes []otlpAttribute `json:"attributes"`
}

type otlpScopeMetrics struct {
	Scope   otlpScope    `json:"scope"`
	Metrics []otlpMetric `json:"metrics"`
}

type otlpScope struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type otlpMetric struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Unit        string         `json:"unit,omitempty"`
	Sum         *otlpSum       `json:"sum,omitempty"`
	Gauge       *otlpGauge     `json:"gauge,omitempty"`
	Histogram   *otlpHistogram `json:"histogram,omitempty"`
}

type otlpSum struct {
	DataPoints             []otlpNumberDataPoint `json:"dataPoints"`
	AggregationTemporality int                   `json:"aggregationTemporality"`
	IsMonotonic            bool                  `json:"isMonotonic"`
}

type otlpGauge struct {
	DataPoints []otlpNumberDataPoint `json:"dataPoints"`
}

type otlpHistogram struct {
	DataPoints             []otlpHistogramDataPoint `json:"dataPoints"`
	AggregationTemporality int                      `json:"aggregationTemporality"`
}

type otlpNumberDataPoint struct {
	Attributes   []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano int64           `json:"timeUnixNano"`
	AsDouble     float64         `json:"asDouble"`
}

type otlpHistogramDataPoint struct {
	Attributes     []otlpAttribute `json:"attributes,omitempty"`
	TimeUnixNano   int64           `json:"timeUnixNano"`
	Count          int64           `json:"count"`
	Sum            float64         `json:"sum"`
	BucketCounts   []int64         `json:"bucketCounts"`
	ExplicitBounds []float64       `json:"explicitBounds"`
}

type otlpAttribute struct {
	Key   string    `json:"key"`
	Value otlpValue `json:"value"`
}

type otlpValue struct {
	StringValue string `json:"stringValue,omitempty"`
}

// Export posts one batch, retrying transient failures. Any non-2xx answer
// left after retries is an error so the collector keeps the batch.
func (e *OTLPExporter) Export(metrics []Metric) error {
	if len(metrics) == 0 {
		return nil
	}

	payload := e.convertToOTLP(metrics)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal OTLP payload: %w", err)
	}

	resp, err := postWithRetry(context.Background(), e.client, e.retry, e.endpoint, "application/json", data)
	if err != nil {
		return fmt.Errorf("post metrics to %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("metrics endpoint %s returned status %d", e.endpoint, resp.StatusCode)
	}

	log.Debug().Str("endpoint", e.endpoint).Int("count", len(metrics)).Msg("metrics posted")

	return nil
}

// cumulative is OTLP's AGGREGATION_TEMPORALITY_CUMULATIVE.
const cumulative = 2

// histogramBounds bucket histogram samples. bldx records level widths as
// histograms, so the bounds follow powers of two up to a large pool.
var histogramBounds = []float64{1, 2, 4, 8, 16, 32, 64}

func (e *OTLPExporter) convertToOTLP(metrics []Metric) otlpMetricsPayload {
	out := make([]otlpMetric, 0, len(metrics))
	for _, m := range metrics {
		attrs := toAttributes(m.Labels)
		ts := m.Timestamp.UnixNano()
		point := otlpNumberDataPoint{Attributes: attrs, TimeUnixNano: ts, AsDouble: m.Value}
		om := otlpMetric{Name: m.Name, Unit: m.Unit}

		switch m.Type {
		case Counter:
			om.Sum = &otlpSum{DataPoints: []otlpNumberDataPoint{point}, AggregationTemporality: cumulative, IsMonotonic: true}
		case Histogram:
			om.Histogram = &otlpHistogram{
				DataPoints: []otlpHistogramDataPoint{{
					Attributes:     attrs,
					TimeUnixNano:   ts,
					Count:          1,
					Sum:            m.Value,
					BucketCounts:   bucketFor(m.Value),
					ExplicitBounds: histogramBounds,
				}},
				AggregationTemporality: cumulative,
			}
		default:
			om.Gauge = &otlpGauge{DataPoints: []otlpNumberDataPoint{point}}
		}
		out = append(out, om)
	}

	return otlpMetricsPayload{ResourceMetrics: []otlpResourceMetrics{{
		Resource: otlpResource{Attributes: []otlpAttribute{
			{Key: "service.name", Value: otlpValue{StringValue: ServiceName}},
			{Key: "service.version", Value: otlpValue{StringValue: ServiceVersion}},
		}},
		ScopeMetrics: []otlpScopeMetrics{{
			Scope:   otlpScope{Name: ServiceName + "/telemetry", Version: ServiceVersion},
			Metrics: out,
		}},
	}}}
}

// bucketFor returns bucket counts for a single sample of v.
func bucketFor(v float64) []int64 {
	counts := make([]int64, len(histogramBounds)+1)
	i := 0
	for i < len(histogramBounds) && v > histogramBounds[i] {
		i++
	}
	counts[i] = 1
	return counts
}

// toAttributes converts labels to OTLP attributes in key order.
func toAttributes(labels map[string]string) []otlpAttribute {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]otlpAttribute, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, otlpAttribute{Key: k, Value: otlpValue{StringValue: labels[k]}})
	}
	return attrs
}
