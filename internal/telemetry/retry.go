package telemetry

import (
	"bytes"
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig defines retry behavior for metric exports
type RetryConfig struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffFactor   float64
	RetryableStatus []int
}

// DefaultRetryConfig returns sensible retry defaults
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffFactor:   2.0,
		RetryableStatus: []int{429, 500, 502, 503, 504},
	}
}

// postWithRetry POSTs body to url, retrying transport errors and
// retryable status codes with jittered exponential backoff. The final
// response is returned even when its status is retryable.
func postWithRetry(ctx context.Context, client *http.Client, cfg RetryConfig, url, contentType string, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := client.Do(req)
		last := attempt == cfg.MaxRetries
		switch {
		case err != nil:
			lastErr = err
			if last {
				return nil, lastErr
			}
		case cfg.shouldRetry(resp.StatusCode) && !last:
			resp.Body.Close()
		default:
			return resp, nil
		}

		delay := cfg.delay(attempt)
		ev := log.Warn().Int("attempt", attempt+1).Int("max_retries", cfg.MaxRetries).Dur("delay", delay).Str("url", url)
		if err != nil {
			ev = ev.Err(err)
		} else {
			ev = ev.Int("status", resp.StatusCode)
		}
		ev.Msg("metric export failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c RetryConfig) shouldRetry(statusCode int) bool {
	for _, code := range c.RetryableStatus {
		if statusCode == code {
			return true
		}
	}
	return false
}

// delay calculates exponential backoff with ±25% jitter, capped at MaxDelay
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}
