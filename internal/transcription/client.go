package transcription

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"
)

// httpClientFor builds the HTTP client both providers share
func httpClientFor(cfg *Config) *http.Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// clientStats tracks cumulative request statistics shared by both providers
type clientStats struct {
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

func (s *clientStats) recordAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRequests++
}

func (s *clientStats) recordSuccess(responseTime time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successRequests++

	// Simple moving average
	if s.avgResponseTime == 0 {
		s.avgResponseTime = responseTime
	} else {
		s.avgResponseTime = (s.avgResponseTime + responseTime) / 2
	}
}

func (s *clientStats) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedRequests++
}

func (s *clientStats) recordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRetries++
}

func (s *clientStats) snapshot(semLen int) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	successRate := float64(0)
	if s.totalRequests > 0 {
		successRate = float64(s.successRequests) / float64(s.totalRequests) * 100
	}

	return Stats{
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		FailedRequests:  s.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    s.totalRetries,
		AvgResponseTime: s.avgResponseTime,
		ActiveRequests:  semLen,
	}
}

// submitWithRetry runs one submission through the retry loop with capped
// exponential backoff. Retries here are transport-level attempts within a
// single flush window; a window whose submission ultimately fails is
// dropped by the batcher, never requeued.
func submitWithRetry(ctx context.Context, cfg Config, stats *clientStats,
	do func(ctx context.Context) (*Result, error)) (*Result, error) {

	startTime := time.Now()
	stats.recordAttempt()

	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			stats.recordRetry()

			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				stats.recordFailure()
				return nil, ctx.Err()
			}
		}

		result, err := do(ctx)
		if err == nil {
			stats.recordSuccess(time.Since(startTime))
			return result, nil
		}

		lastErr = err

		var provErr *ProviderError
		if !errors.As(err, &provErr) || !provErr.Retryable() {
			break
		}
	}

	stats.recordFailure()
	return nil, lastErr
}
