package transcription

import (
	"context"
	"fmt"
	"time"
)

// Backend is the contract the audio batcher drives. One flush window maps
// to one SubmitChunk call. StartSession and EndSession are best-effort
// session hooks: stateless HTTP providers implement them as no-ops, while
// session-ful providers may open and close provider-side state there.
type Backend interface {
	// Name returns the provider identifier ("whisper", "deepgram").
	Name() string

	// StartSession prepares provider-side session state if the provider
	// needs any. Failures are logged by the caller and are not fatal.
	StartSession(ctx context.Context) error

	// SubmitChunk submits one WAV container and returns the transcript.
	// Empty or silent audio is not an error; the provider may return an
	// empty transcript, which is still a valid result.
	SubmitChunk(ctx context.Context, container []byte, meta ChunkMeta) (*Result, error)

	// EndSession tears down provider-side session state, if any.
	EndSession(ctx context.Context) error

	// Stats returns cumulative client statistics for monitoring.
	Stats() Stats
}

// ChunkMeta carries window context alongside a submitted container
type ChunkMeta struct {
	SessionID  string
	StartTime  time.Time
	EndTime    time.Time
	SampleRate int
	Channels   int
}

// Result is one transcription result for a submitted container
type Result struct {
	Text       string  `json:"text"`
	Confidence float32 `json:"confidence,omitempty"`
}

// Stats represents cumulative provider client statistics
type Stats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Config contains provider client configuration
type Config struct {
	Provider      string
	Endpoint      string
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// Providers supported by New
const (
	ProviderWhisper  = "whisper"
	ProviderDeepgram = "deepgram"
)

// New constructs the backend named by cfg.Provider
func New(cfg Config) (Backend, error) {
	switch cfg.Provider {
	case ProviderWhisper:
		return NewWhisperClient(cfg)
	case ProviderDeepgram:
		return NewDeepgramClient(cfg)
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// ProviderError describes a failed submission to a transcription provider
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s: HTTP error %d: %s", e.Provider, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth retrying within a single
// submission attempt: server errors, rate limiting, and transport faults.
func (e *ProviderError) Retryable() bool {
	if e.Err != nil {
		return true // network-level failure
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}
