package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DeepgramClient submits WAV containers to the Deepgram prerecorded API.
// Like the Whisper variant it is stateless per window; the batcher still
// drives StartSession/EndSession so a session-ful provider can be swapped
// in behind the same Backend contract.
type DeepgramClient struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	stats      clientStats
}

// deepgramResponse mirrors the nested prerecorded response shape
type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float32 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// NewDeepgramClient creates a Deepgram provider client
func NewDeepgramClient(cfg Config) (*DeepgramClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}

	httpClient := httpClientFor(&cfg)

	return &DeepgramClient{
		config:     cfg,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Name implements Backend
func (c *DeepgramClient) Name() string {
	return ProviderDeepgram
}

// StartSession implements Backend; the prerecorded API has no session handshake
func (c *DeepgramClient) StartSession(ctx context.Context) error {
	return nil
}

// EndSession implements Backend; nothing to tear down
func (c *DeepgramClient) EndSession(ctx context.Context) error {
	return nil
}

// SubmitChunk submits one WAV container for transcription
func (c *DeepgramClient) SubmitChunk(ctx context.Context, container []byte, meta ChunkMeta) (*Result, error) {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return submitWithRetry(ctx, c.config, &c.stats, func(ctx context.Context) (*Result, error) {
		return c.doRequest(ctx, container)
	})
}

// doRequest performs a single HTTP request against the prerecorded API
func (c *DeepgramClient) doRequest(ctx context.Context, container []byte) (*Result, error) {
	endpoint, err := c.buildURL()
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(container))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "audio/wav")
	httpReq.Header.Set("Authorization", "Token "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "meeting-relay-service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderDeepgram, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderDeepgram, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: ProviderDeepgram, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed deepgramResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	// Silence yields an empty transcript, which is still a valid window.
	result := &Result{}
	if len(parsed.Results.Channels) > 0 && len(parsed.Results.Channels[0].Alternatives) > 0 {
		alt := parsed.Results.Channels[0].Alternatives[0]
		result.Text = alt.Transcript
		result.Confidence = alt.Confidence
	}

	return result, nil
}

// buildURL appends the model and language query parameters to the endpoint
func (c *DeepgramClient) buildURL() (string, error) {
	parsed, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}

	query := parsed.Query()
	query.Set("model", c.config.Model)
	query.Set("punctuate", "true")
	if c.config.Language != "" {
		query.Set("language", c.config.Language)
	}
	parsed.RawQuery = query.Encode()

	return parsed.String(), nil
}

// Stats returns current client statistics
func (c *DeepgramClient) Stats() Stats {
	return c.stats.snapshot(len(c.semaphore))
}

// Close waits for all active requests to complete
func (c *DeepgramClient) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}

var _ Backend = (*DeepgramClient)(nil)
