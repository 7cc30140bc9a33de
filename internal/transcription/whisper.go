package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
)

// WhisperClient submits WAV containers to an OpenAI-compatible
// audio/transcriptions endpoint. The provider is stateless: every flush
// window is one independent multipart request and no session handshake
// exists, so StartSession and EndSession are no-ops.
type WhisperClient struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	stats      clientStats
}

// whisperResponse is the JSON body of a successful transcription
type whisperResponse struct {
	Text string `json:"text"`
}

// NewWhisperClient creates a Whisper provider client
func NewWhisperClient(cfg Config) (*WhisperClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}

	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}

	httpClient := httpClientFor(&cfg)

	return &WhisperClient{
		config:     cfg,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Name implements Backend
func (c *WhisperClient) Name() string {
	return ProviderWhisper
}

// StartSession implements Backend; the Whisper API has no session handshake
func (c *WhisperClient) StartSession(ctx context.Context) error {
	return nil
}

// EndSession implements Backend; nothing to tear down
func (c *WhisperClient) EndSession(ctx context.Context) error {
	return nil
}

// SubmitChunk submits one WAV container for transcription
func (c *WhisperClient) SubmitChunk(ctx context.Context, container []byte, meta ChunkMeta) (*Result, error) {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return submitWithRetry(ctx, c.config, &c.stats, func(ctx context.Context) (*Result, error) {
		return c.doRequest(ctx, container, meta)
	})
}

// doRequest performs a single HTTP request against the transcription API
func (c *WhisperClient) doRequest(ctx context.Context, container []byte, meta ChunkMeta) (*Result, error) {
	body, contentType, err := c.createMultipartRequest(container, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "meeting-relay-service/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderWhisper, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: ProviderWhisper, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProviderError{Provider: ProviderWhisper, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed whisperResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	// Silence legitimately yields an empty transcript; pass it through.
	return &Result{Text: parsed.Text}, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (c *WhisperClient) createMultipartRequest(container []byte, meta ChunkMeta) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("window-%d.wav", meta.StartTime.UnixMilli())
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := fileWriter.Write(container); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"model":           c.config.Model,
		"response_format": "json",
	}

	if c.config.Language != "" {
		fields["language"] = c.config.Language
	}

	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// Stats returns current client statistics
func (c *WhisperClient) Stats() Stats {
	return c.stats.snapshot(len(c.semaphore))
}

// Close waits for all active requests to complete
func (c *WhisperClient) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}

var _ Backend = (*WhisperClient)(nil)
