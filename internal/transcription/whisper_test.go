package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func whisperConfig(endpoint string) Config {
	return Config{
		Provider:      ProviderWhisper,
		Endpoint:      endpoint,
		APIKey:        "test-key",
		Model:         "whisper-1",
		Timeout:       5 * time.Second,
		MaxRetries:    0,
		MaxConcurrent: 2,
	}
}

func TestWhisperSubmitChunk(t *testing.T) {
	container := []byte("RIFF fake wav payload")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want Bearer test-key", got)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Content-Type = %q, want multipart/form-data", r.Header.Get("Content-Type"))
		}

		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("failed to parse multipart form: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want whisper-1", got)
		}
		if got := r.FormValue("response_format"); got != "json" {
			t.Errorf("response_format = %q, want json", got)
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file field: %v", err)
		}
		defer file.Close()
		if !strings.HasSuffix(header.Filename, ".wav") {
			t.Errorf("filename = %q, want .wav suffix", header.Filename)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello world"}`))
	}))
	defer server.Close()

	client, err := NewWhisperClient(whisperConfig(server.URL))
	if err != nil {
		t.Fatalf("NewWhisperClient failed: %v", err)
	}

	result, err := client.SubmitChunk(context.Background(), container, ChunkMeta{
		SessionID: "s1",
		StartTime: time.Now(),
		EndTime:   time.Now(),
	})
	if err != nil {
		t.Fatalf("SubmitChunk failed: %v", err)
	}
	if result.Text != "hello world" {
		t.Errorf("result.Text = %q, want %q", result.Text, "hello world")
	}

	stats := client.Stats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 success", stats)
	}
}

func TestWhisperClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	cfg := whisperConfig(server.URL)
	cfg.MaxRetries = 3

	client, err := NewWhisperClient(cfg)
	if err != nil {
		t.Fatalf("NewWhisperClient failed: %v", err)
	}

	_, err = client.SubmitChunk(context.Background(), []byte("audio"), ChunkMeta{})
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server received %d requests, want 1 (client errors are not retryable)", got)
	}
}

func TestWhisperRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"text":"second try"}`))
	}))
	defer server.Close()

	cfg := whisperConfig(server.URL)
	cfg.MaxRetries = 2

	client, err := NewWhisperClient(cfg)
	if err != nil {
		t.Fatalf("NewWhisperClient failed: %v", err)
	}

	result, err := client.SubmitChunk(context.Background(), []byte("audio"), ChunkMeta{})
	if err != nil {
		t.Fatalf("SubmitChunk failed after retry: %v", err)
	}
	if result.Text != "second try" {
		t.Errorf("result.Text = %q, want %q", result.Text, "second try")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server received %d requests, want 2", got)
	}

	stats := client.Stats()
	if stats.TotalRetries != 1 {
		t.Errorf("TotalRetries = %d, want 1", stats.TotalRetries)
	}
}

func TestWhisperCloseWaitsForActiveRequests(t *testing.T) {
	release := make(chan struct{})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"text":"done"}`))
	}))
	defer server.Close()

	cfg := whisperConfig(server.URL)
	cfg.MaxConcurrent = 1

	client, err := NewWhisperClient(cfg)
	if err != nil {
		t.Fatalf("NewWhisperClient failed: %v", err)
	}

	submitDone := make(chan struct{})
	go func() {
		client.SubmitChunk(context.Background(), []byte("audio"), ChunkMeta{})
		close(submitDone)
	}()

	// Wait until the request holds the semaphore slot.
	deadline := time.Now().Add(2 * time.Second)
	for client.Stats().ActiveRequests == 0 {
		if time.Now().After(deadline) {
			t.Fatal("submission never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	closeDone := make(chan struct{})
	go func() {
		client.Close()
		close(closeDone)
	}()

	select {
	case <-closeDone:
		t.Fatal("Close returned while a submission was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case <-closeDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the in-flight submission finished")
	}

	<-submitDone
}

func TestNewWhisperClientValidation(t *testing.T) {
	if _, err := NewWhisperClient(Config{APIKey: "k"}); err == nil {
		t.Error("expected error for empty endpoint")
	}
	if _, err := NewWhisperClient(Config{Endpoint: "http://x"}); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNewFactory(t *testing.T) {
	cfg := whisperConfig("http://localhost:9000")

	backend, err := New(cfg)
	if err != nil {
		t.Fatalf("New(whisper) failed: %v", err)
	}
	if backend.Name() != ProviderWhisper {
		t.Errorf("Name = %q, want %q", backend.Name(), ProviderWhisper)
	}

	cfg.Provider = ProviderDeepgram
	backend, err = New(cfg)
	if err != nil {
		t.Fatalf("New(deepgram) failed: %v", err)
	}
	if backend.Name() != ProviderDeepgram {
		t.Errorf("Name = %q, want %q", backend.Name(), ProviderDeepgram)
	}

	cfg.Provider = "nonsense"
	if _, err := New(cfg); err == nil {
		t.Error("expected error for unknown provider")
	}
}
