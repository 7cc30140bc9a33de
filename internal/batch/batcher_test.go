package batch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voicebridge/meeting-relay-service/internal/audio"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
	"github.com/voicebridge/meeting-relay-service/internal/transcription"
)

// fakeBackend records submitted containers and returns canned results. A
// non-nil block channel makes SubmitChunk hang until the channel is
// closed, simulating a slow provider round trip.
type fakeBackend struct {
	mu       sync.Mutex
	chunks   [][]byte
	metas    []transcription.ChunkMeta
	starts   int
	ends     int
	text     string
	err      error
	block    chan struct{}
	submitCh chan struct{}
}

func newFakeBackend(text string) *fakeBackend {
	return &fakeBackend{text: text, submitCh: make(chan struct{}, 16)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) StartSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeBackend) EndSession(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeBackend) SubmitChunk(ctx context.Context, container []byte, meta transcription.ChunkMeta) (*transcription.Result, error) {
	f.mu.Lock()
	f.chunks = append(f.chunks, append([]byte(nil), container...))
	f.metas = append(f.metas, meta)
	err := f.err
	text := f.text
	block := f.block
	f.mu.Unlock()

	f.submitCh <- struct{}{}

	if block != nil {
		<-block
	}

	if err != nil {
		return nil, err
	}
	return &transcription.Result{Text: text}, nil
}

func (f *fakeBackend) Stats() transcription.Stats { return transcription.Stats{} }

func (f *fakeBackend) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func testBatcher(t *testing.T, backend transcription.Backend, cfg Config) *Batcher {
	t.Helper()

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 1
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	return NewBatcher("test-session", cfg, backend, logger, m)
}

func TestBatcherStartAndEndAreIdempotent(t *testing.T) {
	backend := newFakeBackend("")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	ctx := context.Background()

	b.Start(ctx)
	b.Start(ctx)

	if !b.Active() {
		t.Fatal("batcher should be active after Start")
	}

	b.End(ctx)
	b.End(ctx)

	if b.Active() {
		t.Fatal("batcher should be inactive after End")
	}

	backend.mu.Lock()
	starts, ends := backend.starts, backend.ends
	backend.mu.Unlock()

	if starts != 1 {
		t.Errorf("backend StartSession calls = %d, want 1", starts)
	}
	if ends != 1 {
		t.Errorf("backend EndSession calls = %d, want 1", ends)
	}
}

func TestBatcherDropsAudioWhileInactive(t *testing.T) {
	backend := newFakeBackend("")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	b.Append(make([]byte, 640))

	ctx := context.Background()
	b.Start(ctx)
	b.End(ctx)

	if got := backend.chunkCount(); got != 0 {
		t.Errorf("backend received %d chunks, want 0 (pre-start audio must be dropped)", got)
	}
}

func TestBatcherFinalFlushOnEnd(t *testing.T) {
	backend := newFakeBackend("hello world")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	ctx := context.Background()
	b.Start(ctx)

	pcm := make([]byte, 3200)
	b.Append(pcm)
	b.End(ctx)

	if got := backend.chunkCount(); got != 1 {
		t.Fatalf("backend received %d chunks, want exactly 1", got)
	}

	backend.mu.Lock()
	container := backend.chunks[0]
	meta := backend.metas[0]
	backend.mu.Unlock()

	if err := audio.ValidateWAV(container); err != nil {
		t.Errorf("submitted container is not a valid WAV: %v", err)
	}
	if len(container) != audio.WAVHeaderSize+len(pcm) {
		t.Errorf("container size = %d, want %d", len(container), audio.WAVHeaderSize+len(pcm))
	}
	if meta.SessionID != "test-session" {
		t.Errorf("meta.SessionID = %q, want %q", meta.SessionID, "test-session")
	}
	if !meta.EndTime.After(meta.StartTime) {
		t.Error("meta.EndTime should be after meta.StartTime")
	}

	select {
	case ev := <-b.Events():
		if ev.Text != "hello world" {
			t.Errorf("event text = %q, want %q", ev.Text, "hello world")
		}
		if !ev.IsFinal {
			t.Error("event should be final")
		}
	default:
		t.Fatal("no transcript event emitted for the final flush")
	}
}

func TestBatcherEmptyWindowSkipsBackend(t *testing.T) {
	backend := newFakeBackend("")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	ctx := context.Background()
	b.Start(ctx)
	b.End(ctx)

	if got := backend.chunkCount(); got != 0 {
		t.Errorf("backend received %d chunks for an empty window, want 0", got)
	}

	select {
	case <-b.Events():
		t.Fatal("empty window must not emit a transcript event")
	default:
	}
}

func TestBatcherEmptyTranscriptStillEmitted(t *testing.T) {
	backend := newFakeBackend("")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	ctx := context.Background()
	b.Start(ctx)
	b.Append(make([]byte, 640))
	b.End(ctx)

	select {
	case ev := <-b.Events():
		if ev.Text != "" {
			t.Errorf("event text = %q, want empty", ev.Text)
		}
	default:
		t.Fatal("empty transcript must still produce an event")
	}
}

func TestBatcherSubmitFailureDropsWindow(t *testing.T) {
	backend := newFakeBackend("")
	backend.err = errors.New("provider unavailable")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	ctx := context.Background()
	b.Start(ctx)
	b.Append(make([]byte, 640))
	b.End(ctx)

	if got := backend.chunkCount(); got != 1 {
		t.Fatalf("backend received %d chunks, want 1", got)
	}

	select {
	case <-b.Events():
		t.Fatal("failed submission must not emit a transcript event")
	default:
	}
}

func TestBatcherTickerFlush(t *testing.T) {
	backend := newFakeBackend("tick")
	b := testBatcher(t, backend, Config{FlushInterval: 20 * time.Millisecond})

	ctx := context.Background()
	b.Start(ctx)
	defer b.End(ctx)

	b.Append(make([]byte, 640))

	select {
	case <-backend.submitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker flush did not submit within 2s")
	}
}

func TestBatcherSingleFlightFlush(t *testing.T) {
	backend := newFakeBackend("slow")
	backend.block = make(chan struct{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	b := NewBatcher("test-session", Config{
		FlushInterval: 20 * time.Millisecond,
		SampleRate:    16000,
		Channels:      1,
	}, backend, logger, m)

	ctx := context.Background()
	b.Start(ctx)

	b.Append(make([]byte, 640))

	// The first ticker flush enters the backend and hangs there.
	select {
	case <-backend.submitCh:
	case <-time.After(2 * time.Second):
		t.Fatal("first flush did not reach the backend")
	}

	// Audio keeps arriving; later firings have work to do but must skip
	// while the first flush is still in flight.
	b.Append(make([]byte, 640))

	busySkips := func() float64 {
		return testutil.ToFloat64(m.FlushesSkipped.WithLabelValues("busy"))
	}
	deadline := time.Now().Add(2 * time.Second)
	for busySkips() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("no ticker firing was skipped while a flush was in flight")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := backend.chunkCount(); got != 1 {
		t.Fatalf("backend saw %d concurrent submissions, want 1", got)
	}

	// End must wait the in-flight flush out, not race past it.
	endDone := make(chan struct{})
	go func() {
		b.End(ctx)
		close(endDone)
	}()

	select {
	case <-endDone:
		t.Fatal("End returned while a flush was still in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(backend.block)

	select {
	case <-endDone:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return after the in-flight flush completed")
	}

	// The final flush drained the audio that accumulated while blocked.
	if got := backend.chunkCount(); got != 2 {
		t.Errorf("backend received %d chunks, want 2 (blocked flush + final flush)", got)
	}
}

func TestBatcherScratchFilesAreCleanedUp(t *testing.T) {
	scratchDir := t.TempDir()

	backend := newFakeBackend("")
	b := testBatcher(t, backend, Config{
		FlushInterval: time.Hour,
		ScratchDir:    scratchDir,
	})

	ctx := context.Background()
	b.Start(ctx)
	b.Append(make([]byte, 640))
	b.End(ctx)

	entries, err := os.ReadDir(scratchDir)
	if err != nil {
		t.Fatalf("failed to read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("scratch dir holds %d leftover files, want 0", len(entries))
	}
}

func TestBatcherRestartAfterEnd(t *testing.T) {
	backend := newFakeBackend("again")
	b := testBatcher(t, backend, Config{FlushInterval: time.Hour})

	ctx := context.Background()

	b.Start(ctx)
	b.Append(make([]byte, 640))
	b.End(ctx)

	b.Start(ctx)
	if !b.Active() {
		t.Fatal("batcher should be active after restart")
	}
	b.Append(make([]byte, 640))
	b.End(ctx)

	if got := backend.chunkCount(); got != 2 {
		t.Errorf("backend received %d chunks across two sessions, want 2", got)
	}
}
