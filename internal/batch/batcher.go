package batch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/voicebridge/meeting-relay-service/internal/audio"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
	"github.com/voicebridge/meeting-relay-service/internal/transcription"
)

// TranscriptEvent is one unit of transcribed text with timing metadata
// bracketing the flush window it was produced from.
type TranscriptEvent struct {
	Text      string
	IsFinal   bool
	StartTime time.Time
	EndTime   time.Time
}

// Config contains batcher configuration
type Config struct {
	FlushInterval time.Duration
	SubmitTimeout time.Duration
	SampleRate    int
	Channels      int
	ScratchDir    string // empty means the OS temp dir
}

// Batcher accumulates raw audio and flushes it to the transcription
// backend on a fixed cadence. Start and End are idempotent in both
// directions; at most one flush is ever in flight (timer firings during a
// running flush are skipped, and End waits the in-flight flush out).
type Batcher struct {
	sessionID string
	cfg       Config
	backend   transcription.Backend
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// Session state
	mu      sync.Mutex
	active  bool
	segment *audio.Segment
	cancel  context.CancelFunc
	done    chan struct{}

	// Single-flight flush exclusion. The ticker path uses TryLock
	// (check-and-skip), the End path uses Lock (wait, then final flush).
	flightMu sync.Mutex

	events chan TranscriptEvent
}

// NewBatcher creates a batcher for one relay session
func NewBatcher(sessionID string, cfg Config, backend transcription.Backend,
	logger *slog.Logger, m *metrics.Metrics) *Batcher {

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}

	return &Batcher{
		sessionID: sessionID,
		cfg:       cfg,
		backend:   backend,
		logger:    logger,
		metrics:   m,
		events:    make(chan TranscriptEvent, 16),
	}
}

// Active reports whether a transcription session is currently running
func (b *Batcher) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Events returns the transcript event channel. Exactly one consumer reads
// it for the lifetime of the owning relay.
func (b *Batcher) Events() <-chan TranscriptEvent {
	return b.events
}

// Start begins a transcription session. Calling Start while already active
// is a no-op. Backend session setup is best-effort: a failure is logged
// and the session still starts, since stateless providers need no setup.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return
	}

	b.active = true
	b.segment = audio.NewSegment()

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})

	go b.flushLoop(loopCtx)
	b.mu.Unlock()

	sessionCtx, sessionCancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	defer sessionCancel()

	if err := b.backend.StartSession(sessionCtx); err != nil {
		b.logger.Warn("Backend session start failed, continuing without it",
			slog.String("session_id", b.sessionID),
			slog.String("provider", b.backend.Name()),
			slog.String("error", err.Error()),
		)
	}

	b.logger.Info("Transcription session started",
		slog.String("session_id", b.sessionID),
		slog.String("provider", b.backend.Name()),
		slog.Duration("flush_interval", b.cfg.FlushInterval),
	)
}

// Append adds raw PCM bytes to the current flush window. Audio arriving
// while no session is active is dropped, not queued; the pre-start race is
// accepted data loss.
func (b *Batcher) Append(data []byte) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	segment := b.segment
	b.mu.Unlock()

	segment.Append(data)
	b.metrics.RecordAudioBatched(len(data))
}

// End stops the session: the timer is cancelled, any in-flight flush is
// waited out, one final flush drains the pending window, and the backend
// session is closed best-effort. Calling End while inactive is a no-op.
func (b *Batcher) End(ctx context.Context) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	b.active = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done

	// Waits out an in-flight timer flush, then drains the tail.
	b.flightMu.Lock()
	b.flush()
	b.flightMu.Unlock()

	sessionCtx, sessionCancel := context.WithTimeout(ctx, b.cfg.SubmitTimeout)
	defer sessionCancel()

	if err := b.backend.EndSession(sessionCtx); err != nil {
		b.logger.Warn("Backend session end failed",
			slog.String("session_id", b.sessionID),
			slog.String("provider", b.backend.Name()),
			slog.String("error", err.Error()),
		)
	}

	b.logger.Info("Transcription session ended",
		slog.String("session_id", b.sessionID),
	)
}

// flushLoop drives the fixed-cadence flushes until the session ends. The
// flush itself runs off the loop so a slow backend round trip does not
// stall the ticker; the next firing then sees the flush still in flight
// and skips.
func (b *Batcher) flushLoop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Check-and-skip: a firing that lands while a flush is
			// still running is dropped, never queued.
			if !b.flightMu.TryLock() {
				b.metrics.RecordFlushSkipped("busy")
				continue
			}
			go func() {
				defer b.flightMu.Unlock()
				b.flush()
			}()
		}
	}
}

// flush packages the pending window and submits it. Callers must hold
// flightMu. An empty window is a no-op without a backend round trip; a
// failed submission loses only this window's audio. The submission runs on
// its own timeout so that session cancellation cannot truncate the final
// flush mid-request.
func (b *Batcher) flush() {
	b.mu.Lock()
	segment := b.segment
	b.mu.Unlock()

	if segment == nil || segment.Len() == 0 {
		b.metrics.RecordFlushSkipped("empty")
		return
	}

	pcm, openedAt := segment.Swap()
	endTime := time.Now()

	container, err := audio.EncodeWAV(pcm, b.cfg.SampleRate, b.cfg.Channels)
	if err != nil {
		b.logger.Error("Failed to encode audio container, dropping window",
			slog.String("session_id", b.sessionID),
			slog.Int("pcm_bytes", len(pcm)),
			slog.String("error", err.Error()),
		)
		return
	}

	// Stage the container in a scratch file for the duration of the
	// submission attempt. The artifact never outlives this call.
	scratchPath, err := b.stageContainer(container)
	if err != nil {
		b.logger.Warn("Failed to stage scratch file, submitting from memory",
			slog.String("session_id", b.sessionID),
			slog.String("error", err.Error()),
		)
	}
	if scratchPath != "" {
		defer func() {
			if err := os.Remove(scratchPath); err != nil {
				b.logger.Warn("Failed to remove scratch file",
					slog.String("path", scratchPath),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	submitCtx, cancel := context.WithTimeout(context.Background(), b.cfg.SubmitTimeout)
	defer cancel()

	meta := transcription.ChunkMeta{
		SessionID:  b.sessionID,
		StartTime:  openedAt,
		EndTime:    endTime,
		SampleRate: b.cfg.SampleRate,
		Channels:   b.cfg.Channels,
	}

	b.metrics.RecordTranscriptionRequest()
	startTime := time.Now()

	result, err := b.backend.SubmitChunk(submitCtx, container, meta)
	duration := time.Since(startTime)

	if err != nil {
		b.metrics.RecordTranscriptionFailure(duration.Seconds())
		b.logger.Error("Transcription submission failed, window dropped",
			slog.String("session_id", b.sessionID),
			slog.String("provider", b.backend.Name()),
			slog.Int("container_bytes", len(container)),
			slog.Float64("duration", duration.Seconds()),
			slog.String("error", err.Error()),
		)
		return
	}

	b.metrics.RecordTranscriptionSuccess(duration.Seconds())
	b.metrics.RecordFlush(len(container), duration.Seconds())

	b.logger.Info("Flush window transcribed",
		slog.String("session_id", b.sessionID),
		slog.Int("container_bytes", len(container)),
		slog.Int("text_length", len(result.Text)),
		slog.Float64("duration", duration.Seconds()),
	)

	// Empty provider text is still a valid window and is forwarded.
	b.events <- TranscriptEvent{
		Text:      result.Text,
		IsFinal:   true,
		StartTime: openedAt,
		EndTime:   endTime,
	}
}

// stageContainer writes the container to a transient scratch file
func (b *Batcher) stageContainer(container []byte) (string, error) {
	file, err := os.CreateTemp(b.cfg.ScratchDir, "relay-flush-*.wav")
	if err != nil {
		return "", fmt.Errorf("failed to create scratch file: %w", err)
	}

	if _, err := file.Write(container); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to write scratch file: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("failed to close scratch file: %w", err)
	}

	return file.Name(), nil
}
