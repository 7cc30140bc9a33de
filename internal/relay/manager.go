package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voicebridge/meeting-relay-service/internal/batch"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
	"github.com/voicebridge/meeting-relay-service/internal/transcription"
)

// ManagerConfig contains relay manager configuration
type ManagerConfig struct {
	Batch           batch.Config
	IdleTimeout     time.Duration // relays with no connections and no traffic are reaped after this
	CleanupInterval time.Duration
}

// Manager owns the set of live relays, keyed by session identifier. It
// creates a relay (and its batcher) on first demand, reaps idle ones on a
// timer, and shuts everything down in order on service stop.
type Manager struct {
	cfg     ManagerConfig
	backend transcription.Backend
	sink    TranscriptSink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	relays map[string]*Relay

	stopCleanup chan struct{}
	cleanupDone chan struct{}
}

// NewManager creates a relay manager and starts its idle cleanup loop
func NewManager(cfg ManagerConfig, backend transcription.Backend,
	sink TranscriptSink, logger *slog.Logger, m *metrics.Metrics) *Manager {

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}

	mgr := &Manager{
		cfg:         cfg,
		backend:     backend,
		sink:        sink,
		logger:      logger,
		metrics:     m,
		relays:      make(map[string]*Relay),
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go mgr.cleanupLoop()

	return mgr
}

// GetOrCreate returns the relay for a session, creating it on first demand
func (m *Manager) GetOrCreate(sessionID string) *Relay {
	m.mu.RLock()
	r, exists := m.relays[sessionID]
	m.mu.RUnlock()

	if exists {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check under the write lock
	if r, exists := m.relays[sessionID]; exists {
		return r
	}

	batcher := batch.NewBatcher(sessionID, m.cfg.Batch, m.backend, m.logger, m.metrics)
	r = NewRelay(sessionID, m.logger, m.metrics, batcher, m.sink)
	m.relays[sessionID] = r

	m.metrics.RecordRelayCreated()
	m.logger.Info("Relay session created",
		slog.String("session_id", sessionID),
		slog.Int("total_sessions", len(m.relays)),
	)

	return r
}

// Get returns the relay for a session, or nil if none exists
func (m *Manager) Get(sessionID string) *Relay {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relays[sessionID]
}

// Remove shuts down a relay and drops it from the manager
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	r, exists := m.relays[sessionID]
	if exists {
		delete(m.relays, sessionID)
	}
	m.mu.Unlock()

	if !exists {
		return
	}

	info := r.Info()
	r.Shutdown(ctx)

	m.metrics.RecordRelayDestroyed(info.Duration.Seconds())
	m.logger.Info("Relay session removed",
		slog.String("session_id", sessionID),
		slog.Duration("duration", info.Duration),
	)
}

// Count returns the number of live relays
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.relays)
}

// All returns a monitoring snapshot of every live relay
func (m *Manager) All() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]Info, 0, len(m.relays))
	for _, r := range m.relays {
		infos = append(infos, r.Info())
	}
	return infos
}

// TranscriptionStats returns the transcription backend's client statistics
func (m *Manager) TranscriptionStats() transcription.Stats {
	return m.backend.Stats()
}

// cleanupLoop reaps relays that have had no connections and no traffic for
// the idle timeout. Relays with open connections are never reaped.
func (m *Manager) cleanupLoop() {
	defer close(m.cleanupDone)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *Manager) reapIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for sessionID, r := range m.relays {
		if r.ConnectionCount() == 0 && r.LastActivity().Before(cutoff) {
			idle = append(idle, sessionID)
		}
	}
	m.mu.RUnlock()

	for _, sessionID := range idle {
		m.logger.Info("Reaping idle relay session",
			slog.String("session_id", sessionID),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		m.Remove(ctx, sessionID)
		cancel()
	}
}

// Stop shuts down every relay and the cleanup loop. Called once at service
// shutdown after the WebSocket listener has stopped accepting connections.
func (m *Manager) Stop(ctx context.Context) {
	close(m.stopCleanup)
	<-m.cleanupDone

	m.mu.Lock()
	relays := make(map[string]*Relay, len(m.relays))
	for sessionID, r := range m.relays {
		relays[sessionID] = r
	}
	m.relays = make(map[string]*Relay)
	m.mu.Unlock()

	for sessionID, r := range relays {
		info := r.Info()
		r.Shutdown(ctx)
		m.metrics.RecordRelayDestroyed(info.Duration.Seconds())
		m.logger.Info("Relay session shut down",
			slog.String("session_id", sessionID),
		)
	}

	m.logger.Info("Relay manager stopped",
		slog.Int("sessions_closed", len(relays)),
	)
}
