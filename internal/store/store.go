package store

import "context"

// TranscriptStore persists transcript text keyed by session. Write
// failures are surfaced to the caller but never stop the relay: the bot
// still receives every transcript whether or not it was stored.
type TranscriptStore interface {
	AppendTranscription(ctx context.Context, sessionID, text string) error
	Close(ctx context.Context) error
}

// NoopStore discards every write. Used when no storage backend is
// configured.
type NoopStore struct{}

// NewNoopStore creates a store that discards writes
func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

// AppendTranscription discards the transcript
func (s *NoopStore) AppendTranscription(ctx context.Context, sessionID, text string) error {
	return nil
}

// Close is a no-op
func (s *NoopStore) Close(ctx context.Context) error {
	return nil
}
