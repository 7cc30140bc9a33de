package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/meeting-relay-service/internal/batch"
	"github.com/voicebridge/meeting-relay-service/internal/metrics"
)

// Conn is the minimal connection surface the relay needs. The server
// package wraps *websocket.Conn behind it with a write mutex; tests use
// in-memory fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	RemoteAddr() string
}

// Batcher is the audio batching pipeline the relay drives. Implemented by
// *batch.Batcher.
type Batcher interface {
	Start(ctx context.Context)
	Append(data []byte)
	End(ctx context.Context)
	Active() bool
	Events() <-chan batch.TranscriptEvent
}

// TranscriptSink is the persistence collaborator. Failures are logged and
// never fatal to the relay.
type TranscriptSink interface {
	AppendTranscription(ctx context.Context, sessionID, text string) error
}

// Relay multiplexes one privileged bot connection and a set of meeting
// connections for a single session. It owns the connection sets and the
// speaker state; the batcher owns the audio segment and session flag.
type Relay struct {
	sessionID string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	batcher   Batcher
	sink      TranscriptSink

	mu           sync.RWMutex
	bot          Conn
	meetings     map[Conn]struct{}
	speaker      string
	createdAt    time.Time
	lastActivity time.Time

	// Serializes batcher lifecycle transitions. End blocks on a final
	// flush, so transitions must not race each other.
	sessionMu sync.Mutex

	// Counters for monitoring
	transcriptsForwarded uint64
	audioBytesRelayed    uint64

	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// transcriptMessage is the wire shape of a transcript forwarded to the bot
type transcriptMessage struct {
	Type string         `json:"type"`
	Data transcriptData `json:"data"`
}

type transcriptData struct {
	Text      string `json:"text"`
	IsFinal   bool   `json:"isFinal"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// speakerEvent is the first element of a speaker-activity payload
type speakerEvent struct {
	Name       string
	IsSpeaking bool
}

// NewRelay creates a relay for one session and starts its transcript pump
func NewRelay(sessionID string, logger *slog.Logger, m *metrics.Metrics,
	batcher Batcher, sink TranscriptSink) *Relay {

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	r := &Relay{
		sessionID:    sessionID,
		logger:       logger,
		metrics:      m,
		batcher:      batcher,
		sink:         sink,
		meetings:     make(map[Conn]struct{}),
		createdAt:    now,
		lastActivity: now,
		ctx:          ctx,
		cancel:       cancel,
		pumpDone:     make(chan struct{}),
	}

	go r.transcriptPump()

	return r
}

// SessionID returns the session identifier this relay serves
func (r *Relay) SessionID() string {
	return r.sessionID
}

// RegisterBot installs conn as the sole bot connection. A second bot
// registration replaces the first: last-writer-wins, made explicit with a
// warning log, and the superseded connection is closed so only one writer
// ever speaks for the bot.
func (r *Relay) RegisterBot(conn Conn) {
	r.mu.Lock()
	previous := r.bot
	r.bot = conn
	r.lastActivity = time.Now()
	r.mu.Unlock()

	if previous != nil {
		r.metrics.RecordBotReplacement()
		r.logger.Warn("Replacing existing bot connection",
			slog.String("session_id", r.sessionID),
			slog.String("previous_addr", previous.RemoteAddr()),
			slog.String("new_addr", conn.RemoteAddr()),
		)
		if err := previous.Close(); err != nil {
			r.logger.Debug("Error closing superseded bot connection",
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("Bot connection registered",
		slog.String("session_id", r.sessionID),
		slog.String("remote_addr", conn.RemoteAddr()),
	)
}

// UnregisterBot clears the bot reference if conn still holds it. Forwards
// to the bot become no-ops until a new bot registers.
func (r *Relay) UnregisterBot(conn Conn) {
	r.mu.Lock()
	if r.bot == conn {
		r.bot = nil
	}
	r.lastActivity = time.Now()
	r.mu.Unlock()

	r.logger.Info("Bot connection closed",
		slog.String("session_id", r.sessionID),
		slog.String("remote_addr", conn.RemoteAddr()),
	)
}

// RegisterMeeting adds conn to the meeting set. The first meeting
// connection while the transcription session is inactive requests a
// session start; the request is fire-and-forget and the connection's
// traffic is accepted immediately.
func (r *Relay) RegisterMeeting(conn Conn) {
	r.mu.Lock()
	r.meetings[conn] = struct{}{}
	count := len(r.meetings)
	r.lastActivity = time.Now()
	r.mu.Unlock()

	go r.reconcileSession()

	r.logger.Info("Meeting connection registered",
		slog.String("session_id", r.sessionID),
		slog.String("remote_addr", conn.RemoteAddr()),
		slog.Int("meeting_connections", count),
	)
}

// UnregisterMeeting removes conn from the meeting set. When the last
// meeting connection leaves an active session, the batcher is asked to
// end it, which performs one final flush of any pending audio.
func (r *Relay) UnregisterMeeting(conn Conn) {
	r.mu.Lock()
	delete(r.meetings, conn)
	count := len(r.meetings)
	r.lastActivity = time.Now()
	r.mu.Unlock()

	go r.reconcileSession()

	r.logger.Info("Meeting connection closed",
		slog.String("session_id", r.sessionID),
		slog.String("remote_addr", conn.RemoteAddr()),
		slog.Int("meeting_connections", count),
	)
}

// reconcileSession drives the batcher toward the invariant: the
// transcription session is active iff the meeting set is non-empty.
// Start and End block (End awaits a final flush), so the set can change
// while a transition runs; the loop re-checks after each one until the
// state matches. Transitions are serialized, so a register landing while
// the previous session's End is still draining restarts the session once
// the End completes instead of being lost.
func (r *Relay) reconcileSession() {
	r.sessionMu.Lock()
	defer r.sessionMu.Unlock()

	for {
		r.mu.RLock()
		want := len(r.meetings) > 0
		r.mu.RUnlock()

		if want == r.batcher.Active() {
			return
		}
		if want {
			r.batcher.Start(r.ctx)
		} else {
			r.batcher.End(r.ctx)
		}
	}
}

// HandleBotMessage forwards a bot payload verbatim to every open meeting
// connection. A closed or broken meeting connection is skipped, not an
// error; zero meeting connections makes the forward a no-op.
func (r *Relay) HandleBotMessage(messageType int, data []byte) {
	r.mu.Lock()
	r.lastActivity = time.Now()
	targets := make([]Conn, 0, len(r.meetings))
	for conn := range r.meetings {
		targets = append(targets, conn)
	}
	r.mu.Unlock()

	for _, conn := range targets {
		if err := conn.WriteMessage(messageType, data); err != nil {
			r.metrics.RecordForwardError()
			r.logger.Debug("Skipping broken meeting connection on forward",
				slog.String("session_id", r.sessionID),
				slog.String("remote_addr", conn.RemoteAddr()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.metrics.RecordMessageForwarded("bot_to_meeting")
	}
}

// HandleMeetingMessage routes one payload from a meeting connection.
// Binary JSON matching the speaker-activity shape updates speaker state;
// binary non-JSON is raw audio for the batcher; everything else is
// control/text passthrough. In every branch the raw payload is also
// forwarded verbatim to the bot, which gets its own live copy of the
// stream alongside the batcher's.
func (r *Relay) HandleMeetingMessage(conn Conn, messageType int, data []byte) {
	r.touch()

	switch {
	case messageType == websocket.BinaryMessage && json.Valid(data):
		if ev, ok := parseSpeakerEvent(data); ok {
			r.observeSpeaker(ev)
		} else {
			r.logger.Debug("Control payload from meeting connection",
				slog.String("session_id", r.sessionID),
				slog.Int("payload_bytes", len(data)),
			)
		}

	case messageType == websocket.BinaryMessage:
		// Opaque PCM. The batcher drops it when no session is active.
		r.batcher.Append(data)
		r.mu.Lock()
		r.audioBytesRelayed += uint64(len(data))
		r.mu.Unlock()

	default:
		r.logger.Debug("Text payload from meeting connection",
			slog.String("session_id", r.sessionID),
			slog.Int("payload_bytes", len(data)),
		)
	}

	r.forwardToBot(messageType, data)
}

// parseSpeakerEvent extracts the first element of a speaker-activity
// payload: a JSON array whose first element carries a string name and an
// isSpeaking boolean. Any other shape is not a speaker event.
func parseSpeakerEvent(data []byte) (speakerEvent, bool) {
	var elements []map[string]json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil || len(elements) == 0 {
		return speakerEvent{}, false
	}

	first := elements[0]

	rawName, hasName := first["name"]
	rawSpeaking, hasSpeaking := first["isSpeaking"]
	if !hasName || !hasSpeaking {
		return speakerEvent{}, false
	}

	var ev speakerEvent
	if err := json.Unmarshal(rawName, &ev.Name); err != nil {
		return speakerEvent{}, false
	}
	if err := json.Unmarshal(rawSpeaking, &ev.IsSpeaking); err != nil {
		return speakerEvent{}, false
	}

	return ev, true
}

// observeSpeaker updates speaker state on a rising edge only: the event
// must say speaking, and the name must differ from the current speaker.
// Repeats of the same speaker produce no update and no log line.
func (r *Relay) observeSpeaker(ev speakerEvent) {
	if !ev.IsSpeaking {
		return
	}

	r.mu.Lock()
	if ev.Name == r.speaker {
		r.mu.Unlock()
		return
	}
	r.speaker = ev.Name
	r.mu.Unlock()

	r.metrics.RecordSpeakerChange()
	r.logger.Info("Active speaker changed",
		slog.String("session_id", r.sessionID),
		slog.String("speaker", ev.Name),
	)
}

// Speaker returns the last observed speaking participant name
func (r *Relay) Speaker() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.speaker
}

// forwardToBot sends a payload to the bot connection if one is registered.
// No bot, or a broken bot transport, is not an error.
func (r *Relay) forwardToBot(messageType int, data []byte) {
	r.mu.RLock()
	bot := r.bot
	r.mu.RUnlock()

	if bot == nil {
		return
	}

	if err := bot.WriteMessage(messageType, data); err != nil {
		r.metrics.RecordForwardError()
		r.logger.Debug("Failed to forward to bot connection",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.metrics.RecordMessageForwarded("meeting_to_bot")
}

// transcriptPump is the single consumer of the batcher's transcript
// events. Each event is forwarded to the bot and written to persistence.
// On shutdown it drains whatever the final flush produced before exiting.
func (r *Relay) transcriptPump() {
	defer close(r.pumpDone)

	for {
		select {
		case ev := <-r.batcher.Events():
			r.deliverTranscript(ev)
		case <-r.ctx.Done():
			for {
				select {
				case ev := <-r.batcher.Events():
					r.deliverTranscript(ev)
				default:
					return
				}
			}
		}
	}
}

// deliverTranscript forwards one transcript event to the bot and the sink
func (r *Relay) deliverTranscript(ev batch.TranscriptEvent) {
	payload, err := json.Marshal(transcriptMessage{
		Type: "transcription",
		Data: transcriptData{
			Text:      ev.Text,
			IsFinal:   ev.IsFinal,
			StartTime: ev.StartTime.UnixMilli(),
			EndTime:   ev.EndTime.UnixMilli(),
		},
	})
	if err != nil {
		r.logger.Error("Failed to encode transcript event",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.forwardToBot(websocket.TextMessage, payload)

	r.mu.Lock()
	r.transcriptsForwarded++
	r.mu.Unlock()

	if r.sink == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.sink.AppendTranscription(ctx, r.sessionID, ev.Text); err != nil {
		r.metrics.RecordPersistenceFailure()
		r.logger.Warn("Failed to persist transcript",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.metrics.RecordTranscriptPersisted()
}

// touch refreshes the relay's activity timestamp
func (r *Relay) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// ConnectionCount returns the number of connections held by this relay
func (r *Relay) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := len(r.meetings)
	if r.bot != nil {
		count++
	}
	return count
}

// LastActivity returns the time of the most recent relay activity
func (r *Relay) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Shutdown tears the relay down in order: the batching session ends with
// one final awaited flush, the transcript tail is drained to the bot,
// every meeting connection closes, and the bot connection closes last.
func (r *Relay) Shutdown(ctx context.Context) {
	// Empty the meeting set first so a concurrent lifecycle
	// reconciliation cannot restart the session mid-teardown.
	r.mu.Lock()
	meetings := make([]Conn, 0, len(r.meetings))
	for conn := range r.meetings {
		meetings = append(meetings, conn)
	}
	r.meetings = make(map[Conn]struct{})
	r.mu.Unlock()

	r.sessionMu.Lock()
	r.batcher.End(ctx)
	r.sessionMu.Unlock()

	// Stop the pump after the final flush so the tail still reaches the
	// bot before connections close.
	r.cancel()
	<-r.pumpDone

	r.mu.Lock()
	bot := r.bot
	r.bot = nil
	r.mu.Unlock()

	for _, conn := range meetings {
		if err := conn.Close(); err != nil {
			r.logger.Debug("Error closing meeting connection",
				slog.String("error", err.Error()),
			)
		}
	}

	if bot != nil {
		if err := bot.Close(); err != nil {
			r.logger.Debug("Error closing bot connection",
				slog.String("error", err.Error()),
			)
		}
	}

	r.logger.Info("Relay shut down",
		slog.String("session_id", r.sessionID),
		slog.Duration("lifetime", time.Since(r.createdAt)),
	)
}

// Info returns a monitoring snapshot of this relay
func (r *Relay) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Info{
		SessionID:            r.sessionID,
		CreatedAt:            r.createdAt,
		LastActivity:         r.lastActivity,
		Duration:             time.Since(r.createdAt),
		BotConnected:         r.bot != nil,
		MeetingConnections:   len(r.meetings),
		SessionActive:        r.batcher.Active(),
		Speaker:              r.speaker,
		TranscriptsForwarded: r.transcriptsForwarded,
		AudioBytesRelayed:    r.audioBytesRelayed,
	}
}

// Info represents relay session information for monitoring and APIs
type Info struct {
	SessionID            string        `json:"session_id"`
	CreatedAt            time.Time     `json:"created_at"`
	LastActivity         time.Time     `json:"last_activity"`
	Duration             time.Duration `json:"duration"`
	BotConnected         bool          `json:"bot_connected"`
	MeetingConnections   int           `json:"meeting_connections"`
	SessionActive        bool          `json:"session_active"`
	Speaker              string        `json:"speaker,omitempty"`
	TranscriptsForwarded uint64        `json:"transcripts_forwarded"`
	AudioBytesRelayed    uint64        `json:"audio_bytes_relayed"`
}
