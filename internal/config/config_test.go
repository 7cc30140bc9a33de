package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
transcription:
  endpoint: "http://localhost:9000/transcribe"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 5*time.Second, cfg.Batch.GetFlushInterval())
	assert.Equal(t, "whisper", cfg.Transcription.Provider)
	assert.Equal(t, 3, cfg.Transcription.MaxRetries)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  read_limit: 2097152
  idle_timeout: 600
audio:
  sample_rate: 48000
  channels: 2
batch:
  flush_interval: 2.5
transcription:
  provider: "deepgram"
  endpoint: "https://api.deepgram.com/v1/listen"
  model: "nova-2"
  timeout: 60
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, int64(2097152), cfg.Server.ReadLimit)
	assert.Equal(t, 10*time.Minute, cfg.Server.GetIdleTimeout())
	assert.Equal(t, 48000, cfg.Audio.SampleRate)
	assert.Equal(t, 2, cfg.Audio.Channels)
	assert.Equal(t, 2500*time.Millisecond, cfg.Batch.GetFlushInterval())
	assert.Equal(t, "deepgram", cfg.Transcription.Provider)
	assert.Equal(t, time.Minute, cfg.Transcription.GetTimeout())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadEnvOverlay(t *testing.T) {
	t.Setenv("TRANSCRIPTION_API_KEY", "secret-from-env")
	t.Setenv("MONGODB_URI", "mongodb://env-host:27017")

	path := writeConfig(t, `
transcription:
  endpoint: "http://localhost:9000/transcribe"
  api_key: "from-file"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "secret-from-env", cfg.Transcription.APIKey,
		"environment must override the file value")
	assert.Equal(t, "mongodb://env-host:27017", cfg.Storage.URI)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"zero handshake timeout", "server:\n  handshake_timeout: 0\n"},
		{"bad channels", "audio:\n  channels: 5\n"},
		{"negative flush interval", "batch:\n  flush_interval: -1\n"},
		{"unknown provider", "transcription:\n  provider: \"nonsense\"\n"},
		{"storage enabled without uri", "storage:\n  enabled: true\n"},
		{"bad log level", "logging:\n  level: \"verbose\"\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
