// Package audio handles audio accumulation and container encoding.
// It implements the append-only PCM segment used by the batching pipeline
// and the canonical 44-byte WAV header the transcription providers require.
package audio
