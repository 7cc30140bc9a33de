// Package batch implements the audio batching pipeline. It accumulates raw
// PCM from meeting connections, flushes it on a fixed cadence as a WAV
// container to a transcription backend, and owns the transcription session
// lifecycle independent of how many connections come and go.
package batch
