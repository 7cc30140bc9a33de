// Package transcription defines the backend contract consumed by the audio
// batcher and implements the provider HTTP clients (OpenAI-compatible
// Whisper and Deepgram prerecorded).
package transcription
