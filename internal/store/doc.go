// Package store persists transcript text per session. The MongoDB-backed
// implementation is optional; when no storage is configured the service
// runs with a no-op store and transcripts are forward-only.
package store
