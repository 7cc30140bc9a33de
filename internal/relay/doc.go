// Package relay implements the connection multiplexer at the heart of the
// service: it classifies each new connection as the single privileged bot
// or one of many meeting connections, forwards payloads between the two
// sides, tracks active-speaker state, and drives the audio batching
// lifecycle from the meeting-connection population.
package relay
