// Package server provides the WebSocket ingress that feeds the relay and
// an HTTP monitoring API exposing health, session state, configuration,
// and Prometheus metrics.
package server
