// Package config loads and validates service configuration from a YAML
// file, with environment variable overlays for secrets.
package config
