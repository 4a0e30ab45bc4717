// Package config loads and validates the coven-deck YAML configuration,
// with ${ENV_VAR} expansion and duration string parsing.
package config
