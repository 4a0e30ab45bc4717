// Package wire defines the JSON frame protocol spoken over the single
// gateway socket: client requests, correlated responses, and uncorrelated
// server pushes, plus the typed payloads for each pushed event category.
package wire
