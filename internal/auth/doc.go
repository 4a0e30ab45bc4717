// Package auth provides the bearer token sources the connection engine
// presents to the gateway: either a static shared token or short-lived
// HS256 JWTs minted from a shared secret.
package auth
