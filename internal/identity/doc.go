// Package identity manages the device's long-lived ed25519 keypair and
// builds the signed envelopes that prove device identity to the gateway
// during the connect handshake.
package identity
