// ABOUTME: Signed handshake envelope construction for gateway connect requests
// ABOUTME: Signs a fixed-order pipe-delimited field string, with or without a server nonce

package identity

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Protocol versions for the signed handshake. V2 adds the server-supplied
// nonce to the signed payload; the server chooses which challenge to issue,
// so both must remain supported. The version changes the field count of the
// signed string, not just a value, which is why it is threaded explicitly.
const (
	ProtocolV1 = 1
	ProtocolV2 = 2
)

// Fixed client role strings included in every signed handshake.
const (
	Role       = "dashboard"
	ClientKind = "coven-deck"
)

// SignedEnvelope proves device identity on a connect request.
type SignedEnvelope struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signed_at"` // milliseconds
	Nonce     string `json:"nonce,omitempty"`
}

// BuildEnvelope signs the canonical handshake string for the given protocol
// version and returns the envelope to embed in the connect request. The
// signed string is a fixed-order pipe-delimited concatenation:
//
//	v<version>|<device id>|<role>|<client>|<scopes,comma-joined>|<millis>|<token>[|<nonce>]
//
// The nonce field is present only for ProtocolV2.
func (id *Identity) BuildEnvelope(version int, scopes []string, token, nonce string) (*SignedEnvelope, error) {
	if version != ProtocolV1 && version != ProtocolV2 {
		return nil, fmt.Errorf("unsupported handshake protocol version %d", version)
	}
	if version == ProtocolV2 && nonce == "" {
		return nil, fmt.Errorf("protocol v2 handshake requires a nonce")
	}

	signedAt := time.Now().UnixMilli()

	fields := []string{
		fmt.Sprintf("v%d", version),
		id.ID,
		Role,
		ClientKind,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAt),
		token,
	}
	if version == ProtocolV2 {
		fields = append(fields, nonce)
	}
	message := strings.Join(fields, "|")

	sig, err := id.signer.Sign(nil, []byte(message))
	if err != nil {
		return nil, fmt.Errorf("signing handshake: %w", err)
	}

	env := &SignedEnvelope{
		ID:        id.ID,
		PublicKey: id.EncodedPublicKey(),
		Signature: base64.StdEncoding.EncodeToString(ssh.Marshal(sig)),
		SignedAt:  signedAt,
	}
	if version == ProtocolV2 {
		env.Nonce = nonce
	}
	return env, nil
}
