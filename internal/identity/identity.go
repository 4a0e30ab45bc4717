// ABOUTME: Device identity keypair generation, persistence and loading
// ABOUTME: Derives a stable device ID from the SHA256 of the public key bytes

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Identity is the device's long-lived asymmetric keypair and the identifier
// derived from it. The ID is content-derived: the same keypair always yields
// the same ID across restarts.
type Identity struct {
	ID         string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey

	signer ssh.Signer
}

// identityFile is the on-disk representation of a persisted keypair.
type identityFile struct {
	PrivateKey string `json:"private_key"` // base64 ed25519 seed
}

// LoadOrCreate reads the device keypair from path, generating and persisting
// a fresh one if the file is absent or unreadable. A corrupt file triggers
// regeneration rather than an error: the gateway re-registers a new device
// cheaply, while a crash loop on startup is not recoverable at all.
func LoadOrCreate(path string, logger *slog.Logger) (*Identity, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "identity")

	if id, err := load(path); err == nil {
		logger.Debug("device identity loaded", "device_id", id.ID)
		return id, nil
	} else if !os.IsNotExist(err) {
		logger.Warn("identity file unreadable, regenerating", "path", path, "error", err)
	}

	id, err := generate()
	if err != nil {
		return nil, err
	}
	if err := persist(path, id); err != nil {
		return nil, err
	}
	logger.Info("device identity created", "device_id", id.ID, "path", path)
	return id, nil
}

func load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}

	seed, err := base64.StdEncoding.DecodeString(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decoding private key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("private key has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return fromPrivateKey(priv)
}

func generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv ed25519.PrivateKey) (*Identity, error) {
	pub := priv.Public().(ed25519.PublicKey)

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Identity{
		ID:         Fingerprint(sshPub),
		PublicKey:  pub,
		PrivateKey: priv,
		signer:     signer,
	}, nil
}

func persist(path string, id *Identity) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	data, err := json.Marshal(identityFile{
		PrivateKey: base64.StdEncoding.EncodeToString(id.PrivateKey.Seed()),
	})
	if err != nil {
		return fmt.Errorf("encoding identity file: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// EncodedPublicKey returns the base64 SSH wire encoding of the public key,
// the form the gateway expects in the signed envelope.
func (id *Identity) EncodedPublicKey() string {
	sshPub, err := ssh.NewPublicKey(id.PublicKey)
	if err != nil {
		// ed25519 keys always encode; reaching here means the key is corrupt.
		return ""
	}
	return base64.StdEncoding.EncodeToString(sshPub.Marshal())
}

// Fingerprint computes the SHA256 fingerprint of a public key as lowercase
// hex without colons. This is the device ID.
func Fingerprint(pub ssh.PublicKey) string {
	hash := sha256.Sum256(pub.Marshal())
	return hex.EncodeToString(hash[:])
}
