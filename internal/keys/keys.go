// Package keys manages the voter identity key and the ephemeral keys used to
// authenticate provisioning sessions.
//
// Public keys are ed25519 keys encoded as base58 text. Private keys never
// leave the wallet except to sign a session certificate.
package keys

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ed25519"
)

var (
	// ErrKeyNotFound is returned when the wallet holds no private key for a public key.
	ErrKeyNotFound = errors.New("private key not found in wallet")
	// ErrBadPublicKey is returned for text that does not decode to an ed25519 public key.
	ErrBadPublicKey = errors.New("not a valid public key")
)

// Wallet stores private key seeds by their encoded public key.
type Wallet interface {
	Put(publicKey string, seed []byte) error
	Get(publicKey string) ([]byte, error)
	Close() error
}

// Manager creates keypairs and answers key queries for the provisioning engine
// and the secure transport.
type Manager struct {
	wallet Wallet
	rand   io.Reader
}

// NewManager returns a Manager backed by wallet.
func NewManager(wallet Wallet) *Manager {
	return &Manager{wallet: wallet, rand: rand.Reader}
}

// CreateKeypair generates a new keypair, stores its private half and returns
// the encoded public key.
func (m *Manager) CreateKeypair() (string, error) {
	pub, priv, err := ed25519.GenerateKey(m.rand)
	if err != nil {
		return "", fmt.Errorf("failed to generate keypair: %w", err)
	}
	encoded := EncodePublicKey(pub)
	if err := m.wallet.Put(encoded, priv.Seed()); err != nil {
		return "", fmt.Errorf("failed to store private key: %w", err)
	}
	slog.Debug("Manager CreateKeypair succeeded", "public_key", encoded)
	return encoded, nil
}

// IsPublicKey reports whether s is a well-formed encoded public key.
func (m *Manager) IsPublicKey(s string) bool {
	return IsPublicKey(s)
}

// HasPrivateKey reports whether the wallet can sign for publicKey.
func (m *Manager) HasPrivateKey(publicKey string) bool {
	_, err := m.wallet.Get(publicKey)
	return err == nil
}

// PrivateKey returns the private key for publicKey.
func (m *Manager) PrivateKey(publicKey string) (ed25519.PrivateKey, error) {
	if !IsPublicKey(publicKey) {
		return nil, ErrBadPublicKey
	}
	seed, err := m.wallet.Get(publicKey)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("wallet entry for %s has %d bytes: %w", publicKey, len(seed), ErrKeyNotFound)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// EncodePublicKey renders pub as base58 text.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return base58.Encode(pub)
}

// DecodePublicKey parses base58 text into an ed25519 public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	if s == "" {
		return nil, ErrBadPublicKey
	}
	raw, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: decoded to %d bytes", ErrBadPublicKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// IsPublicKey reports whether s decodes to a 32-byte public key.
func IsPublicKey(s string) bool {
	_, err := DecodePublicKey(s)
	return err == nil
}
