package sdk

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Keypair is a persistent agent identity: an ed25519 key pair whose public
// key derives the stable @agent id. Public keys travel base64-encoded;
// signatures are detached and base64-encoded.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeypair creates a fresh identity.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sdk: key generation failed: %w", err)
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// KeypairFromSeed builds a deterministic identity from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("sdk: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// LoadKeypair reads an identity saved by Save: the hex seed on one line.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sdk: read key file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("sdk: key file is not a hex seed: %w", err)
	}
	return KeypairFromSeed(seed)
}

// Save writes the hex seed to path with owner-only permissions.
func (k *Keypair) Save(path string) error {
	line := hex.EncodeToString(k.priv.Seed()) + "\n"
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return fmt.Errorf("sdk: write key file: %w", err)
	}
	return nil
}

// PublicKeyBase64 returns the wire form of the public key.
func (k *Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.pub)
}

// AgentID returns the id this key derives to: "@" plus the first 8 bytes of
// SHA-256 over the raw public key as 16 lowercase hex chars. The derivation
// is part of the protocol, so any client computes the same id the server
// assigns.
func (k *Keypair) AgentID() string {
	sum := sha256.Sum256(k.pub)
	return "@" + hex.EncodeToString(sum[:8])
}

// Sign produces the detached base64 signature over payload.
func (k *Keypair) Sign(payload string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, []byte(payload)))
}
