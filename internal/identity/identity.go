// Package identity implements proof-of-key identity for agents: ed25519
// signature verification over canonical payloads, stable agent id derivation
// from public keys, challenge issuance, first-seen tracking for lurk windows,
// and peer-to-peer verification requests.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Public keys travel base64-encoded (raw 32-byte ed25519 keys). Signatures
// are detached and base64-encoded.

var (
	ErrBadPublicKey = errors.New("malformed public key")
	ErrBadSignature = errors.New("malformed signature")
)

// ParsePublicKey decodes a base64 ed25519 public key and checks its size.
func ParsePublicKey(pubkeyB64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(pubkeyB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrBadPublicKey, len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// VerifyDetached checks a base64 detached signature over the UTF-8 bytes of
// payload against a base64 public key. A malformed key or signature is an
// error; a clean mismatch is (false, nil).
func VerifyDetached(pubkeyB64, payload, signatureB64 string) (bool, error) {
	pub, err := ParsePublicKey(pubkeyB64)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: got %d bytes, want %d", ErrBadSignature, len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(pub, []byte(payload), sig), nil
}

// DeriveAgentID maps a public key to its stable agent id: "@" plus the first
// 8 bytes of SHA-256 over the raw key bytes as 16 lowercase hex chars.
func DeriveAgentID(pubkeyB64 string) (string, error) {
	pub, err := ParsePublicKey(pubkeyB64)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pub)
	return "@" + hex.EncodeToString(sum[:8]), nil
}

// NewEphemeralID allocates a random ephemeral agent id: "@" plus 8 lowercase
// hex chars. Ephemeral ids are per-session and never derived from keys.
func NewEphemeralID() string {
	var b [4]byte
	mustRandom(b[:])
	return "@" + hex.EncodeToString(b[:])
}

// NewNonce returns a fresh 32-hex-char random nonce.
func NewNonce() string {
	var b [16]byte
	mustRandom(b[:])
	return hex.EncodeToString(b[:])
}

func mustRandom(b []byte) {
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
}

// Keypair wraps an ed25519 key pair for client-side use: the CLI, the load
// generator, and tests. The server itself never holds private keys.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeypair creates a fresh ed25519 key pair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return &Keypair{priv: priv, pub: pub}, nil
}

// KeypairFromSeed builds a deterministic key pair from a 32-byte seed.
func KeypairFromSeed(seed []byte) (*Keypair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Keypair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// PublicKeyBase64 returns the wire form of the public key.
func (k *Keypair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(k.pub)
}

// AgentID returns the id this key derives to.
func (k *Keypair) AgentID() string {
	sum := sha256.Sum256(k.pub)
	return "@" + hex.EncodeToString(sum[:8])
}

// Sign produces the detached base64 signature over payload.
func (k *Keypair) Sign(payload string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, []byte(payload)))
}
