package internal

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Identity is a signing identity for one participant. The public key is what
// gets attached to appended entries; the store's append predicates compare
// entry signers against it.
type Identity struct {
	PublicKey  ed25519.PublicKey
	privateKey ed25519.PrivateKey
}

// NewIdentity generates a fresh ed25519 identity.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate identity key: %w", err)
	}
	return &Identity{PublicKey: pub, privateKey: priv}, nil
}

// Sign signs data with the identity's private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.privateKey, data)
}

// Hash returns a short stable string form of the public key, used as a map key
// and in log output.
func (id *Identity) Hash() string {
	return PublicKeyHash(id.PublicKey)
}

// PublicKeyHash returns the hex form of a public key.
func PublicKeyHash(key ed25519.PublicKey) string {
	return hex.EncodeToString(key)
}

// SameKey reports whether two public keys are equal.
func SameKey(a, b ed25519.PublicKey) bool {
	return bytes.Equal(a, b)
}
