// Package protocol persists the long-lived key material and per-peer session
// state backing the encrypted chat transport: identity key pair, registration
// id, signed pre-key, one-time pre-keys, and session records.
package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Identity is the device's long-term key pair: an Ed25519 signing pair and
// the X25519 material derived from it for Diffie-Hellman operations.
type Identity struct {
	RegistrationID uint32
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
	DHPublic       [32]byte
	DHPrivate      [32]byte
}

// SignedPreKey is a medium-term X25519 pair whose public half is signed by
// the identity signing key.
type SignedPreKey struct {
	ID        uint32
	Public    [32]byte
	Private   [32]byte
	Signature []byte
}

// PreKey is a one-time X25519 pair consumed by a single inbound handshake.
type PreKey struct {
	ID      uint32
	Public  [32]byte
	Private [32]byte
}

// GenerateIdentity creates a fresh identity with a random 14-bit
// registration id.
func GenerateIdentity() (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read identity seed: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	dhPriv := ed25519PrivToCurve25519(priv)
	dhPubSlice, err := curve25519.X25519(dhPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive dh public: %w", err)
	}
	var dhPub [32]byte
	copy(dhPub[:], dhPubSlice)

	regID, err := generateRegistrationID()
	if err != nil {
		return nil, err
	}

	return &Identity{
		RegistrationID: regID,
		SigningPublic:  append(ed25519.PublicKey(nil), pub...),
		SigningPrivate: append(ed25519.PrivateKey(nil), priv...),
		DHPublic:       dhPub,
		DHPrivate:      dhPriv,
	}, nil
}

// Sign signs data with the identity signing key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.SigningPrivate, data)
}

// generateRegistrationID returns a random value in [1, 16380], matching the
// 14-bit registration id range the chat service expects.
func generateRegistrationID() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("read registration id: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:])%16380 + 1, nil
}

func ed25519PrivToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var out [32]byte
	copy(out[:], h[:32])
	return out
}

func generateX25519KeyPair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, fmt.Errorf("read x25519 private: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}
