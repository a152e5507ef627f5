package protocol

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoHandshake = "SOFA-X3DH"
	hkdfInfoMessage   = "SOFA-MSG"
	maxChainSkip      = 64
)

var (
	// ErrInvalidBundle means a peer's pre-key bundle failed signature checks.
	ErrInvalidBundle = errors.New("protocol: invalid pre-key bundle")
	// ErrMissingPreKey means a handshake referenced an already-consumed
	// one-time pre-key.
	ErrMissingPreKey = errors.New("protocol: missing one-time pre-key")
	// ErrDecryptFailed means message authentication failed; the session is
	// out of step and must be re-established.
	ErrDecryptFailed = errors.New("protocol: message authentication failed")
)

// PreKeyBundle is the public key material a peer publishes on the chat
// service, fetched before the first message of a new session.
type PreKeyBundle struct {
	RegistrationID        uint32  `json:"registrationId"`
	IdentityKey           []byte  `json:"identityKey"`
	SigningKey            []byte  `json:"signingKey"`
	SignedPreKeyID        uint32  `json:"signedPreKeyId"`
	SignedPreKey          []byte  `json:"signedPreKey"`
	SignedPreKeySignature []byte  `json:"signedPreKeySignature"`
	PreKeyID              *uint32 `json:"preKeyId,omitempty"`
	PreKey                []byte  `json:"preKey,omitempty"`
}

// Handshake travels with the first messages of an initiator session so the
// responder can derive the same secrets.
type Handshake struct {
	IdentityKey    []byte  `json:"identityKey"`
	SigningKey     []byte  `json:"signingKey"`
	EphemeralKey   []byte  `json:"ephemeralKey"`
	SignedPreKeyID uint32  `json:"signedPreKeyId"`
	PreKeyID       *uint32 `json:"preKeyId,omitempty"`
}

// SealedMessage is the opaque ciphertext blob carried inside a transport
// envelope.
type SealedMessage struct {
	Handshake  *Handshake `json:"handshake,omitempty"`
	N          uint32     `json:"n"`
	Nonce      []byte     `json:"nonce"`
	Ciphertext []byte     `json:"ciphertext"`
}

// Chain is one direction of a session's symmetric key ratchet.
type Chain struct {
	Key   [32]byte `json:"key"`
	Index uint32   `json:"index"`
}

// Session is the per-peer encrypted channel state. Serialized as a JSON
// snapshot into the protocol store's session records.
type Session struct {
	RootKey        [32]byte   `json:"rootKey"`
	SendChain      Chain      `json:"sendChain"`
	RecvChain      Chain      `json:"recvChain"`
	RemoteIdentity [32]byte   `json:"remoteIdentity"`
	Pending        *Handshake `json:"pendingHandshake,omitempty"`
}

// InitiateSession derives a new session from a peer's pre-key bundle
// (initiator side of the X3DH handshake).
func InitiateSession(id *Identity, bundle *PreKeyBundle) (*Session, error) {
	if err := verifyBundle(bundle); err != nil {
		return nil, err
	}
	ephPub, ephPriv, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	spk := fixed32(bundle.SignedPreKey)
	remoteIdentity := fixed32(bundle.IdentityKey)

	dh1, err := curve25519.X25519(id.DHPrivate[:], spk[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(ephPriv[:], remoteIdentity[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(ephPriv[:], spk[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.PreKeyID != nil {
		otk := fixed32(bundle.PreKey)
		dh4, err := curve25519.X25519(ephPriv[:], otk[:])
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}

	root, sendKey, recvKey, err := deriveSessionKeys(secret)
	if err != nil {
		return nil, err
	}
	return &Session{
		RootKey:        root,
		SendChain:      Chain{Key: sendKey},
		RecvChain:      Chain{Key: recvKey},
		RemoteIdentity: remoteIdentity,
		Pending: &Handshake{
			IdentityKey:    id.DHPublic[:],
			SigningKey:     id.SigningPublic,
			EphemeralKey:   ephPub[:],
			SignedPreKeyID: bundle.SignedPreKeyID,
			PreKeyID:       bundle.PreKeyID,
		},
	}, nil
}

// AcceptSession derives the responder-side session from an inbound
// handshake. otk is the consumed one-time pre-key, nil when the initiator
// had none.
func AcceptSession(id *Identity, spk *SignedPreKey, otk *PreKey, hs *Handshake) (*Session, error) {
	if hs == nil || len(hs.IdentityKey) != 32 || len(hs.EphemeralKey) != 32 {
		return nil, fmt.Errorf("%w: bad handshake key material", ErrInvalidBundle)
	}
	remoteIdentity := fixed32(hs.IdentityKey)
	eph := fixed32(hs.EphemeralKey)

	dh1, err := curve25519.X25519(spk.Private[:], remoteIdentity[:])
	if err != nil {
		return nil, err
	}
	dh2, err := curve25519.X25519(id.DHPrivate[:], eph[:])
	if err != nil {
		return nil, err
	}
	dh3, err := curve25519.X25519(spk.Private[:], eph[:])
	if err != nil {
		return nil, err
	}
	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if hs.PreKeyID != nil {
		if otk == nil {
			return nil, ErrMissingPreKey
		}
		dh4, err := curve25519.X25519(otk.Private[:], eph[:])
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}

	root, sendKey, recvKey, err := deriveSessionKeys(secret)
	if err != nil {
		return nil, err
	}
	// Mirror of the initiator: our receive chain is their send chain.
	return &Session{
		RootKey:        root,
		SendChain:      Chain{Key: recvKey},
		RecvChain:      Chain{Key: sendKey},
		RemoteIdentity: remoteIdentity,
	}, nil
}

// Seal encrypts plaintext with the next sending message key, advancing the
// send chain. The pending handshake, if any, rides along until the session
// is confirmed.
func (s *Session) Seal(plaintext []byte) (*SealedMessage, error) {
	n := s.SendChain.Index
	next, mk := kdfChain(s.SendChain.Key)
	s.SendChain.Key = next
	s.SendChain.Index++

	key, nonce, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce[:], plaintext, messageAD(n))
	return &SealedMessage{
		Handshake:  s.Pending,
		N:          n,
		Nonce:      nonce[:],
		Ciphertext: ct,
	}, nil
}

// Open decrypts a sealed message, advancing the receive chain to the
// message's index. The chain may skip forward by up to maxChainSkip; skipped
// message keys are discarded, so anything at or behind the chain head
// (replays included) is rejected. The transport's per-peer FIFO keeps late
// arrivals from happening in practice.
func (s *Session) Open(msg *SealedMessage) ([]byte, error) {
	if msg == nil || len(msg.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrDecryptFailed
	}
	if msg.N < s.RecvChain.Index || msg.N > s.RecvChain.Index+maxChainSkip {
		return nil, fmt.Errorf("%w: chain index %d outside window", ErrDecryptFailed, msg.N)
	}
	chainKey := s.RecvChain.Key
	var mk [32]byte
	for i := s.RecvChain.Index; ; i++ {
		chainKey, mk = kdfChain(chainKey)
		if i == msg.N {
			break
		}
	}

	key, _, err := deriveCipherParams(mk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, msg.Nonce, msg.Ciphertext, messageAD(msg.N))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	s.RecvChain.Key = chainKey
	s.RecvChain.Index = msg.N + 1
	// An authenticated inbound message proves the peer holds the session.
	s.Pending = nil
	return plaintext, nil
}

func verifyBundle(bundle *PreKeyBundle) error {
	if bundle == nil || len(bundle.IdentityKey) != 32 || len(bundle.SignedPreKey) != 32 {
		return fmt.Errorf("%w: bad key material", ErrInvalidBundle)
	}
	if len(bundle.SigningKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad signing key", ErrInvalidBundle)
	}
	if !ed25519.Verify(ed25519.PublicKey(bundle.SigningKey), bundle.SignedPreKey, bundle.SignedPreKeySignature) {
		return fmt.Errorf("%w: signed pre-key signature", ErrInvalidBundle)
	}
	if bundle.PreKeyID != nil && len(bundle.PreKey) != 32 {
		return fmt.Errorf("%w: bad one-time pre-key", ErrInvalidBundle)
	}
	return nil
}

func deriveSessionKeys(secret []byte) (root, send, recv [32]byte, err error) {
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfoHandshake))
	for _, out := range [][]byte{root[:], send[:], recv[:]} {
		if _, err = io.ReadFull(kdf, out); err != nil {
			return root, send, recv, fmt.Errorf("derive session keys: %w", err)
		}
	}
	return root, send, recv, nil
}

// kdfChain advances a chain key one step and yields the message key for the
// current index.
func kdfChain(ck [32]byte) (next, mk [32]byte) {
	mac := hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x01})
	copy(mk[:], mac.Sum(nil))
	mac.Reset()
	mac.Write([]byte{0x02})
	copy(next[:], mac.Sum(nil))
	return next, mk
}

func deriveCipherParams(mk [32]byte) (key [32]byte, nonce [chacha20poly1305.NonceSize]byte, err error) {
	kdf := hkdf.New(sha256.New, mk[:], nil, []byte(hkdfInfoMessage))
	if _, err = io.ReadFull(kdf, key[:]); err != nil {
		return key, nonce, err
	}
	if _, err = io.ReadFull(kdf, nonce[:]); err != nil {
		return key, nonce, err
	}
	return key, nonce, nil
}

func messageAD(n uint32) []byte {
	var ad [4]byte
	binary.BigEndian.PutUint32(ad[:], n)
	return ad[:]
}

func fixed32(b []byte) (out [32]byte) {
	copy(out[:], b)
	return out
}
