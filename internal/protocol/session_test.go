package protocol

import (
	"bytes"
	"errors"
	"testing"
)

// twoDevices wires an initiator and responder through a full handshake.
func twoDevices(t *testing.T) (alice *Session, bob *Session) {
	t.Helper()

	aliceID, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}

	spkPub, spkPriv, err := generateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk := &SignedPreKey{ID: 1, Public: spkPub, Private: spkPriv, Signature: bobID.Sign(spkPub[:])}

	otkPub, otkPriv, err := generateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	otk := &PreKey{ID: 42, Public: otkPub, Private: otkPriv}
	otkID := otk.ID

	bundle := &PreKeyBundle{
		RegistrationID:        bobID.RegistrationID,
		IdentityKey:           bobID.DHPublic[:],
		SigningKey:            bobID.SigningPublic,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Public[:],
		SignedPreKeySignature: spk.Signature,
		PreKeyID:              &otkID,
		PreKey:                otk.Public[:],
	}

	alice, err = InitiateSession(aliceID, bundle)
	if err != nil {
		t.Fatal(err)
	}
	if alice.Pending == nil {
		t.Fatal("initiator session has no pending handshake")
	}

	bob, err = AcceptSession(bobID, spk, otk, alice.Pending)
	if err != nil {
		t.Fatal(err)
	}
	return alice, bob
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, bob := twoDevices(t)

	plaintext := []byte(`SOFA::Message:{"body":"hi"}`)
	sealed, err := alice.Seal(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if sealed.Handshake == nil {
		t.Error("first message carries no handshake")
	}

	got, err := bob.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestBothDirections(t *testing.T) {
	alice, bob := twoDevices(t)

	for i := 0; i < 3; i++ {
		msg := []byte{byte('a' + i)}
		sealed, err := alice.Seal(msg)
		if err != nil {
			t.Fatal(err)
		}
		got, err := bob.Open(sealed)
		if err != nil {
			t.Fatalf("bob.Open #%d: %v", i, err)
		}
		if !bytes.Equal(got, msg) {
			t.Errorf("message %d mismatch", i)
		}
	}

	reply := []byte("reply")
	sealed, err := bob.Seal(reply)
	if err != nil {
		t.Fatal(err)
	}
	got, err := alice.Open(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, reply) {
		t.Error("reply mismatch")
	}
	// An authenticated inbound message clears the pending handshake.
	if alice.Pending != nil {
		t.Error("pending handshake survives confirmed session")
	}
}

func TestOutOfOrderWithinWindow(t *testing.T) {
	alice, bob := twoDevices(t)

	first, err := alice.Seal([]byte("one"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := alice.Seal([]byte("two"))
	if err != nil {
		t.Fatal(err)
	}

	// Deliver the second message first: the receive chain skips forward.
	if _, err := bob.Open(second); err != nil {
		t.Fatal(err)
	}
	// The skipped message is now behind the chain and rejected.
	if _, err := bob.Open(first); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("replayed index error = %v, want ErrDecryptFailed", err)
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	alice, bob := twoDevices(t)

	sealed, err := alice.Seal([]byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	sealed.Ciphertext[0] ^= 0xFF

	if _, err := bob.Open(sealed); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("tampered open error = %v, want ErrDecryptFailed", err)
	}
}

func TestInitiateRejectsBadSignature(t *testing.T) {
	aliceID, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spkPub, _, err := generateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	bundle := &PreKeyBundle{
		IdentityKey:           bobID.DHPublic[:],
		SigningKey:            bobID.SigningPublic,
		SignedPreKeyID:        1,
		SignedPreKey:          spkPub[:],
		SignedPreKeySignature: []byte("not a signature"),
	}
	if _, err := InitiateSession(aliceID, bundle); !errors.Is(err, ErrInvalidBundle) {
		t.Errorf("error = %v, want ErrInvalidBundle", err)
	}
}

func TestAcceptRequiresConsumedPreKey(t *testing.T) {
	alice, _ := twoDevices(t)

	bobID, err := GenerateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	spkPub, spkPriv, err := generateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk := &SignedPreKey{ID: 1, Public: spkPub, Private: spkPriv}

	// Handshake references a one-time pre-key but none is supplied.
	if _, err := AcceptSession(bobID, spk, nil, alice.Pending); !errors.Is(err, ErrMissingPreKey) {
		t.Errorf("error = %v, want ErrMissingPreKey", err)
	}
}
