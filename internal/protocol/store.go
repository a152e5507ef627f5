package protocol

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// ErrStoreCorrupt means the store's invariants are violated (duplicate
// identity rows, missing key halves). Fatal: the daemon refuses to start.
var ErrStoreCorrupt = errors.New("protocol: store corrupt")

const schema = `
CREATE TABLE IF NOT EXISTS identity (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	registration_id INTEGER NOT NULL,
	signing_public BLOB NOT NULL,
	signing_private BLOB NOT NULL,
	dh_public BLOB NOT NULL,
	dh_private BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_prekeys (
	id INTEGER PRIMARY KEY,
	public BLOB NOT NULL,
	private BLOB NOT NULL,
	signature BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS one_time_prekeys (
	id INTEGER PRIMARY KEY,
	public BLOB NOT NULL,
	private BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	peer TEXT PRIMARY KEY,
	record BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Store persists identity, pre-key, and session records in a SQLite file
// separate from the conversation store. Session mutation is serialized per
// peer; there is no global lock.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu        sync.Mutex
	peerLocks map[string]*sync.Mutex
}

// Open opens (or creates) the protocol store and verifies its invariants.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open protocol store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("protocol schema: %w", err)
	}
	s := &Store{
		db:        db,
		logger:    logger,
		peerLocks: make(map[string]*sync.Mutex),
	}
	if err := s.verify(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) verify() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM identity`).Scan(&count); err != nil {
		return fmt.Errorf("verify identity: %w", err)
	}
	if count > 1 {
		return fmt.Errorf("%w: %d identity rows", ErrStoreCorrupt, count)
	}
	if count == 1 {
		id, err := s.loadIdentity()
		if err != nil {
			return err
		}
		if id.RegistrationID == 0 {
			return fmt.Errorf("%w: zero registration id", ErrStoreCorrupt)
		}
	}
	return nil
}

// Identity returns the device identity, generating and persisting one on
// first use.
func (s *Store) Identity() (*Identity, error) {
	id, err := s.loadIdentity()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	id, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`
		INSERT INTO identity (id, registration_id, signing_public, signing_private, dh_public, dh_private, created_at)
		VALUES (1, ?, ?, ?, ?, ?, ?)`,
		id.RegistrationID, []byte(id.SigningPublic), []byte(id.SigningPrivate),
		id.DHPublic[:], id.DHPrivate[:], time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store identity: %w", err)
	}
	s.logger.Info("generated device identity", zap.Uint32("registration_id", id.RegistrationID))
	return id, nil
}

func (s *Store) loadIdentity() (*Identity, error) {
	var (
		id                          Identity
		signingPub, signingPriv     []byte
		dhPub, dhPriv               []byte
	)
	err := s.db.QueryRow(`
		SELECT registration_id, signing_public, signing_private, dh_public, dh_private
		FROM identity WHERE id = 1`).
		Scan(&id.RegistrationID, &signingPub, &signingPriv, &dhPub, &dhPriv)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("load identity: %w", err)
	}
	if len(signingPub) == 0 || len(signingPriv) == 0 || len(dhPub) != 32 || len(dhPriv) != 32 {
		return nil, fmt.Errorf("%w: truncated identity key material", ErrStoreCorrupt)
	}
	id.SigningPublic = signingPub
	id.SigningPrivate = signingPriv
	copy(id.DHPublic[:], dhPub)
	copy(id.DHPrivate[:], dhPriv)
	return &id, nil
}

// SignedPreKey returns the current signed pre-key, generating one signed by
// the identity key on first use.
func (s *Store) SignedPreKey() (*SignedPreKey, error) {
	var (
		spk            SignedPreKey
		pub, priv, sig []byte
	)
	err := s.db.QueryRow(`
		SELECT id, public, private, signature FROM signed_prekeys ORDER BY id DESC LIMIT 1`).
		Scan(&spk.ID, &pub, &priv, &sig)
	if err == nil {
		if len(pub) != 32 || len(priv) != 32 {
			return nil, fmt.Errorf("%w: truncated signed pre-key", ErrStoreCorrupt)
		}
		copy(spk.Public[:], pub)
		copy(spk.Private[:], priv)
		spk.Signature = sig
		return &spk, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load signed pre-key: %w", err)
	}

	id, err := s.Identity()
	if err != nil {
		return nil, err
	}
	newPub, newPriv, err := generateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	spk = SignedPreKey{ID: 1, Public: newPub, Private: newPriv, Signature: id.Sign(newPub[:])}
	_, err = s.db.Exec(`
		INSERT INTO signed_prekeys (id, public, private, signature, created_at) VALUES (?, ?, ?, ?, ?)`,
		spk.ID, spk.Public[:], spk.Private[:], spk.Signature, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store signed pre-key: %w", err)
	}
	return &spk, nil
}

// GeneratePreKeys creates and persists a batch of one-time pre-keys with
// ascending ids.
func (s *Store) GeneratePreKeys(count int) ([]PreKey, error) {
	var nextID uint32
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM one_time_prekeys`).Scan(&nextID); err != nil {
		return nil, fmt.Errorf("next pre-key id: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin pre-key tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	keys := make([]PreKey, 0, count)
	for i := 0; i < count; i++ {
		pub, priv, err := generateX25519KeyPair()
		if err != nil {
			return nil, err
		}
		pk := PreKey{ID: nextID + uint32(i), Public: pub, Private: priv}
		if _, err := tx.Exec(`
			INSERT INTO one_time_prekeys (id, public, private, created_at) VALUES (?, ?, ?, ?)`,
			pk.ID, pk.Public[:], pk.Private[:], now); err != nil {
			return nil, fmt.Errorf("store pre-key %d: %w", pk.ID, err)
		}
		keys = append(keys, pk)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pre-keys: %w", err)
	}
	return keys, nil
}

// ConsumePreKey removes and returns a one-time pre-key. A pre-key can be
// consumed exactly once; a second consumption returns ErrMissingPreKey.
func (s *Store) ConsumePreKey(id uint32) (*PreKey, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin consume tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var pub, priv []byte
	err = tx.QueryRow(`SELECT public, private FROM one_time_prekeys WHERE id = ?`, id).Scan(&pub, &priv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMissingPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("load pre-key %d: %w", id, err)
	}
	if _, err := tx.Exec(`DELETE FROM one_time_prekeys WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete pre-key %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}

	pk := &PreKey{ID: id}
	copy(pk.Public[:], pub)
	copy(pk.Private[:], priv)
	return pk, nil
}

// PreKeyCount reports the remaining one-time pre-keys.
func (s *Store) PreKeyCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM one_time_prekeys`).Scan(&n)
	return n, err
}

// WithPeerLock runs fn while holding the given peer's session mutex. All
// session load-mutate-store cycles go through here.
func (s *Store) WithPeerLock(peer string, fn func() error) error {
	s.mu.Lock()
	lk, ok := s.peerLocks[peer]
	if !ok {
		lk = &sync.Mutex{}
		s.peerLocks[peer] = lk
	}
	s.mu.Unlock()

	lk.Lock()
	defer lk.Unlock()
	return fn()
}

// StoreSession persists a session record for a peer, replacing any existing
// one atomically.
func (s *Store) StoreSession(peer string, sess *Session) error {
	record, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sessions (peer, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(peer) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		peer, record, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// LoadSession returns the peer's session, or nil when none exists.
func (s *Store) LoadSession(peer string) (*Session, error) {
	var record []byte
	err := s.db.QueryRow(`SELECT record FROM sessions WHERE peer = ?`, peer).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(record, &sess); err != nil {
		return nil, fmt.Errorf("%w: undecodable session record for %s", ErrStoreCorrupt, peer)
	}
	return &sess, nil
}

// ContainsSession reports whether a session record exists for the peer.
func (s *Store) ContainsSession(peer string) (bool, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE peer = ?`, peer).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteSession drops the peer's session record. Used to recover from a
// broken ratchet before re-establishing.
func (s *Store) DeleteSession(peer string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE peer = ?`, peer)
	return err
}
