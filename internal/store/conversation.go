package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huanleyuan/toshi-core/internal/bus"
)

// Conversations is the conversation store: an append-only per-peer message
// log with hot change streams on the bus. Kinds are scoped per peer
// ("conversation.new.<peer>", "conversation.updated.<peer>") so subscribers
// see events for one conversation in insertion order.
type Conversations struct {
	db  *DB
	bus *bus.Bus
}

// NewConversations creates the conversation store facade.
func NewConversations(db *DB, b *bus.Bus) *Conversations {
	return &Conversations{db: db, bus: b}
}

// UpsertPeer inserts or refreshes a peer record. Empty fields never
// overwrite known values.
func (c *Conversations) UpsertPeer(p *Peer) error {
	now := time.Now().UnixMilli()
	_, err := c.db.Exec(`
		INSERT INTO peers (owner_address, payment_address, name, avatar, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_address) DO UPDATE SET
			payment_address = CASE WHEN excluded.payment_address != '' THEN excluded.payment_address ELSE peers.payment_address END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE peers.name END,
			avatar = COALESCE(excluded.avatar, peers.avatar),
			updated_at = excluded.updated_at`,
		p.OwnerAddress, p.PaymentAddress, p.Name, p.Avatar, now)
	return err
}

// GetPeer returns a peer record, or nil when unknown.
func (c *Conversations) GetPeer(ownerAddress string) (*Peer, error) {
	var p Peer
	err := c.db.QueryRow(`
		SELECT owner_address, payment_address, name, avatar FROM peers WHERE owner_address = ?`,
		ownerAddress).Scan(&p.OwnerAddress, &p.PaymentAddress, &p.Name, &p.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Append inserts a message at the tail of the peer's conversation, assigning
// the next monotonic sequence number under the insert transaction. Duplicate
// inbound envelopes (same transport id within the conversation) are silently
// dropped. Returns the stored message, or nil on dedup.
func (c *Conversations) Append(peer string, msg *ChatMessage) (*ChatMessage, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("append: message without id")
	}
	msg.ConversationKey = peer

	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO peers (owner_address, updated_at) VALUES (?, ?)
		ON CONFLICT(owner_address) DO UPDATE SET updated_at = excluded.updated_at`,
		peer, now); err != nil {
		return nil, fmt.Errorf("upsert peer: %w", err)
	}

	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_key = ?`,
		peer).Scan(&msg.Seq); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	res, err := tx.Exec(`
		INSERT OR IGNORE INTO messages
			(id, conversation_key, transport_id, sent_by_local, visible, timestamp, seq, payload, send_state, attached_tx_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, peer, msg.TransportID, msg.SentByLocal, msg.Visible,
		msg.Timestamp, msg.Seq, msg.Payload, msg.SendState, msg.AttachedTxID, now)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	if inserted == 0 {
		// Duplicate transport id: at-least-once delivery collapsing to once.
		return nil, nil
	}

	if msg.Visible {
		c.bus.Publish(bus.NewEvent("conversation.new."+peer, msg))
	}
	return msg, nil
}

// UpdateMessage replaces a message by id, preserving its position (seq) in
// the conversation.
func (c *Conversations) UpdateMessage(msg *ChatMessage) error {
	res, err := c.db.Exec(`
		UPDATE messages
		SET payload = ?, send_state = ?, transport_id = ?, attached_tx_id = ?, timestamp = ?
		WHERE id = ?`,
		msg.Payload, msg.SendState, msg.TransportID, msg.AttachedTxID, msg.Timestamp, msg.ID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("update message: no message with id %s", msg.ID)
	}
	if msg.Visible {
		c.bus.Publish(bus.NewEvent("conversation.updated."+msg.ConversationKey, msg))
	}
	return nil
}

// GetMessage loads a message by id, or nil when unknown.
func (c *Conversations) GetMessage(id string) (*ChatMessage, error) {
	row := c.db.QueryRow(`
		SELECT id, conversation_key, transport_id, sent_by_local, visible, timestamp, seq, payload, send_state, attached_tx_id
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return msg, err
}

// LoadByAddress returns the full conversation for a peer ordered by seq, or
// nil when the peer is unknown.
func (c *Conversations) LoadByAddress(peer string) (*Conversation, error) {
	p, err := c.GetPeer(peer)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}

	rows, err := c.db.Query(`
		SELECT id, conversation_key, transport_id, sent_by_local, visible, timestamp, seq, payload, send_state, attached_tx_id
		FROM messages WHERE conversation_key = ? AND visible = 1 ORDER BY seq ASC`, peer)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	conv := &Conversation{Peer: *p}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		conv.Messages = append(conv.Messages, *msg)
	}
	return conv, rows.Err()
}

// RegisterForChanges subscribes to a peer's new-message and updated-message
// streams. Late subscribers see future events only. The returned stop
// function releases both subscriptions.
func (c *Conversations) RegisterForChanges(peer string) (newMsgs, updates <-chan bus.Event, stop func()) {
	n, unsubNew := c.bus.Subscribe("conversation.new."+peer, bus.DefaultBuffer)
	u, unsubUpd := c.bus.Subscribe("conversation.updated."+peer, bus.DefaultBuffer)
	return n, u, func() {
		unsubNew()
		unsubUpd()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*ChatMessage, error) {
	var m ChatMessage
	err := row.Scan(&m.ID, &m.ConversationKey, &m.TransportID, &m.SentByLocal, &m.Visible,
		&m.Timestamp, &m.Seq, &m.Payload, &m.SendState, &m.AttachedTxID)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
