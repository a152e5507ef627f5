package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huanleyuan/toshi-core/internal/bus"
)

// PendingTxs tracks outgoing on-chain transactions until they reach a
// terminal state. Emissions on "payment.pending" are monotonic per txHash:
// a terminal status is never downgraded back to unconfirmed.
type PendingTxs struct {
	db  *DB
	bus *bus.Bus
}

// NewPendingTxs creates the pending-transaction store facade.
func NewPendingTxs(db *DB, b *bus.Bus) *PendingTxs {
	return &PendingTxs{db: db, bus: b}
}

// Upsert records or updates a pending transaction, publishing on any status
// transition. Attempts to move a terminal status back to unconfirmed are
// ignored.
func (p *PendingTxs) Upsert(tx *PendingTransaction) error {
	existing, err := p.Get(tx.ChatMessageID)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == tx.Status {
			return nil
		}
		if existing.Status != TxUnconfirmed {
			return nil
		}
	}

	now := time.Now().UnixMilli()
	_, err = p.db.Exec(`
		INSERT INTO pending_txs (chat_message_id, tx_hash, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_message_id) DO UPDATE SET
			tx_hash = excluded.tx_hash,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		tx.ChatMessageID, tx.TxHash, tx.Status, now)
	if err != nil {
		return fmt.Errorf("upsert pending tx: %w", err)
	}
	p.bus.Publish(bus.NewEvent("payment.pending", tx))
	return nil
}

// Get returns the pending transaction for a chat message, or nil.
func (p *PendingTxs) Get(chatMessageID string) (*PendingTransaction, error) {
	var tx PendingTransaction
	err := p.db.QueryRow(`
		SELECT chat_message_id, tx_hash, status FROM pending_txs WHERE chat_message_id = ?`,
		chatMessageID).Scan(&tx.ChatMessageID, &tx.TxHash, &tx.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// List returns all pending transactions, oldest first.
func (p *PendingTxs) List() ([]PendingTransaction, error) {
	rows, err := p.db.Query(`
		SELECT chat_message_id, tx_hash, status FROM pending_txs ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txs []PendingTransaction
	for rows.Next() {
		var tx PendingTransaction
		if err := rows.Scan(&tx.ChatMessageID, &tx.TxHash, &tx.Status); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// Delete removes a pending entry once its transaction is terminal.
func (p *PendingTxs) Delete(chatMessageID string) error {
	_, err := p.db.Exec(`DELETE FROM pending_txs WHERE chat_message_id = ?`, chatMessageID)
	return err
}

// Settle records a terminal status for a pending transaction: the transition
// is published on the pending stream, then the row is removed.
func (p *PendingTxs) Settle(chatMessageID, txHash string, status TxStatus) error {
	if status == TxUnconfirmed {
		return fmt.Errorf("settle pending tx: %s is not terminal", status)
	}
	if err := p.Delete(chatMessageID); err != nil {
		return err
	}
	p.bus.Publish(bus.NewEvent("payment.pending", &PendingTransaction{
		ChatMessageID: chatMessageID,
		TxHash:        txHash,
		Status:        status,
	}))
	return nil
}

// Pending subscribes to status-transition events. Returns the channel and an
// unsubscribe function.
func (p *PendingTxs) Pending() (<-chan bus.Event, func()) {
	return p.bus.Subscribe("payment.pending", bus.DefaultBuffer)
}
