package payment

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/eth"
	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/store"
	"github.com/huanleyuan/toshi-core/internal/transport"
	"github.com/huanleyuan/toshi-core/internal/wallet"
)

const (
	// gasLimit for a plain value transfer.
	gasLimit = 21000
	// maxSubmitAttempts bounds broadcast retries on transient node failures.
	maxSubmitAttempts = 3
)

// Ethereum is the slice of the node client the machine uses.
type Ethereum interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	Nonce(ctx context.Context, address string) (uint64, error)
	SubmitTransaction(ctx context.Context, signed *eth.SignedTransaction) (string, error)
	TransactionStatus(ctx context.Context, txHash string) (eth.TxState, error)
}

// Messenger sends the in-band Payment notifications. Implemented by the chat
// manager.
type Messenger interface {
	SendAndSaveMessage(ctx context.Context, peer string, payload sofa.Payload) (*store.ChatMessage, error)
	ResendMessage(ctx context.Context, id string) (*store.ChatMessage, error)
}

// Machine drives a payment task from draft to observation: price, sign,
// submit, announce, then hand the hash to the monitor.
type Machine struct {
	rpc       Ethereum
	latch     *wallet.Latch
	messenger Messenger
	conv      *store.Conversations
	pending   *store.PendingTxs
	logger    *zap.Logger

	// wait is the submit retry sleep, replaced in tests.
	wait func(ctx context.Context, d time.Duration) bool
}

// NewMachine creates the payment task machine.
func NewMachine(rpc Ethereum, latch *wallet.Latch, messenger Messenger, conv *store.Conversations, pending *store.PendingTxs, logger *zap.Logger) *Machine {
	return &Machine{
		rpc:       rpc,
		latch:     latch,
		messenger: messenger,
		conv:      conv,
		pending:   pending,
		logger:    logger,
		wait:      waitCtx,
	}
}

// Run executes a task to the OBSERVING state. Outgoing errors map to the
// package sentinels; the task's state records how far it got.
func (m *Machine) Run(ctx context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Action == ActionIncoming {
		return m.observeIncoming(task)
	}

	w, ok := m.latch.TryGet()
	if !ok {
		return fmt.Errorf("%w: wallet not ready", ErrSignerUnavailable)
	}

	unsigned, err := m.price(ctx, w, task)
	if err != nil {
		return err
	}

	signed, err := w.SignTransaction(ctx, unsigned)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	if err := task.Transition(StateSigned); err != nil {
		return err
	}

	hash, err := m.submit(ctx, signed)
	if err != nil {
		_ = task.Transition(StateFailed)
		return err
	}
	task.TxHash = hash
	if err := task.Transition(StateSubmitted); err != nil {
		return err
	}
	m.logger.Info("transaction submitted",
		zap.String("tx_hash", hash),
		zap.String("action", string(task.Action)),
		zap.String("to", task.To))

	if err := m.announce(ctx, w, task); err != nil {
		return err
	}

	if err := m.pending.Upsert(&store.PendingTransaction{
		ChatMessageID: task.MessageID,
		TxHash:        task.TxHash,
		Status:        store.TxUnconfirmed,
	}); err != nil {
		return err
	}
	return task.Transition(StateObserving)
}

// Cancel rejects a task. Once the transaction is signed the transfer can no
// longer be stopped locally.
func (m *Machine) Cancel(task *Task) error {
	if err := task.Transition(StateRejected); err != nil {
		return fmt.Errorf("payment: cannot cancel after signing: %w", err)
	}
	return nil
}

// HandleInboundPayment registers a peer-announced transfer for observation.
// The message is already stored; the monitor confirms or fails it.
func (m *Machine) HandleInboundPayment(ctx context.Context, sender string, msg *store.ChatMessage, pay sofa.Payment) error {
	if pay.TxHash == "" || pay.Status != sofa.TxUnconfirmed {
		// Nothing to watch: either the sender has not broadcast yet or the
		// transfer is already terminal.
		return nil
	}
	task := NewTask(ActionIncoming)
	task.Peer = sender
	task.MessageID = msg.ID
	task.TxHash = pay.TxHash
	return m.Run(ctx, task)
}

func (m *Machine) observeIncoming(task *Task) error {
	if err := m.pending.Upsert(&store.PendingTransaction{
		ChatMessageID: task.MessageID,
		TxHash:        task.TxHash,
		Status:        store.TxUnconfirmed,
	}); err != nil {
		return err
	}
	task.state = StateObserving
	return nil
}

// price checks that the balance covers value plus gas and assembles the
// unsigned transfer.
func (m *Machine) price(ctx context.Context, w wallet.Wallet, task *Task) (*eth.UnsignedTransaction, error) {
	gasPrice, err := m.rpc.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := m.rpc.Balance(ctx, w.PaymentAddress())
	if err != nil {
		return nil, err
	}

	gasCost := new(big.Int).Mul(gasPrice, big.NewInt(gasLimit))
	total := new(big.Int).Add(task.Value, gasCost)
	if balance.Cmp(total) < 0 {
		return nil, fmt.Errorf("%w: need %s wei, have %s", ErrInsufficientFunds, total, balance)
	}

	nonce, err := m.rpc.Nonce(ctx, w.PaymentAddress())
	if err != nil {
		return nil, err
	}
	if err := task.Transition(StatePriced); err != nil {
		return nil, err
	}
	return &eth.UnsignedTransaction{
		From:     w.PaymentAddress(),
		To:       task.To,
		Value:    task.Value,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		Nonce:    nonce,
	}, nil
}

func (m *Machine) submit(ctx context.Context, signed *eth.SignedTransaction) (string, error) {
	bo := transport.NewBackoff()
	var err error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		var hash string
		hash, err = m.rpc.SubmitTransaction(ctx, signed)
		if err == nil {
			return hash, nil
		}
		if !errors.Is(err, eth.ErrTransient) {
			return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
		}
		if attempt < maxSubmitAttempts {
			delay := bo.Next()
			m.logger.Warn("submit failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !m.wait(ctx, delay) {
				return "", ctx.Err()
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrSubmitRejected, err)
}

// announce records the transfer in the conversation and tells the peer.
// External transfers have no counterparty, so they only get a tracking id.
func (m *Machine) announce(ctx context.Context, w wallet.Wallet, task *Task) error {
	if task.Action == ActionOutgoingExternal {
		task.MessageID = uuid.NewString()
		return nil
	}

	pay := sofa.Payment{
		Value:       task.Value.String(),
		FromAddress: w.PaymentAddress(),
		ToAddress:   task.To,
		TxHash:      task.TxHash,
		Status:      sofa.TxUnconfirmed,
	}

	if task.Action == ActionOutgoingResend {
		return m.resendAnnouncement(ctx, task, pay)
	}

	msg, err := m.messenger.SendAndSaveMessage(ctx, task.Peer, pay)
	if msg == nil {
		return err
	}
	// A delivery failure leaves the message FAILED and resendable; the
	// transfer itself is already on the wire.
	if err != nil {
		m.logger.Warn("payment announcement not delivered", zap.String("peer", task.Peer), zap.Error(err))
	}
	msg.AttachedTxID = task.TxHash
	if err := m.conv.UpdateMessage(msg); err != nil {
		return err
	}
	task.MessageID = msg.ID
	return nil
}

// resendAnnouncement rewrites the failed announcement with the fresh hash and
// retries it on the same row.
func (m *Machine) resendAnnouncement(ctx context.Context, task *Task, pay sofa.Payment) error {
	msg, err := m.conv.GetMessage(task.MessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return fmt.Errorf("payment: no message with id %s", task.MessageID)
	}
	raw, err := sofa.Encode(pay)
	if err != nil {
		return err
	}
	msg.Payload = raw
	msg.AttachedTxID = task.TxHash
	// The announcement now names a different transaction; a fresh transport
	// id keeps the receiver from collapsing it into the dead delivery.
	msg.TransportID = uuid.NewString()
	if err := m.conv.UpdateMessage(msg); err != nil {
		return err
	}
	if _, err := m.messenger.ResendMessage(ctx, task.MessageID); err != nil {
		m.logger.Warn("payment announcement resend not delivered", zap.String("peer", task.Peer), zap.Error(err))
	}
	return nil
}

func waitCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
