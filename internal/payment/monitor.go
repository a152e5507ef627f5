package payment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/bus"
	"github.com/huanleyuan/toshi-core/internal/eth"
	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/store"
	"github.com/huanleyuan/toshi-core/internal/transport"
)

// Bus event kinds published when an observed transaction settles.
const (
	EventConfirmed = "payment.confirmed"
	EventFailed    = "payment.failed"
)

// defaultPollInterval is how often the monitor asks the node for receipts.
const defaultPollInterval = 10 * time.Second

// Monitor polls receipts for every pending transaction. On a terminal status
// it rewrites the linked chat message, publishes the outcome, and drops the
// pending row. RPC failures back off; monitoring resumes across restarts from
// the persisted rows.
type Monitor struct {
	rpc      Ethereum
	pending  *store.PendingTxs
	conv     *store.Conversations
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

// NewMonitor creates the pending-transaction monitor.
func NewMonitor(rpc Ethereum, pending *store.PendingTxs, conv *store.Conversations, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		rpc:      rpc,
		pending:  pending,
		conv:     conv,
		bus:      b,
		logger:   logger,
		interval: defaultPollInterval,
	}
}

// Start begins polling until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the polling loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	bo := transport.NewBackoff()
	delay := m.interval
	for {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}

		if err := m.sweep(ctx); err != nil {
			delay = bo.Next()
			m.logger.Warn("pending sweep failed", zap.Duration("retry_in", delay), zap.Error(err))
			continue
		}
		bo.Reset()
		delay = m.interval
	}
}

// sweep checks every pending transaction once. Per-row failures are returned
// so the loop backs off instead of hammering a struggling node.
func (m *Monitor) sweep(ctx context.Context) error {
	rows, err := m.pending.List()
	if err != nil {
		return err
	}
	for i := range rows {
		if err := m.check(ctx, &rows[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) check(ctx context.Context, p *store.PendingTransaction) error {
	state, err := m.rpc.TransactionStatus(ctx, p.TxHash)
	if err != nil {
		return err
	}
	if state == eth.TxPending {
		return nil
	}

	status := store.TxConfirmed
	sofaStatus := sofa.TxConfirmed
	kind := EventConfirmed
	if state == eth.TxReverted {
		status = store.TxFailed
		sofaStatus = sofa.TxFailed
		kind = EventFailed
	}

	if err := m.settleMessage(p, sofaStatus); err != nil {
		return err
	}

	m.logger.Info("transaction settled",
		zap.String("tx_hash", p.TxHash),
		zap.String("status", string(status)))
	m.bus.Publish(bus.NewEvent(kind, store.PendingTransaction{
		ChatMessageID: p.ChatMessageID,
		TxHash:        p.TxHash,
		Status:        status,
	}))
	return m.pending.Settle(p.ChatMessageID, p.TxHash, status)
}

// settleMessage rewrites the linked Payment message with the final status.
// External transfers have no message; their row just carries the hash.
func (m *Monitor) settleMessage(p *store.PendingTransaction, status sofa.TxStatus) error {
	msg, err := m.conv.GetMessage(p.ChatMessageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	payload, err := sofa.Decode(msg.Payload)
	if err != nil {
		m.logger.Warn("pending row links undecodable message",
			zap.String("message_id", p.ChatMessageID), zap.Error(err))
		return nil
	}
	pay, ok := payload.(sofa.Payment)
	if !ok {
		m.logger.Warn("pending row links a non-payment message",
			zap.String("message_id", p.ChatMessageID),
			zap.String("type", string(payload.SofaType())))
		return nil
	}

	pay.Status = status
	pay.TxHash = p.TxHash
	raw, err := sofa.Encode(pay)
	if err != nil {
		return err
	}
	msg.Payload = raw
	msg.AttachedTxID = p.TxHash
	return m.conv.UpdateMessage(msg)
}
