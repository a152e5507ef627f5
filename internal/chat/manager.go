// Package chat owns the conversation surface: outbound message lifecycle,
// inbound envelope routing, and the Init handshake.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/store"
	"github.com/huanleyuan/toshi-core/internal/transport"
)

// maxSendAttempts bounds the transient retry loop per message.
const maxSendAttempts = 5

// Transport is the slice of the chat-service client the manager uses.
type Transport interface {
	Send(ctx context.Context, peer, transportID string, payload []byte) (*transport.DeliveryReceipt, error)
	ResetSession(ctx context.Context, peer string) error
}

// Manager drives outbound messages: persist first, deliver with bounded
// retry, record the outcome. Sends to the same peer are serialized so a
// conversation keeps FIFO order on a single session.
type Manager struct {
	transport Transport
	conv      *store.Conversations
	logger    *zap.Logger

	mu     sync.Mutex
	peerMu map[string]*sync.Mutex

	// wait is the retry sleep, replaced in tests.
	wait func(ctx context.Context, d time.Duration) bool
}

// NewManager creates the outbound chat manager.
func NewManager(t Transport, conv *store.Conversations, logger *zap.Logger) *Manager {
	return &Manager{
		transport: t,
		conv:      conv,
		logger:    logger,
		peerMu:    make(map[string]*sync.Mutex),
		wait:      waitCtx,
	}
}

// SendAndSaveMessage persists a visible outbound message as PENDING, then
// delivers it and records SENT or FAILED. The stored message is returned in
// its final state.
func (m *Manager) SendAndSaveMessage(ctx context.Context, peer string, payload sofa.Payload) (*store.ChatMessage, error) {
	return m.saveAndSend(ctx, peer, payload, true)
}

// SendMessage encodes and delivers a payload without persisting it. Callers
// that want the message in the conversation use SendAndSaveMessage.
func (m *Manager) SendMessage(ctx context.Context, peer string, payload sofa.Payload) error {
	raw, err := sofa.Encode(payload)
	if err != nil {
		return err
	}
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()
	return m.send(ctx, peer, uuid.NewString(), raw)
}

// ActivateControl answers an inline control with the Command it encodes.
func (m *Manager) ActivateControl(ctx context.Context, peer string, control sofa.Control) (*store.ChatMessage, error) {
	if control.Type != sofa.ControlButton {
		return nil, fmt.Errorf("chat: cannot activate %q control", control.Type)
	}
	cmd := sofa.Command{Body: control.Label, Value: control.Value}
	return m.SendAndSaveMessage(ctx, peer, cmd)
}

// ResendMessage retries a previously failed outbound message on its existing
// row: same id, same position in the conversation.
func (m *Manager) ResendMessage(ctx context.Context, id string) (*store.ChatMessage, error) {
	msg, err := m.conv.GetMessage(id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("chat: no message with id %s", id)
	}
	if !msg.SentByLocal || msg.SendState != store.StateFailed {
		return nil, fmt.Errorf("chat: message %s is not a failed outbound message", id)
	}

	lock := m.peerLock(msg.ConversationKey)
	lock.Lock()
	defer lock.Unlock()

	if msg.TransportID == "" {
		msg.TransportID = uuid.NewString()
	}
	msg.SendState = store.StatePending
	if err := m.conv.UpdateMessage(msg); err != nil {
		return nil, err
	}
	return m.deliver(ctx, msg)
}

func (m *Manager) saveAndSend(ctx context.Context, peer string, payload sofa.Payload, visible bool) (*store.ChatMessage, error) {
	raw, err := sofa.Encode(payload)
	if err != nil {
		return nil, err
	}

	// The lock spans append through delivery so concurrent sends to one
	// peer hit the wire in store order.
	lock := m.peerLock(peer)
	lock.Lock()
	defer lock.Unlock()

	msg := &store.ChatMessage{
		ID:          uuid.NewString(),
		TransportID: uuid.NewString(),
		// Handshake replies are stored non-local and invisible; no
		// user-facing path (resend, conversation load) surfaces them.
		SentByLocal: visible,
		Visible:     visible,
		Timestamp:   time.Now().UnixMilli(),
		Payload:     raw,
		SendState:   store.StatePending,
	}
	if _, err := m.conv.Append(peer, msg); err != nil {
		return nil, err
	}
	return m.deliver(ctx, msg)
}

// deliver sends a stored PENDING message and updates its state. The caller
// holds the peer's send lock. The returned message reflects the final state
// even when delivery failed.
func (m *Manager) deliver(ctx context.Context, msg *store.ChatMessage) (*store.ChatMessage, error) {
	sendErr := m.send(ctx, msg.ConversationKey, msg.TransportID, msg.Payload)

	if sendErr != nil {
		msg.SendState = store.StateFailed
	} else {
		msg.SendState = store.StateSent
	}
	if err := m.conv.UpdateMessage(msg); err != nil {
		return msg, err
	}
	if sendErr != nil {
		return msg, sendErr
	}
	return msg, nil
}

// send delivers raw bytes; the caller holds the peer's send lock. All retry
// attempts carry the same transport id so the server can collapse a retry of
// an already-accepted delivery. Transient failures retry on the backoff
// curve up to maxSendAttempts; a broken session is reset and retried exactly
// once.
func (m *Manager) send(ctx context.Context, peer, transportID string, raw []byte) error {
	bo := transport.NewBackoff()
	sessionReset := false
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		_, err = m.transport.Send(ctx, peer, transportID, raw)
		if err == nil {
			return nil
		}

		switch {
		case errors.Is(err, transport.ErrSessionBroken) && !sessionReset:
			sessionReset = true
			m.logger.Warn("session broken, re-establishing", zap.String("peer", peer), zap.Error(err))
			if resetErr := m.transport.ResetSession(ctx, peer); resetErr != nil {
				return fmt.Errorf("reset session: %w", resetErr)
			}
			// The retry re-establishes from a fresh pre-key bundle; it does
			// not consume a transient attempt.
			attempt--
		case errors.Is(err, transport.ErrTransient):
			if attempt == maxSendAttempts {
				return err
			}
			delay := bo.Next()
			m.logger.Warn("send failed, retrying",
				zap.String("peer", peer),
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			if !m.wait(ctx, delay) {
				return ctx.Err()
			}
		default:
			return err
		}
	}
	return err
}

func (m *Manager) peerLock(peer string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.peerMu[peer]
	if !ok {
		lock = &sync.Mutex{}
		m.peerMu[peer] = lock
	}
	return lock
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
