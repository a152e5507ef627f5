package payment

import (
	"context"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/store"
)

// AcceptRequest marks a stored PaymentRequest as accepted and returns the
// outgoing task that fulfills it. Every request stays in the conversation;
// only its state changes.
func (m *Machine) AcceptRequest(ctx context.Context, messageID string) (*Task, error) {
	msg, req, err := m.loadRequest(messageID)
	if err != nil {
		return nil, err
	}
	if req.State != sofa.RequestNone {
		return nil, fmt.Errorf("payment: request %s already decided", messageID)
	}

	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		return nil, fmt.Errorf("payment: request %s has malformed value %q", messageID, req.Value)
	}

	req.State = sofa.RequestAccepted
	if err := m.storeRequest(msg, req); err != nil {
		return nil, err
	}
	m.logger.Info("payment request accepted",
		zap.String("message_id", messageID),
		zap.String("value", req.Value))

	task := NewTask(ActionOutgoing)
	task.Peer = msg.ConversationKey
	task.To = req.DestinationAddress
	task.Value = value
	return task, nil
}

// RejectRequest marks a stored PaymentRequest as rejected. No task is built.
func (m *Machine) RejectRequest(ctx context.Context, messageID string) error {
	msg, req, err := m.loadRequest(messageID)
	if err != nil {
		return err
	}
	if req.State != sofa.RequestNone {
		return fmt.Errorf("payment: request %s already decided", messageID)
	}
	req.State = sofa.RequestRejected
	if err := m.storeRequest(msg, req); err != nil {
		return err
	}
	m.logger.Info("payment request rejected", zap.String("message_id", messageID))
	return nil
}

func (m *Machine) loadRequest(messageID string) (*store.ChatMessage, *sofa.PaymentRequest, error) {
	msg, err := m.conv.GetMessage(messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg == nil {
		return nil, nil, fmt.Errorf("payment: no message with id %s", messageID)
	}
	payload, err := sofa.Decode(msg.Payload)
	if err != nil {
		return nil, nil, err
	}
	req, ok := payload.(sofa.PaymentRequest)
	if !ok {
		return nil, nil, fmt.Errorf("payment: message %s is a %s, not a payment request", messageID, payload.SofaType())
	}
	return msg, &req, nil
}

func (m *Machine) storeRequest(msg *store.ChatMessage, req *sofa.PaymentRequest) error {
	raw, err := sofa.Encode(*req)
	if err != nil {
		return err
	}
	msg.Payload = raw
	return m.conv.UpdateMessage(msg)
}
