package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/wallet"
)

// Handshake answers inbound InitRequest payloads with an Init reply carrying
// only the requested fields. Replies are stored invisible so they never show
// up in the conversation.
type Handshake struct {
	latch    *wallet.Latch
	manager  *Manager
	language string
	logger   *zap.Logger
}

// NewHandshake creates the Init handshake responder.
func NewHandshake(latch *wallet.Latch, manager *Manager, language string, logger *zap.Logger) *Handshake {
	return &Handshake{latch: latch, manager: manager, language: language, logger: logger}
}

// HandleInitRequest replies when the wallet is ready; before that the request
// is dropped and the peer re-asks on its next delivery.
func (h *Handshake) HandleInitRequest(ctx context.Context, sender string, req sofa.InitRequest) error {
	w, ok := h.latch.TryGet()
	if !ok {
		h.logger.Warn("wallet not ready, dropping init request", zap.String("sender", sender))
		return nil
	}

	var reply sofa.Init
	for _, v := range req.Values {
		switch v {
		case "paymentAddress":
			reply.PaymentAddress = w.PaymentAddress()
		case "language":
			reply.Language = h.language
		default:
			h.logger.Debug("ignoring unknown init value", zap.String("value", v))
		}
	}

	_, err := h.manager.saveAndSend(ctx, sender, reply, false)
	return err
}
