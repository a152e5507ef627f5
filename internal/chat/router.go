package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/sofa"
	"github.com/huanleyuan/toshi-core/internal/store"
	"github.com/huanleyuan/toshi-core/internal/transport"
)

// drainTimeout bounds how long Stop waits for queued envelopes.
const drainTimeout = 2 * time.Second

// PaymentHandler reacts to an inbound Payment notification after it has been
// appended to the conversation.
type PaymentHandler interface {
	HandleInboundPayment(ctx context.Context, sender string, msg *store.ChatMessage, pay sofa.Payment) error
}

// InitRequestHandler answers inbound InitRequest handshakes.
type InitRequestHandler interface {
	HandleInitRequest(ctx context.Context, sender string, req sofa.InitRequest) error
}

// Router consumes the decrypted envelope stream and dispatches by payload
// type. Malformed payloads are logged and dropped, never surfaced.
type Router struct {
	envelopes <-chan transport.Envelope
	conv      *store.Conversations
	payments  PaymentHandler
	handshake InitRequestHandler
	logger    *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRouter creates the inbound router over a transport envelope stream.
func NewRouter(envelopes <-chan transport.Envelope, conv *store.Conversations, payments PaymentHandler, handshake InitRequestHandler, logger *zap.Logger) *Router {
	return &Router{
		envelopes: envelopes,
		conv:      conv,
		payments:  payments,
		handshake: handshake,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins consuming envelopes until ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go r.loop(ctx)
}

// Stop drains queued envelopes for a bounded grace period, then discards the
// rest. Undelivered envelopes are re-fetched from the service on reconnect.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case <-r.done:
	case <-time.After(drainTimeout):
		r.logger.Warn("router drain timed out, discarding queued envelopes")
	}
}

func (r *Router) loop(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case env, ok := <-r.envelopes:
			if !ok {
				return
			}
			r.handle(ctx, &env)
		case <-ctx.Done():
			// Drain what is already queued before giving up.
			for {
				select {
				case env, ok := <-r.envelopes:
					if !ok {
						return
					}
					r.handle(context.Background(), &env)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) handle(ctx context.Context, env *transport.Envelope) {
	payload, err := sofa.Decode(env.Payload)
	if err != nil {
		if errors.Is(err, sofa.ErrMalformedPayload) {
			r.logger.Warn("dropping malformed payload",
				zap.String("sender", env.SenderID),
				zap.String("transport_id", env.TransportID),
				zap.Error(err))
			return
		}
		r.logger.Error("payload decode failed", zap.String("sender", env.SenderID), zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case sofa.Init:
		// A peer volunteering its details updates the address book; nothing
		// is shown in the conversation.
		err = r.conv.UpsertPeer(&store.Peer{
			OwnerAddress:   env.SenderID,
			PaymentAddress: p.PaymentAddress,
		})
	case sofa.InitRequest:
		err = r.handshake.HandleInitRequest(ctx, env.SenderID, p)
	case sofa.Payment:
		var msg *store.ChatMessage
		msg, err = r.append(env, p.TxHash)
		if err == nil && msg != nil {
			err = r.payments.HandleInboundPayment(ctx, env.SenderID, msg, p)
		}
	default:
		// Message, Command, PaymentRequest, and unknown types all land in
		// the conversation as received messages.
		_, err = r.append(env, "")
	}
	if err != nil {
		r.logger.Error("inbound dispatch failed",
			zap.String("sender", env.SenderID),
			zap.String("type", string(payload.SofaType())),
			zap.Error(err))
	}
}

// append stores an inbound envelope as a visible received message. Returns
// nil when the envelope was a duplicate.
func (r *Router) append(env *transport.Envelope, attachedTx string) (*store.ChatMessage, error) {
	return r.conv.Append(env.SenderID, &store.ChatMessage{
		ID:           uuid.NewString(),
		TransportID:  env.TransportID,
		SentByLocal:  false,
		Visible:      true,
		Timestamp:    env.Timestamp,
		Payload:      env.Payload,
		SendState:    store.StateReceived,
		AttachedTxID: attachedTx,
	})
}
