package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/protocol"
)

// wireFrame is one inbound unit on the subscription socket.
type wireFrame struct {
	SenderID    string                  `json:"senderId"`
	Timestamp   int64                   `json:"timestamp"`
	TransportID string                  `json:"transportId"`
	Message     *protocol.SealedMessage `json:"message"`
}

// Subscribe opens the envelope stream. The returned channel carries
// decrypted envelopes until ctx is cancelled; the socket reconnects with
// bounded exponential backoff, never faster than the floor.
func (c *Client) Subscribe(ctx context.Context) <-chan Envelope {
	out := make(chan Envelope, 64)
	go c.readLoop(ctx, out)
	return out
}

func (c *Client) readLoop(ctx context.Context, out chan<- Envelope) {
	defer close(out)
	bo := NewBackoff()

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.socketURL(), nil)
		if err != nil {
			delay := bo.Next()
			c.logger.Warn("socket dial failed", zap.Error(err), zap.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return
			}
			continue
		}
		c.logger.Info("socket connected")
		bo.Reset()

		c.consume(ctx, conn, out)
		_ = conn.Close()

		if ctx.Err() == nil {
			delay := bo.Next()
			c.logger.Warn("socket closed, reconnecting", zap.Duration("retry_in", delay))
			if !sleepCtx(ctx, delay) {
				return
			}
		}
	}
}

func (c *Client) consume(ctx context.Context, conn *websocket.Conn, out chan<- Envelope) {
	// Unblock ReadJSON when the subscription is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("socket read failed", zap.Error(err))
			}
			return
		}
		env, err := c.decryptEnvelope(&frame)
		if err != nil {
			// An undecryptable envelope is dropped; the sender will see
			// a session failure on its next delivery and re-establish.
			c.logger.Warn("dropping undecryptable envelope",
				zap.String("sender", frame.SenderID),
				zap.String("transport_id", frame.TransportID),
				zap.Error(err))
			continue
		}
		select {
		case out <- *env:
		case <-ctx.Done():
			return
		}
	}
}

// decryptEnvelope opens an inbound frame, establishing a responder-side
// session from the embedded handshake when the sender is new.
func (c *Client) decryptEnvelope(frame *wireFrame) (*Envelope, error) {
	if frame.Message == nil || frame.SenderID == "" {
		return nil, fmt.Errorf("%w: empty frame", ErrSessionBroken)
	}

	var payload []byte
	err := c.store.WithPeerLock(frame.SenderID, func() error {
		sess, err := c.store.LoadSession(frame.SenderID)
		if err != nil {
			return err
		}
		if sess == nil {
			hs := frame.Message.Handshake
			if hs == nil {
				return fmt.Errorf("%w: no session and no handshake", ErrSessionBroken)
			}
			spk, err := c.store.SignedPreKey()
			if err != nil {
				return err
			}
			var otk *protocol.PreKey
			if hs.PreKeyID != nil {
				otk, err = c.store.ConsumePreKey(*hs.PreKeyID)
				if err != nil {
					return fmt.Errorf("%w: %v", ErrSessionBroken, err)
				}
			}
			sess, err = protocol.AcceptSession(c.id, spk, otk, hs)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSessionBroken, err)
			}
		}

		payload, err = sess.Open(frame.Message)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrSessionBroken, err)
		}
		return c.store.StoreSession(frame.SenderID, sess)
	})
	if err != nil {
		return nil, err
	}

	ts := frame.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return &Envelope{
		SenderID:    frame.SenderID,
		Timestamp:   ts,
		TransportID: frame.TransportID,
		Payload:     payload,
	}, nil
}

func (c *Client) socketURL() string {
	u := c.baseURL
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/ws?address=" + url.QueryEscape(c.address)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
