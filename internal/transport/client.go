// Package transport talks to the chat service: key registration, encrypted
// message send, envelope subscription over a long-lived socket, and push
// token management.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/huanleyuan/toshi-core/internal/protocol"
)

const preKeyBatchSize = 100

// Envelope is a decrypted inbound transport unit. TransportID is used for
// inbound deduplication at the conversation store.
type Envelope struct {
	SenderID    string
	Timestamp   int64
	TransportID string
	Payload     []byte
}

// DeliveryReceipt acknowledges a sent message.
type DeliveryReceipt struct {
	TransportID     string
	ServerTimestamp int64
}

// Client is the chat-service client. Send is at-least-once with per-peer
// FIFO on a single session; session mutation is serialized through the
// protocol store's per-peer locks.
type Client struct {
	baseURL string
	address string
	http    *http.Client
	store   *protocol.Store
	id      *protocol.Identity
	logger  *zap.Logger
}

// NewClient creates a transport client for the given account address.
func NewClient(baseURL, address string, store *protocol.Store, logger *zap.Logger) (*Client, error) {
	id, err := store.Identity()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		address: address,
		http:    &http.Client{Timeout: 30 * time.Second},
		store:   store,
		id:      id,
		logger:  logger,
	}, nil
}

// keyUpload is the body of PUT /v1/keys.
type keyUpload struct {
	RegistrationID        uint32           `json:"registrationId"`
	IdentityKey           []byte           `json:"identityKey"`
	SigningKey            []byte           `json:"signingKey"`
	SignedPreKeyID        uint32           `json:"signedPreKeyId"`
	SignedPreKey          []byte           `json:"signedPreKey"`
	SignedPreKeySignature []byte           `json:"signedPreKeySignature"`
	PreKeys               []uploadedPreKey `json:"preKeys"`
}

type uploadedPreKey struct {
	ID     uint32 `json:"id"`
	Public []byte `json:"public"`
}

// RegisterKeys uploads the identity, signed pre-key, and a fresh batch of
// one-time pre-keys. The server treats the upload as idempotent per
// registration id.
func (c *Client) RegisterKeys(ctx context.Context) error {
	spk, err := c.store.SignedPreKey()
	if err != nil {
		return err
	}
	preKeys, err := c.store.GeneratePreKeys(preKeyBatchSize)
	if err != nil {
		return err
	}

	body := keyUpload{
		RegistrationID:        c.id.RegistrationID,
		IdentityKey:           c.id.DHPublic[:],
		SigningKey:            c.id.SigningPublic,
		SignedPreKeyID:        spk.ID,
		SignedPreKey:          spk.Public[:],
		SignedPreKeySignature: spk.Signature,
	}
	for _, pk := range preKeys {
		body.PreKeys = append(body.PreKeys, uploadedPreKey{ID: pk.ID, Public: pk.Public[:]})
	}

	resp, err := c.doJSON(ctx, http.MethodPut, "/v1/keys", body)
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("register keys: %w", err)
	}
	c.logger.Info("keys registered", zap.Uint32("registration_id", c.id.RegistrationID), zap.Int("prekeys", len(preKeys)))
	return nil
}

// wireMessage is the body of POST /v1/messages/{peer}.
type wireMessage struct {
	TransportID string                  `json:"transportId"`
	Timestamp   int64                   `json:"timestamp"`
	Message     *protocol.SealedMessage `json:"message"`
}

type sendResponse struct {
	TransportID string `json:"transportId"`
	Timestamp   int64  `json:"timestamp"`
}

// Send encrypts and delivers a payload to a peer, establishing a session
// from the peer's pre-key bundle when none exists. The session is persisted
// before the network write so a chain index is never reused. transportID is
// the delivery identity: the server dedups by it, so retries of the same
// logical message must pass the same id.
func (c *Client) Send(ctx context.Context, peer, transportID string, payload []byte) (*DeliveryReceipt, error) {
	var receipt *DeliveryReceipt
	err := c.store.WithPeerLock(peer, func() error {
		sess, err := c.store.LoadSession(peer)
		if err != nil {
			return err
		}
		if sess == nil {
			bundle, err := c.fetchPreKeyBundle(ctx, peer)
			if err != nil {
				return err
			}
			sess, err = protocol.InitiateSession(c.id, bundle)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrSessionBroken, err)
			}
		}

		sealed, err := sess.Seal(payload)
		if err != nil {
			return err
		}
		if err := c.store.StoreSession(peer, sess); err != nil {
			return err
		}

		msg := wireMessage{
			TransportID: transportID,
			Timestamp:   time.Now().UnixMilli(),
			Message:     sealed,
		}
		resp, err := c.doJSON(ctx, http.MethodPost, "/v1/messages/"+url.PathEscape(peer), msg)
		if err != nil {
			return err
		}
		defer drain(resp)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
		case resp.StatusCode == http.StatusUnauthorized,
			resp.StatusCode == http.StatusConflict,
			resp.StatusCode == http.StatusGone:
			return fmt.Errorf("%w: server rejected session (%d)", ErrSessionBroken, resp.StatusCode)
		default:
			return checkStatus(resp)
		}

		var sr sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			sr = sendResponse{TransportID: msg.TransportID, Timestamp: msg.Timestamp}
		}
		receipt = &DeliveryReceipt{TransportID: sr.TransportID, ServerTimestamp: sr.Timestamp}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// ResetSession drops the peer's session record so the next send
// re-establishes from a fresh pre-key bundle.
func (c *Client) ResetSession(ctx context.Context, peer string) error {
	return c.store.WithPeerLock(peer, func() error {
		c.logger.Info("resetting session", zap.String("peer", peer))
		return c.store.DeleteSession(peer)
	})
}

// SetPushToken registers a push token with the chat service. An empty token
// surfaces ErrPushUnavailable; the socket keeps working without push.
func (c *Client) SetPushToken(ctx context.Context, token string) error {
	if token == "" {
		return ErrPushUnavailable
	}
	resp, err := c.doJSON(ctx, http.MethodPut, "/v1/accounts/push", map[string]string{"token": token})
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	return nil
}

// ClearPushToken unregisters push delivery.
func (c *Client) ClearPushToken(ctx context.Context) error {
	resp, err := c.doJSON(ctx, http.MethodDelete, "/v1/accounts/push", nil)
	if err != nil {
		return err
	}
	defer drain(resp)
	if err := checkStatus(resp); err != nil {
		return fmt.Errorf("clear push token: %w", err)
	}
	return nil
}

func (c *Client) fetchPreKeyBundle(ctx context.Context, peer string) (*protocol.PreKeyBundle, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, "/v1/keys/"+url.PathEscape(peer), nil)
	if err != nil {
		return nil, err
	}
	defer drain(resp)
	if err := checkStatus(resp); err != nil {
		return nil, fmt.Errorf("fetch pre-key bundle: %w", err)
	}
	var bundle protocol.PreKeyBundle
	if err := json.NewDecoder(resp.Body).Decode(&bundle); err != nil {
		return nil, fmt.Errorf("decode pre-key bundle: %w", err)
	}
	return &bundle, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token-ID-Address", c.address)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return resp, nil
}

// checkStatus maps HTTP status to the transport error kinds: 5xx is
// transient, everything else outside 2xx is permanent.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: server returned %d", ErrTransient, resp.StatusCode)
	}
	return fmt.Errorf("transport: server returned %d", resp.StatusCode)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
