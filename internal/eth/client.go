// Package eth is a thin Ethereum JSON-RPC collaborator: gas price, balance,
// nonce, node-side transaction signing, submission, and receipt lookup.
package eth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrTransient marks node or network failures worth retrying.
var ErrTransient = errors.New("eth: transient failure")

// TxState is the observed lifecycle of a submitted transaction.
type TxState string

const (
	TxPending   TxState = "PENDING"
	TxSucceeded TxState = "SUCCEEDED"
	TxReverted  TxState = "REVERTED"
)

// UnsignedTransaction is a plain value transfer ready for signing.
type UnsignedTransaction struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Value    *big.Int `json:"-"`
	GasPrice *big.Int `json:"-"`
	Gas      uint64   `json:"-"`
	Nonce    uint64   `json:"-"`
}

// SignedTransaction carries the raw signed payload and its hash.
type SignedTransaction struct {
	Raw  string
	Hash string
}

// Client speaks JSON-RPC 2.0 to a single node over HTTP.
type Client struct {
	url    string
	http   *http.Client
	logger *zap.Logger
	seq    atomic.Uint64
}

// NewClient creates a client for the given node URL.
func NewClient(url string, logger *zap.Logger) *Client {
	return &Client{
		url:    strings.TrimRight(url, "/"),
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// GasPrice returns the node's suggested gas price in wei.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	var out string
	if err := c.call(ctx, "eth_gasPrice", nil, &out); err != nil {
		return nil, err
	}
	return parseQuantity(out)
}

// Balance returns the address balance in wei at the latest block.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	var out string
	if err := c.call(ctx, "eth_getBalance", []any{address, "latest"}, &out); err != nil {
		return nil, err
	}
	return parseQuantity(out)
}

// Nonce returns the next usable nonce for the address, counting pending
// transactions so queued sends do not collide.
func (c *Client) Nonce(ctx context.Context, address string) (uint64, error) {
	var out string
	if err := c.call(ctx, "eth_getTransactionCount", []any{address, "pending"}, &out); err != nil {
		return 0, err
	}
	n, err := parseQuantity(out)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// SignTransaction asks the node to sign with its managed account. The account
// must be unlocked on the node side.
func (c *Client) SignTransaction(ctx context.Context, tx *UnsignedTransaction) (*SignedTransaction, error) {
	param := map[string]string{
		"from":     tx.From,
		"to":       tx.To,
		"value":    formatQuantity(tx.Value),
		"gasPrice": formatQuantity(tx.GasPrice),
		"gas":      fmt.Sprintf("0x%x", tx.Gas),
		"nonce":    fmt.Sprintf("0x%x", tx.Nonce),
	}
	var out struct {
		Raw string `json:"raw"`
		Tx  struct {
			Hash string `json:"hash"`
		} `json:"tx"`
	}
	if err := c.call(ctx, "eth_signTransaction", []any{param}, &out); err != nil {
		return nil, err
	}
	if out.Raw == "" {
		return nil, fmt.Errorf("eth: node returned empty signed transaction")
	}
	return &SignedTransaction{Raw: out.Raw, Hash: out.Tx.Hash}, nil
}

// SubmitTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SubmitTransaction(ctx context.Context, signed *SignedTransaction) (string, error) {
	var hash string
	if err := c.call(ctx, "eth_sendRawTransaction", []any{signed.Raw}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

// TransactionStatus looks up the receipt: no receipt means the transaction is
// still pending, status 0x1 succeeded, 0x0 reverted.
func (c *Client) TransactionStatus(ctx context.Context, txHash string) (TxState, error) {
	var receipt *struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return "", err
	}
	if receipt == nil {
		return TxPending, nil
	}
	switch receipt.Status {
	case "0x1":
		return TxSucceeded, nil
	case "0x0":
		return TxReverted, nil
	default:
		return "", fmt.Errorf("eth: unexpected receipt status %q for %s", receipt.Status, txHash)
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.seq.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransient, method, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s: node returned %d", ErrTransient, method, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("eth: %s: node returned %d", method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", ErrTransient, method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("eth: %s: rpc error %d: %s", method, rr.Error.Code, rr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("eth: %s: decode result: %w", method, err)
		}
	}
	return nil
}

func parseQuantity(s string) (*big.Int, error) {
	hex, ok := strings.CutPrefix(s, "0x")
	if !ok {
		return nil, fmt.Errorf("eth: quantity %q missing 0x prefix", s)
	}
	n, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return nil, fmt.Errorf("eth: malformed quantity %q", s)
	}
	return n, nil
}

func formatQuantity(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
