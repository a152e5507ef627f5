// Package wallet defines the signing collaborator and the readiness latch
// that gates payment and handshake work until an account is available.
package wallet

import (
	"context"
	"fmt"
	"strings"

	"github.com/huanleyuan/toshi-core/internal/eth"
)

// Wallet is the account the daemon pays from. Implementations must be safe
// for concurrent use.
type Wallet interface {
	// PaymentAddress is the checksummed account address shared with peers.
	PaymentAddress() string
	// SignTransaction produces a broadcast-ready signed transaction.
	SignTransaction(ctx context.Context, tx *eth.UnsignedTransaction) (*eth.SignedTransaction, error)
}

// TransactionSigner is the slice of the node client the wallet needs.
type TransactionSigner interface {
	SignTransaction(ctx context.Context, tx *eth.UnsignedTransaction) (*eth.SignedTransaction, error)
}

// NodeWallet signs through a node-managed account over JSON-RPC.
type NodeWallet struct {
	address string
	signer  TransactionSigner
}

// NewNodeWallet wraps a node-managed account. The address must be a 0x-prefixed
// 20-byte hex address; the node must hold and unlock the corresponding key.
func NewNodeWallet(address string, signer TransactionSigner) (*NodeWallet, error) {
	addr := strings.TrimSpace(address)
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return nil, fmt.Errorf("wallet: malformed account address %q", address)
	}
	return &NodeWallet{address: strings.ToLower(addr), signer: signer}, nil
}

func (w *NodeWallet) PaymentAddress() string {
	return w.address
}

func (w *NodeWallet) SignTransaction(ctx context.Context, tx *eth.UnsignedTransaction) (*eth.SignedTransaction, error) {
	if tx.From == "" {
		tx.From = w.address
	}
	return w.signer.SignTransaction(ctx, tx)
}
