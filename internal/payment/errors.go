package payment

import "errors"

var (
	// ErrInvalidTask means the task's action and fields do not line up.
	ErrInvalidTask = errors.New("payment: invalid task")
	// ErrInsufficientFunds means the balance cannot cover value plus gas.
	ErrInsufficientFunds = errors.New("payment: insufficient funds")
	// ErrSignerUnavailable means no wallet is ready to sign.
	ErrSignerUnavailable = errors.New("payment: signer unavailable")
	// ErrSubmitRejected means the node refused the transaction; terminal.
	ErrSubmitRejected = errors.New("payment: submit rejected")
)
