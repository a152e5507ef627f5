// Package payment turns chat-level payment intents into signed, submitted,
// and observed on-chain transfers.
package payment

import (
	"fmt"
	"math/big"
	"slices"
)

// Action is what a payment task is asked to do.
type Action string

const (
	// ActionIncoming observes a transfer announced by a peer.
	ActionIncoming Action = "INCOMING"
	// ActionOutgoing pays a known peer and tells them about it.
	ActionOutgoing Action = "OUTGOING"
	// ActionOutgoingExternal pays an address outside the chat network.
	ActionOutgoingExternal Action = "OUTGOING_EXTERNAL"
	// ActionOutgoingResend retries a failed outgoing payment on its
	// existing chat message.
	ActionOutgoingResend Action = "OUTGOING_RESEND"
)

// State is a task's position in the payment lifecycle.
type State string

const (
	StateDraft     State = "DRAFT"
	StatePriced    State = "PRICED"
	StateSigned    State = "SIGNED"
	StateSubmitted State = "SUBMITTED"
	StateObserving State = "OBSERVING"
	StateConfirmed State = "CONFIRMED"
	StateFailed    State = "FAILED"
	StateRejected  State = "REJECTED"
)

// validTransitions defines allowed task state transitions. Rejection is only
// reachable before signing.
var validTransitions = map[State][]State{
	StateDraft:     {StatePriced, StateRejected},
	StatePriced:    {StateSigned, StateRejected},
	StateSigned:    {StateSubmitted, StateFailed},
	StateSubmitted: {StateObserving, StateFailed},
	StateObserving: {StateConfirmed, StateFailed},
}

// Task is one payment intent moving through the machine.
type Task struct {
	Action Action
	// Peer is the counterparty's owner address. Required for OUTGOING and
	// OUTGOING_RESEND; ignored for OUTGOING_EXTERNAL.
	Peer string
	// To is the destination payment address.
	To string
	// Value is the transfer amount in wei.
	Value *big.Int
	// MessageID links the task to an existing chat message. Required for
	// OUTGOING_RESEND and INCOMING.
	MessageID string
	// TxHash is set once the transfer is on the wire. Required up front
	// for INCOMING.
	TxHash string

	state State
}

// NewTask creates a draft task.
func NewTask(action Action) *Task {
	return &Task{Action: action, state: StateDraft}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	if t.state == "" {
		return StateDraft
	}
	return t.state
}

// Transition moves the task to a new state, rejecting anything the lifecycle
// does not allow.
func (t *Task) Transition(to State) error {
	from := t.State()
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("payment: invalid transition from %s to %s", from, to)
	}
	t.state = to
	return nil
}

// Validate checks the action's required fields before any work starts.
func (t *Task) Validate() error {
	switch t.Action {
	case ActionIncoming:
		if t.MessageID == "" || t.TxHash == "" {
			return fmt.Errorf("%w: INCOMING needs a message id and tx hash", ErrInvalidTask)
		}
	case ActionOutgoing:
		if t.Peer == "" || t.To == "" || !positive(t.Value) {
			return fmt.Errorf("%w: OUTGOING needs a peer, destination, and positive value", ErrInvalidTask)
		}
	case ActionOutgoingResend:
		if t.Peer == "" || t.To == "" || !positive(t.Value) || t.MessageID == "" {
			return fmt.Errorf("%w: OUTGOING_RESEND needs a peer, destination, positive value, and message id", ErrInvalidTask)
		}
	case ActionOutgoingExternal:
		if t.To == "" || !positive(t.Value) {
			return fmt.Errorf("%w: OUTGOING_EXTERNAL needs a destination and positive value", ErrInvalidTask)
		}
		// An external transfer has no counterparty on the chat network.
		t.Peer = ""
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidTask, t.Action)
	}
	return nil
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
