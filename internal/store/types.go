package store

// SendState is the delivery state of a chat message.
type SendState string

const (
	StatePending  SendState = "pending"
	StateSent     SendState = "sent"
	StateFailed   SendState = "failed"
	StateReceived SendState = "received"
)

// Peer is a remote chat participant. OwnerAddress is the conversation key;
// PaymentAddress is the transfer destination advertised via Init.
type Peer struct {
	OwnerAddress   string
	PaymentAddress string
	Name           string
	Avatar         []byte
}

// ChatMessage is one entry in a conversation. Payload holds the full
// SOFA-encoded body including its type header. Seq is the monotonic
// per-conversation position assigned at append and never changed.
type ChatMessage struct {
	ID              string
	ConversationKey string
	TransportID     string
	SentByLocal     bool
	Visible         bool
	Timestamp       int64
	Seq             int64
	Payload         []byte
	SendState       SendState
	AttachedTxID    string
}

// Conversation is a peer plus its ordered message log.
type Conversation struct {
	Peer     Peer
	Messages []ChatMessage
}

// TxStatus mirrors the on-chain lifecycle of a pending transaction.
type TxStatus string

const (
	TxUnconfirmed TxStatus = "unconfirmed"
	TxConfirmed   TxStatus = "confirmed"
	TxFailed      TxStatus = "failed"
)

// PendingTransaction links an in-flight on-chain transaction to the chat
// message that announced it. Keyed by ChatMessageID; the message is resolved
// through the conversation store, never held directly.
type PendingTransaction struct {
	ChatMessageID string
	TxHash        string
	Status        TxStatus
}
