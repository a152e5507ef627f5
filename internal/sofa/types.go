package sofa

import "encoding/json"

// Type identifies a SOFA payload kind as carried in the wire header.
type Type string

const (
	TypeMessage        Type = "Message"
	TypeCommand        Type = "Command"
	TypeInit           Type = "Init"
	TypeInitRequest    Type = "InitRequest"
	TypePaymentRequest Type = "PaymentRequest"
	TypePayment        Type = "Payment"
)

// Payload is any value that can travel inside a SOFA envelope.
type Payload interface {
	SofaType() Type
}

// ControlType distinguishes inline buttons from button groups.
type ControlType string

const (
	ControlButton ControlType = "button"
	ControlGroup  ControlType = "group"
)

// Control is an inline interactive element attached to a Message.
// Groups nest buttons; nesting depth is at most two.
type Control struct {
	Type     ControlType `json:"type"`
	Label    string      `json:"label"`
	Value    string      `json:"value,omitempty"`
	Children []Control   `json:"controls,omitempty"`
}

// Message is freeform text plus optional inline controls.
type Message struct {
	Body     string    `json:"body"`
	Controls []Control `json:"controls,omitempty"`
}

func (Message) SofaType() Type { return TypeMessage }

// Command is the reply produced when a control is activated.
type Command struct {
	Body  string `json:"body"`
	Value string `json:"value"`
}

func (Command) SofaType() Type { return TypeCommand }

// Init is the handshake reply advertising our payment address.
type Init struct {
	PaymentAddress string `json:"paymentAddress,omitempty"`
	Language       string `json:"language,omitempty"`
}

func (Init) SofaType() Type { return TypeInit }

// InitRequest asks a peer which fields it may have.
type InitRequest struct {
	Values []string `json:"values"`
}

func (InitRequest) SofaType() Type { return TypeInitRequest }

// RequestState tracks the local decision on a payment request.
type RequestState int

const (
	RequestNone RequestState = iota
	RequestAccepted
	RequestRejected
)

// PaymentRequest is an in-band bill. Value is a decimal wei string.
type PaymentRequest struct {
	DestinationAddress string       `json:"destinationAddress"`
	Value              string       `json:"value"`
	State              RequestState `json:"state"`
}

func (PaymentRequest) SofaType() Type { return TypePaymentRequest }

// TxStatus is the on-chain status carried by a Payment payload.
type TxStatus string

const (
	TxUnconfirmed TxStatus = "unconfirmed"
	TxConfirmed   TxStatus = "confirmed"
	TxFailed      TxStatus = "failed"
)

// Payment notifies the peer of an on-chain transfer. Value is a decimal
// wei string; addresses are 0x-prefixed lowercase hex.
type Payment struct {
	Value       string   `json:"value"`
	FromAddress string   `json:"fromAddress"`
	ToAddress   string   `json:"toAddress"`
	TxHash      string   `json:"txHash,omitempty"`
	Status      TxStatus `json:"status"`
}

func (Payment) SofaType() Type { return TypePayment }

// Opaque preserves a payload whose type this build does not know.
// It re-encodes byte-identically so newer types survive a round trip.
type Opaque struct {
	Type Type
	Body json.RawMessage
}

func (o Opaque) SofaType() Type { return o.Type }
