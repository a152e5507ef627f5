// Package sofa implements the tagged in-band message grammar carried over
// the encrypted chat transport. A payload is the ASCII header "SOFA::<Type>:"
// immediately followed by a JSON object body.
package sofa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const headerPrefix = "SOFA::"

// ErrMalformedPayload is returned when a payload has an invalid header or a
// structurally broken body. Callers log and drop; it never crosses the decoder.
var ErrMalformedPayload = errors.New("sofa: malformed payload")

// Encode serializes a payload into its wire form.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrMalformedPayload)
	}
	var body []byte
	if o, ok := p.(Opaque); ok {
		if !json.Valid(o.Body) {
			return nil, fmt.Errorf("%w: opaque body is not valid JSON", ErrMalformedPayload)
		}
		body = o.Body
	} else {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", p.SofaType(), err)
		}
		body = b
	}
	out := make([]byte, 0, len(headerPrefix)+len(p.SofaType())+1+len(body))
	out = append(out, headerPrefix...)
	out = append(out, p.SofaType()...)
	out = append(out, ':')
	out = append(out, body...)
	return out, nil
}

// PeekType reads only the header and returns the payload type.
func PeekType(raw []byte) (Type, error) {
	typ, _, err := splitHeader(raw)
	return typ, err
}

// Decode parses a wire payload into its typed form. Unknown types decode to
// Opaque and survive re-encoding byte for byte.
func Decode(raw []byte) (Payload, error) {
	typ, body, err := splitHeader(raw)
	if err != nil {
		return nil, err
	}
	switch typ {
	case TypeMessage:
		return decodeBody[Message](typ, body)
	case TypeCommand:
		return decodeBody[Command](typ, body)
	case TypeInit:
		return decodeBody[Init](typ, body)
	case TypeInitRequest:
		return decodeBody[InitRequest](typ, body)
	case TypePaymentRequest:
		return decodeBody[PaymentRequest](typ, body)
	case TypePayment:
		return decodeBody[Payment](typ, body)
	default:
		if !json.Valid(body) {
			return nil, fmt.Errorf("%w: %s body is not valid JSON", ErrMalformedPayload, typ)
		}
		return Opaque{Type: typ, Body: append(json.RawMessage(nil), body...)}, nil
	}
}

func decodeBody[T Payload](typ Type, body []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedPayload, typ, err)
	}
	return v, nil
}

func splitHeader(raw []byte) (Type, []byte, error) {
	if !bytes.HasPrefix(raw, []byte(headerPrefix)) {
		return "", nil, fmt.Errorf("%w: missing SOFA header", ErrMalformedPayload)
	}
	rest := raw[len(headerPrefix):]
	sep := bytes.IndexByte(rest, ':')
	if sep <= 0 {
		return "", nil, fmt.Errorf("%w: missing type separator", ErrMalformedPayload)
	}
	typ := Type(rest[:sep])
	return typ, rest[sep+1:], nil
}
