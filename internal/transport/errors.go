package transport

import "errors"

var (
	// ErrTransient marks a failure worth retrying with backoff: network
	// trouble or a 5xx from the chat service.
	ErrTransient = errors.New("transport: transient failure")

	// ErrSessionBroken means the encrypted session with a peer is out of
	// step. The caller must reset the session before retrying.
	ErrSessionBroken = errors.New("transport: session broken")

	// ErrPushUnavailable means no push token could be registered. Non-fatal;
	// delivery degrades to the long-lived socket.
	ErrPushUnavailable = errors.New("transport: push unavailable")
)
