// Package messenger defines the outbound WhatsApp transport capability the
// engine consumes. The engine never touches the wire protocol; a concrete
// client (or the scripted mock) satisfies this interface.
package messenger

import "context"

// SendResult is the outcome of a single send attempt.
type SendResult struct {
	OK        bool
	MessageID string
	Permanent bool // number not on the network, blocked, forbidden
	Err       error
}

// ConnectionEvent signals session connectivity changes.
type ConnectionEvent struct {
	SessionID string
	Connected bool
}

// Messenger is the transport capability: send one message, look up whether
// a number exists on the network, and watch session connectivity.
// Implementations must tolerate concurrent calls across sessions; the engine
// serializes calls within a session.
type Messenger interface {
	// Send delivers text to phone over the given session. Transport-level
	// failures are reported through SendResult, not the error return; only
	// a broken capability (nil client, closed session pool) returns an error.
	Send(ctx context.Context, sessionID, phone, text string) (SendResult, error)

	// Lookup reports whether the phone number exists on the network.
	Lookup(ctx context.Context, sessionID, phone string) (bool, error)

	// Subscribe registers a connectivity watcher for the session. The
	// callback runs on the messenger's goroutine; keep it short.
	Subscribe(sessionID string, onEvent func(ConnectionEvent))
}
