// Package mock provides a scripted Messenger for tests and local runs.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/muhamadaguss/whatsapp-api-sub002/internal/messenger"
)

// Call records one Send invocation.
type Call struct {
	SessionID string
	Phone     string
	Text      string
}

// Messenger is a scripted in-memory transport. Results are consumed in
// order per phone; once the script runs out, sends succeed.
type Messenger struct {
	mu      sync.Mutex
	calls   []Call
	scripts map[string][]messenger.SendResult // keyed by phone
	invalid map[string]bool                   // phones that fail Lookup
	lookupE map[string]error                  // phones whose Lookup errors
	subs    map[string][]func(messenger.ConnectionEvent)
	nextID  int
}

// New creates an empty mock where every send succeeds.
func New() *Messenger {
	return &Messenger{
		scripts: make(map[string][]messenger.SendResult),
		invalid: make(map[string]bool),
		lookupE: make(map[string]error),
		subs:    make(map[string][]func(messenger.ConnectionEvent)),
	}
}

// Script queues results for a phone, consumed one per Send.
func (m *Messenger) Script(phone string, results ...messenger.SendResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[phone] = append(m.scripts[phone], results...)
}

// MarkInvalid makes Lookup report the phone as absent from the network.
func (m *Messenger) MarkInvalid(phone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[phone] = true
}

// FailLookup makes Lookup return err for the phone.
func (m *Messenger) FailLookup(phone string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookupE[phone] = err
}

// Send records the call and pops the next scripted result.
func (m *Messenger) Send(_ context.Context, sessionID, phone, text string) (messenger.SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{SessionID: sessionID, Phone: phone, Text: text})

	if script := m.scripts[phone]; len(script) > 0 {
		res := script[0]
		m.scripts[phone] = script[1:]
		return res, nil
	}

	// deterministic IDs keep test assertions simple
	m.nextID++
	return messenger.SendResult{OK: true, MessageID: fmt.Sprintf("mock-msg-%d", m.nextID)}, nil
}

// Lookup reports scripted validity; unknown phones exist.
func (m *Messenger) Lookup(_ context.Context, _ string, phone string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lookupE[phone]; err != nil {
		return false, err
	}
	return !m.invalid[phone], nil
}

// Subscribe registers a connectivity watcher.
func (m *Messenger) Subscribe(sessionID string, onEvent func(messenger.ConnectionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sessionID] = append(m.subs[sessionID], onEvent)
}

// FireConnection delivers a connectivity event to subscribers.
func (m *Messenger) FireConnection(sessionID string, connected bool) {
	m.mu.Lock()
	subs := append([]func(messenger.ConnectionEvent){}, m.subs[sessionID]...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(messenger.ConnectionEvent{SessionID: sessionID, Connected: connected})
	}
}

// Calls returns a copy of the recorded send calls.
func (m *Messenger) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call{}, m.calls...)
}

// SentTexts returns just the texts, in call order.
func (m *Messenger) SentTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	texts := make([]string, len(m.calls))
	for i, c := range m.calls {
		texts[i] = c.Text
	}
	return texts
}
