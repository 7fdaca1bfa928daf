// Package broadcast pushes engine events to connected clients over
// Server-Sent Events. SSE keeps the transport dependency-free while the
// frontend still gets live campaign progress.
package broadcast

// Event names pushed over the stream.
const (
	EventSessionsUpdate   = "sessions-update"
	EventCampaignProgress = "campaign-progress"
	EventCampaignAlert    = "campaign-alert"
	EventNotification     = "notification"
)

// Broadcaster delivers one event to one user's connected clients.
// Emits are fire-and-forget; a user with no clients drops the event.
type Broadcaster interface {
	Emit(userID, event string, data interface{})
}

// Nop discards every event. Tests and CLI runs use it.
type Nop struct{}

func (Nop) Emit(string, string, interface{}) {}
