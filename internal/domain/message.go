package domain

import "time"

// MessageStatus enumerates the lifecycle of a single recipient row.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageSent       MessageStatus = "sent"
	MessageFailed     MessageStatus = "failed"
	MessageSkipped    MessageStatus = "skipped"
)

// Message is one recipient's row within a campaign. Index is unique within
// the campaign (0..total-1) and fixes the nominal send order.
type Message struct {
	ID           int64             `json:"id" db:"id"`
	CampaignID   string            `json:"campaign_id" db:"campaign_id"`
	Index        int               `json:"index" db:"idx"`
	Phone        string            `json:"phone" db:"phone"`
	ContactName  string            `json:"contact_name" db:"contact_name"`
	Variables    map[string]string `json:"variables" db:"variables"`
	RenderedText string            `json:"rendered_text" db:"rendered_text"`

	Status      MessageStatus `json:"status" db:"status"`
	Attempts    int           `json:"attempts" db:"attempts"`
	MaxAttempts int           `json:"max_attempts" db:"max_attempts"`
	MessengerID string        `json:"messenger_message_id" db:"messenger_message_id"`
	LastError   string        `json:"last_error" db:"last_error"`

	ProcessingStartedAt *time.Time `json:"processing_started_at" db:"processing_started_at"`
	SentAt              *time.Time `json:"sent_at" db:"sent_at"`
	FailedAt            *time.Time `json:"failed_at" db:"failed_at"`
	ScheduledAt         *time.Time `json:"scheduled_at" db:"scheduled_at"`
}

// RenderVars is the variable map handed to the template renderer: the
// upload's variables plus the built-in name and phone bindings.
func (m *Message) RenderVars() map[string]string {
	vars := make(map[string]string, len(m.Variables)+2)
	for k, v := range m.Variables {
		vars[k] = v
	}
	if _, ok := vars["name"]; !ok {
		vars["name"] = m.ContactName
	}
	if _, ok := vars["phone"]; !ok {
		vars["phone"] = m.Phone
	}
	return vars
}

// RetryEligible reports whether a failed message may be attempted again.
func (m *Message) RetryEligible() bool {
	return m.Status == MessageFailed && m.Attempts < m.MaxAttempts
}

// QueueStats summarizes per-status message counts for a campaign.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Contact is one entry of the upload that seeds a campaign.
type Contact struct {
	Phone     string            `json:"phone"`
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables"`
}
