package models

import "time"

// MessageStatus tracks delivery progress for self-authored messages.
// Inbound messages carry no meaningful status until the sender's own
// copy receives a receipt.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
	StatusFailed    MessageStatus = "failed"
)

// Message is one entry in a conversation. ID is the durable server id,
// assigned once. TempID is the client-generated correlation id that
// matches a pending optimistic entry to the server echo.
type Message struct {
	ID        int64         `json:"id,omitempty"`
	TempID    int64         `json:"tempId,omitempty"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Body      string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
	Status    MessageStatus `json:"status,omitempty"`
}

// Pending reports whether the message is an optimistic echo still
// waiting for its server id.
func (m *Message) Pending() bool {
	return m.ID == 0 && m.TempID != 0
}

// ChatSummary is one row of the conversation list. The poller replaces
// the whole list on every tick, so summaries are never merged.
type ChatSummary struct {
	Peer          string    `json:"username"`
	LastMessage   string    `json:"last_message"`
	LastTimestamp time.Time `json:"last_timestamp"`
	UnreadCount   int       `json:"unread_count"`
}

// Profile is the mutable user profile exposed by the backend.
type Profile struct {
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Bio       string `json:"bio,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// Credentials is the locally persisted session state: the token pair
// and the last-known username. Nothing else survives a restart.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Username     string
}
