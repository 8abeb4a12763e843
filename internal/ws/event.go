package ws

// Frame type tags. An absent Type means a chat message.
const (
	EventTyping       = "typing"
	EventStopTyping   = "stop_typing"
	EventUserActive   = "user_active"
	EventReadMessages = "read_messages"
	EventReadReceipt  = "read_receipt"
)

// Event is one inbound frame, discriminated by the optional Type tag.
// Fields are a union over all frame shapes; only the ones for the
// frame's type are populated.
type Event struct {
	Type string `json:"type,omitempty"`

	// Chat message fields.
	ID        int64  `json:"id,omitempty"`
	TempID    int64  `json:"tempId,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Receiver  string `json:"receiver,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Status    string `json:"status,omitempty"`

	// Presence fields. Typing is a pointer because some backend
	// versions omit it on typing/stop_typing frames, where the type
	// tag alone carries the meaning.
	Username string `json:"username,omitempty"`
	Typing   *bool  `json:"typing,omitempty"`
	Active   bool   `json:"active,omitempty"`

	// Receipt fields. The backend sends either an id list or the
	// reader's identity depending on its version; both are supported.
	IDs    []int64 `json:"ids,omitempty"`
	Reader string  `json:"reader,omitempty"`
}

// outboundMessage is the wire shape of an outgoing chat message. The
// server fills in sender, receiver, id and timestamp on the echo.
type outboundMessage struct {
	Message string `json:"message"`
	TempID  int64  `json:"tempId"`
}

// outboundReceipts acknowledges a batch of read message ids.
type outboundReceipts struct {
	Type string  `json:"type"`
	IDs  []int64 `json:"ids"`
}

// outboundTyping is a typing or stop_typing signal. The server
// attributes it, so no username is sent.
type outboundTyping struct {
	Type string `json:"type"`
}
