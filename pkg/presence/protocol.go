package presence

import "encoding/json"

// Frame is one event on the bidirectional connection protocol and on the
// server-sent event stream.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame. Marshal errors are returned so callers
// can decide whether the frame is droppable.
func NewFrame(event string, data any) (Frame, error) {
	if data == nil {
		return Frame{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// Client-originated protocol events.
const (
	EventAuthenticate = "authenticate"
	EventSendMessage  = "send_message"
	EventHeartbeat    = "heartbeat"
	EventTyping       = "typing"
	EventSignal       = "signal"
)

// Server-originated protocol events.
const (
	EventAuthOK             = "auth_ok"
	EventAuthError          = "auth_error"
	EventMessageNew         = "message_new"
	EventMessageConfirmed   = "message_confirmed"
	EventMessageFailed      = "message_failed"
	EventMessageSentUpdate  = "message_sent_update"
	EventMessageRateLimited = "message_rate_limited"
	EventPresenceUpdate     = "presence_update"
	EventSnapshot           = "snapshot"
)
