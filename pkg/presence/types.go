// Package presence contains the public domain models, interfaces, and error
// taxonomy for the presence-and-delivery service. It defines the contract for
// interacting with the service core.
package presence

import "time"

// Status is a user's live online/offline state.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Record is the shared per-user presence record kept in the arbitration store.
// Absence of a record, or TTL expiry, implies OFFLINE on the next read; no
// active sweep runs.
type Record struct {
	UserID           string    `json:"userId"`
	Status           Status    `json:"status"`
	LastSeen         time.Time `json:"lastSeen"`
	LastHeartbeat    time.Time `json:"lastHeartbeat"`
	Source           string    `json:"source"`
	OriginInstanceID string    `json:"originInstanceId"`
}

// Event is a presence change propagated across instances via the event bus.
// Every event carries the id of the instance that originated it so a
// subscriber can suppress re-broadcasting its own events.
type Event struct {
	UserID           string            `json:"userId"`
	Status           Status            `json:"status"`
	LastSeen         time.Time         `json:"lastSeen"`
	Source           string            `json:"source"`
	OriginInstanceID string            `json:"originInstanceId"`
	Meta             map[string]string `json:"meta,omitempty"`
}

// LeaseRecord describes the current holder of a named leadership channel.
type LeaseRecord struct {
	Channel    string            `json:"channel"`
	InstanceID string            `json:"instanceId"`
	TabID      string            `json:"tabId,omitempty"`
	AcquiredAt time.Time         `json:"acquiredAt"`
	ExpiresAt  time.Time         `json:"expiresAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LeaseRequest carries the caller's identity and lease parameters for a claim.
type LeaseRequest struct {
	InstanceID string            `json:"instanceId"`
	TabID      string            `json:"tabId,omitempty"`
	TTL        time.Duration     `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// LeaseStatus is the observability view of a leadership channel: the live
// holder (nil when vacant) and a bounded history of past claims.
type LeaseStatus struct {
	Channel string         `json:"channel"`
	Leader  *LeaseRecord   `json:"leader,omitempty"`
	History []ClaimHistory `json:"history,omitempty"`
}

// ClaimHistory is one entry in a channel's claim log.
type ClaimHistory struct {
	InstanceID string    `json:"instanceId"`
	ClaimedAt  time.Time `json:"claimedAt"`
}

// DeliveryState tracks a pending message through its single transition from
// SENDING to either CONFIRMED or FAILED.
type DeliveryState string

const (
	DeliverySending   DeliveryState = "SENDING"
	DeliveryConfirmed DeliveryState = "CONFIRMED"
	DeliveryFailed    DeliveryState = "FAILED"
)

// PendingMessage is the ephemeral, optimistically delivered form of a message,
// correlated to its eventual durable copy by TempID.
type PendingMessage struct {
	TempID     string        `json:"tempId"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	State      DeliveryState `json:"state"`
	SentAt     time.Time     `json:"sentAt"`
}

// PersistedMessage is what the durable persistence collaborator returns for a
// successfully stored message.
type PersistedMessage struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// Outcome resolves a pending message exactly once.
type Outcome struct {
	TempID    string
	State     DeliveryState
	MessageID string
	Timestamp time.Time
	Err       error
}

// Receipt is the typed two-phase result of a send: the message was accepted
// (and possibly delivered optimistically) under TempID, and Outcome resolves
// to CONFIRMED or FAILED once persistence completes.
type Receipt struct {
	TempID  string
	Outcome <-chan Outcome
}

// LoadClass is the coarse load classification fed into admission-control and
// fan-out decisions.
type LoadClass string

const (
	LoadNormal LoadClass = "normal"
	LoadHigh   LoadClass = "high"
)
