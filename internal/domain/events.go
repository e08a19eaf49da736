package domain

import "time"

type EventType string

const (
	// orders_topic, outbound
	EventOrderCreated      EventType = "order.created"
	EventOfferOpened       EventType = "offer.opened"
	EventOrderAssigned     EventType = "order.assigned"
	EventOrderUnassignable EventType = "order.unassignable"
	EventOrderCancelled    EventType = "order.cancelled"
	EventOrderUpdated      EventType = "order.updated"

	// orders_topic, inbound commands
	EventFarmerAccept EventType = "farmer.accept"
	EventFarmerReject EventType = "farmer.reject"
	EventOrderCancel  EventType = "order.cancel"

	// user_events
	EventUserLogin     EventType = "user.login"
	EventUserLogout    EventType = "user.logout"
	EventUserHeartbeat EventType = "user.heartbeat"
	EventFarmerBusy    EventType = "user.busy"
	EventFarmerFree    EventType = "user.free"

	// auth_events
	EventSessionExpired EventType = "session.expired"
)

// Envelope is the bus message shape shared by all topics.
type Envelope struct {
	EventID   string         `json:"event_id"`
	Type      EventType      `json:"event_type"`
	SubjectID string         `json:"subject_id"` // order id or farmer id
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (e *Envelope) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

func (e *Envelope) PayloadInt(key string) int {
	if e.Payload == nil {
		return 0
	}
	// JSON numbers decode as float64
	if f, ok := e.Payload[key].(float64); ok {
		return int(f)
	}
	n, _ := e.Payload[key].(int)
	return n
}

// StateChange is the record the state machine emits on every successful
// transition; the publisher translates it to bus messages.
type StateChange struct {
	OrderID    string
	From       OrderState
	To         OrderState
	FarmerID   string // set on ASSIGNED
	AttemptSeq int
	Reason     string // set on CANCELLED
	At         time.Time
}
