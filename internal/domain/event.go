package domain

import (
	"encoding/json"
	"time"
)

// EventType names the envelope kinds sent to live viewers.
type EventType string

// Event types.
const (
	EventLog    EventType = "log"
	EventStatus EventType = "status"
	EventState  EventType = "state"
	EventQR     EventType = "qr"
	EventPing   EventType = "ping"
)

// Event is the envelope published on the bus and forwarded verbatim to
// stream clients.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// Marshal encodes the envelope as JSON.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// StatusPayload accompanies a stage transition.
type StatusPayload struct {
	ServerID     string    `json:"serverId"`
	DeploymentID string    `json:"deploymentId"`
	Stage        Stage     `json:"stage"`
	Status       string    `json:"status"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LogPayload carries one log entry for a deployment.
type LogPayload struct {
	ServerID     string `json:"serverId"`
	DeploymentID string `json:"deploymentId"`
	LogEntry
}

// Signal kinds carried by qr events.
const (
	SignalQR      = "qr"
	SignalPairing = "pairing"
)

// QRPayload carries a pairing or QR authentication signal detected in output.
type QRPayload struct {
	ServerID     string    `json:"serverId"`
	DeploymentID string    `json:"deploymentId"`
	Kind         string    `json:"kind"`
	Data         string    `json:"data"`
	Stream       Stream    `json:"stream"`
	LogID        int64     `json:"logId"`
	Timestamp    time.Time `json:"timestamp"`
}

// PingPayload is the heartbeat body.
type PingPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// NewPing builds a heartbeat envelope.
func NewPing(now time.Time) Event {
	return Event{Type: EventPing, Payload: PingPayload{Timestamp: now.UTC()}}
}
