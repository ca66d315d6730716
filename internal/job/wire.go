package job

import "encoding/base64"

// EventType identifies a websocket frame exchanged with the print server.
type EventType string

const (
	// Server → agent.
	EventPrint      EventType = "print"
	EventRegistered EventType = "registered"
	EventPing       EventType = "ping"

	// Agent → server.
	EventRegister       EventType = "register"
	EventPong           EventType = "pong"
	EventAck            EventType = "ack"
	EventNack           EventType = "nack"
	EventRequestMissing EventType = "request_missing"
)

// Frame is the single JSON message shape used in both directions on the
// event stream. Fields not relevant to a given Type are omitted.
//
//	server → agent:  {"type":"print","id":"...","payload":"<base64>"}
//	agent → server:  {"type":"ack","id":"...","status":"printed"}
//	agent → server:  {"type":"nack","id":"...","reason":"queue_full"}
type Frame struct {
	Type    EventType `json:"type"`
	ID      string    `json:"id,omitempty"`
	Payload string    `json:"payload,omitempty"` // base64
	AgentID string    `json:"agent_id,omitempty"`
	Status  string    `json:"status,omitempty"` // "printed" | "failed"
	Reason  string    `json:"reason,omitempty"`
}

// DecodePayload returns the raw payload bytes of a print frame.
// Payloads are base64 on the wire; a payload that fails base64 decoding is
// treated as raw UTF-8 bytes so that plain-text ZPL senders still work.
func (f *Frame) DecodePayload() []byte {
	b, err := base64.StdEncoding.DecodeString(f.Payload)
	if err != nil {
		return []byte(f.Payload)
	}
	return b
}

// AckFrame builds the outbound ack frame for a terminal outcome.
func AckFrame(o Outcome) Frame {
	return Frame{
		Type:   EventAck,
		ID:     o.ID,
		Status: o.Status.String(),
		Reason: o.Reason,
	}
}

// NackFrame builds the outbound rejection frame for an event that was
// declined before it became a Job.
func NackFrame(id, reason string) Frame {
	return Frame{Type: EventNack, ID: id, Reason: reason}
}
