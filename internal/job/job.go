// Package job contains the core domain types shared across all relayprint
// internal packages. It deliberately imports no other relayprint packages so
// that the queue, dispatcher, and stream layers can all depend on it without
// creating import cycles.
package job

import "time"

// Status is the terminal outcome of a print job.
type Status uint8

const (
	// StatusPrinted means the printer sink confirmed the payload was written.
	StatusPrinted Status = iota
	// StatusFailed means delivery failed permanently: either the sink rejected
	// the payload outright or the transient retry budget was exhausted.
	StatusFailed
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPrinted:
		return "printed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job is one unit of print work derived from a single inbound print event.
//
// Design rules:
//   - ID is assigned by the server and is the idempotency key for the whole
//     pipeline. It is never rewritten locally.
//   - Seq is a local, monotonically increasing creation sequence assigned by
//     the stream client at enqueue time. Acks are emitted in Seq order even
//     when retried jobs finish out of order.
//   - Payload is opaque ZPL bytes and is forwarded to the sink verbatim.
//   - Ownership: the queue owns a Job until Dequeue hands it to the
//     dispatcher for the duration of one delivery attempt. Only the
//     dispatcher increments Attempts.
type Job struct {
	ID         string
	Payload    []byte
	ReceivedAt time.Time
	Seq        uint64
	Attempts   int
}

// Outcome is the terminal result of a Job, reported back to the server as an
// ack. Exactly one Outcome is produced per Job.
type Outcome struct {
	ID     string
	Seq    uint64
	Status Status
	// Reason is set only when Status == StatusFailed.
	Reason string
}
