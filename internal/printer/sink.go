// Package printer defines the Sink abstraction over the physical printer and
// the raw-TCP implementation used by label printers listening on port 9100.
//
// The payload is opaque ZPL: it is written to the printer verbatim, never
// parsed or validated. Failures are split into two classes the dispatcher
// treats differently — ErrTransport (the printer was unreachable or the
// write failed; worth retrying) and ErrRejected (the payload itself is
// unacceptable; retrying cannot help).
package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

var (
	// ErrTransport marks a transient delivery failure (printer offline,
	// connection refused, write timeout). Retryable.
	ErrTransport = errors.New("printer: transport failure")

	// ErrRejected marks a payload the sink will never accept. Not retryable.
	ErrRejected = errors.New("printer: payload rejected")
)

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}

// Sink accepts one raw payload per call and reports success or failure.
// Submit must respect ctx: a hung printer call is abandoned when the
// deadline passes and reported as a transport failure.
type Sink interface {
	Submit(ctx context.Context, payload []byte) error
}

// TCPSink writes payloads to a printer's raw TCP port (conventionally 9100).
// It opens a fresh connection per submission: label printers routinely drop
// idle connections, and a stale pooled connection surfaces as a mid-job
// write error instead of a clean dial failure.
type TCPSink struct {
	addr        string
	dialTimeout time.Duration
}

// NewTCPSink creates a sink for the printer at addr ("host:port").
func NewTCPSink(addr string, dialTimeout time.Duration) *TCPSink {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &TCPSink{addr: addr, dialTimeout: dialTimeout}
}

// Addr returns the configured printer address.
func (s *TCPSink) Addr() string { return s.addr }

// Submit connects to the printer and writes payload in full.
func (s *TCPSink) Submit(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrRejected)
	}

	d := net.Dialer{Timeout: s.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrTransport, s.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
		}
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write to %s: %v", ErrTransport, s.addr, err)
	}
	return nil
}
