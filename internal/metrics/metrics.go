// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for the relayprint agent. It deliberately avoids the
// prometheus/client_golang package so the agent binary stays small with no
// additional dependencies.
//
// Most counters are plain atomic integers: an agent drives one printer over
// one stream, so there is nothing to label. The exceptions are failure and
// nack counters, which are keyed by reason so operators can tell a printer
// outage apart from a flood of duplicates.
//
// Calling Registry.Handler() returns an http.Handler that renders all
// counters in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── counter types ────────────────────────────────────────────────────────────

// Counter is a single monotonically increasing value.
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.v.Load() }

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all relayprint agent metrics.
type Registry struct {
	// Event pipeline.
	EventsReceived Counter // print events read off the stream
	Deduplicated   Counter // events suppressed by the dedup ledger
	Enqueued       Counter // jobs admitted to the queue

	// Delivery outcomes.
	Printed     Counter      // jobs delivered to the printer
	Retries     Counter      // sink submissions retried after transient failure
	Failed      labelCounter // jobs that reached a terminal failure, by reason
	Nacked      labelCounter // inbound events refused, by reason
	AcksSent    Counter      // acknowledgments written to the stream
	AcksFlushed Counter      // buffered acks replayed on (re)connect

	// Connection lifecycle.
	Reconnects Counter // completed reconnect cycles

	// QueueDepth, when set, is sampled at scrape time.
	QueueDepth func() int
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		writeCounter(&b, "relayprint_events_received_total",
			"Total print events received from the server", r.EventsReceived.Value())
		writeCounter(&b, "relayprint_events_deduplicated_total",
			"Total print events suppressed as duplicates", r.Deduplicated.Value())
		writeCounter(&b, "relayprint_jobs_enqueued_total",
			"Total jobs admitted to the queue", r.Enqueued.Value())
		writeCounter(&b, "relayprint_jobs_printed_total",
			"Total jobs delivered to the printer", r.Printed.Value())
		writeCounter(&b, "relayprint_submit_retries_total",
			"Total printer submissions retried after transient failure", r.Retries.Value())
		writeCounter(&b, "relayprint_acks_sent_total",
			"Total acknowledgments sent to the server", r.AcksSent.Value())
		writeCounter(&b, "relayprint_acks_flushed_total",
			"Total buffered acknowledgments replayed after reconnect", r.AcksFlushed.Value())
		writeCounter(&b, "relayprint_stream_reconnects_total",
			"Total completed stream reconnect cycles", r.Reconnects.Value())

		writeLabeled(&b, "relayprint_jobs_failed_total",
			"Total jobs that reached a terminal failure, by reason", &r.Failed)
		writeLabeled(&b, "relayprint_events_nacked_total",
			"Total inbound events refused, by reason", &r.Nacked)

		if r.QueueDepth != nil {
			fmt.Fprintf(&b, "# HELP relayprint_queue_depth Jobs currently waiting in the queue\n")
			fmt.Fprintf(&b, "# TYPE relayprint_queue_depth gauge\n")
			fmt.Fprintf(&b, "relayprint_queue_depth %d\n", r.QueueDepth())
		}

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeCounter writes one unlabeled counter family. Zero-valued counters are
// skipped so a fresh agent scrapes close to empty.
func writeCounter(b *strings.Builder, name, help string, val int64) {
	if val == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, val)
}

// writeLabeled writes one reason-labeled counter family.
func writeLabeled(b *strings.Builder, name, help string, lc *labelCounter) {
	var lines []string
	lc.Each(func(reason string, val int64) {
		lines = append(lines, fmt.Sprintf("%s{reason=%q} %d\n", name, reason, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	for _, l := range lines {
		b.WriteString(l)
	}
}
