// Package stream maintains the agent's persistent websocket connection to
// the print server.
//
// One Client owns the connection and all event translation. Inbound print
// events are checked against the dedup ledger and admitted to the job queue;
// terminal outcomes coming back from the dispatcher are acknowledged to the
// server in job creation order, buffered across disconnects so no ack is
// ever dropped.
//
// The connection lifecycle is an explicit state machine:
//
//	Disconnected → Connecting → Connected → Reconnecting → Connected → …
//
// Reconnection uses exponential backoff with jitter and retries forever;
// losing the server is an operational condition, never a process failure.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/relayprint/relayprint/internal/backoff"
	"github.com/relayprint/relayprint/internal/dedup"
	"github.com/relayprint/relayprint/internal/history"
	"github.com/relayprint/relayprint/internal/job"
	"github.com/relayprint/relayprint/internal/metrics"
	"github.com/relayprint/relayprint/internal/queue"
)

// ─── connection state ─────────────────────────────────────────────────────────

// ConnState is the lifecycle state of the stream connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Nack reasons for events refused before they become jobs.
const (
	ReasonInvalidID = "invalid_id"
	ReasonQueueFull = "queue_full"
)

var errNotConnected = errors.New("stream: not connected")

// ─── Options / Client ─────────────────────────────────────────────────────────

// Options configures a Client.
type Options struct {
	URL     string
	APIKey  string
	AgentID string

	Queue   *queue.Queue
	Ledger  *dedup.Ledger
	History *history.Store
	Metrics *metrics.Registry
	Logger  *slog.Logger

	// Outcomes delivers terminal job outcomes from the dispatcher.
	Outcomes <-chan job.Outcome

	Backoff                 backoff.Strategy
	WriteTimeout            time.Duration
	FlushAcksOnReconnect    bool
	RequestMissingOnConnect bool
}

// Client is the event-stream client. Create with New, drive with Run.
type Client struct {
	opts Options
	log  *slog.Logger

	// nextAssign is the next creation sequence number handed to an admitted
	// job. Touched only by the read loop, so no atomics needed.
	nextAssign uint64

	mu            sync.Mutex // guards conn, state, connectedAt, ackBuf
	conn          *gorillaws.Conn
	state         ConnState
	connectedAt   time.Time
	everConnected bool
	ackBuf        []job.Frame // in creation order, oldest first

	// flushMu serializes flushAcks so the connect path and the outcome
	// sequencer never drain the buffer concurrently.
	flushMu sync.Mutex
}

// New returns a Client. Incomplete wiring in Options panics at startup.
func New(opts Options) *Client {
	if opts.URL == "" || opts.Queue == nil || opts.Ledger == nil || opts.Outcomes == nil {
		panic("stream: URL, Queue, Ledger, and Outcomes are required")
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewExponentialWithJitter(time.Second, time.Minute)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = &metrics.Registry{}
	}
	return &Client{
		opts:       opts,
		log:        opts.Logger.With("component", "stream"),
		nextAssign: 1,
		state:      StateDisconnected,
	}
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectedSince returns when the current connection was established, or the
// zero time when not connected.
func (c *Client) ConnectedSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return time.Time{}
	}
	return c.connectedAt
}

// PendingAcks returns the number of acks buffered for delivery.
func (c *Client) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ackBuf)
}

// ─── run loop ─────────────────────────────────────────────────────────────────

// Run drives the connection until ctx is cancelled. It never returns an error
// from connection failures; those feed the backoff loop.
func (c *Client) Run(ctx context.Context) error {
	go c.sequenceOutcomes(ctx)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return nil
		}

		attempt++
		conn, err := c.dial(ctx)
		if err != nil {
			delay := c.opts.Backoff.Delay(attempt)
			c.log.Warn("connect failed", "url", c.opts.URL, "attempt", attempt, "retry_in", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return nil
			}
			continue
		}
		attempt = 0

		c.onConnected(conn)
		c.session(ctx, conn)
		c.onDisconnected(conn)
	}
}

func (c *Client) dial(ctx context.Context) (*gorillaws.Conn, error) {
	c.setState(c.connectingState())

	header := http.Header{}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}
	if c.opts.AgentID != "" {
		header.Set("X-Agent-ID", c.opts.AgentID)
	}

	dialer := gorillaws.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil && resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

// connectingState distinguishes the very first connect from later ones.
func (c *Client) connectingState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.everConnected {
		return StateReconnecting
	}
	return StateConnecting
}

func (c *Client) onConnected(conn *gorillaws.Conn) {
	c.mu.Lock()
	reconnect := c.everConnected
	c.conn = conn
	c.state = StateConnected
	c.connectedAt = time.Now()
	c.everConnected = true
	c.mu.Unlock()

	if reconnect {
		c.opts.Metrics.Reconnects.Inc()
	}
	c.log.Info("connected", "url", c.opts.URL, "reconnect", reconnect)

	if err := c.write(job.Frame{Type: job.EventRegister, AgentID: c.opts.AgentID}); err != nil {
		c.log.Warn("register frame failed", "error", err)
		return
	}
	// The first connect after a restart also replays acks persisted by a
	// previous process life, so the seed happens on every connect.
	if c.opts.FlushAcksOnReconnect {
		c.flushAcks(true)
	}
	if c.opts.RequestMissingOnConnect {
		if err := c.write(job.Frame{Type: job.EventRequestMissing, AgentID: c.opts.AgentID}); err != nil {
			c.log.Warn("request_missing frame failed", "error", err)
		}
	}
}

func (c *Client) onDisconnected(conn *gorillaws.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = StateReconnecting
	c.mu.Unlock()
	c.log.Info("connection lost")
}

// session reads frames until the connection dies or ctx ends.
func (c *Client) session(ctx context.Context, conn *gorillaws.Conn) {
	// Tear the read loop down when ctx ends; ReadMessage alone cannot
	// observe cancellation.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f job.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.log.Warn("malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case job.EventPrint:
			c.onPrintEvent(&f)
		case job.EventPing:
			if err := c.write(job.Frame{Type: job.EventPong}); err != nil {
				c.log.Warn("pong failed", "error", err)
			}
		case job.EventRegistered:
			c.log.Info("registered with server", "agent_id", c.opts.AgentID)
		default:
			c.log.Debug("ignoring frame", "type", string(f.Type))
		}
	}
}

// ─── inbound events ───────────────────────────────────────────────────────────

// onPrintEvent admits one print event to the pipeline.
func (c *Client) onPrintEvent(f *job.Frame) {
	c.opts.Metrics.EventsReceived.Inc()

	if f.ID == "" {
		c.opts.Metrics.Nacked.Inc(ReasonInvalidID)
		c.log.Warn("print event without id")
		c.nack("", ReasonInvalidID)
		return
	}

	// Idempotent re-delivery: the first delivery already produced (or will
	// produce) the one terminal ack for this id.
	if c.opts.Ledger.Seen(f.ID) {
		c.opts.Metrics.Deduplicated.Inc()
		c.log.Info("duplicate event suppressed", "job_id", f.ID)
		return
	}

	j := &job.Job{
		ID:         f.ID,
		Payload:    f.DecodePayload(),
		ReceivedAt: time.Now(),
		Seq:        c.nextAssign,
	}
	if err := c.opts.Queue.Enqueue(j); err != nil {
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			c.opts.Metrics.Nacked.Inc(ReasonQueueFull)
			c.log.Warn("queue full, declining event", "job_id", f.ID)
			c.nack(f.ID, ReasonQueueFull)
		default:
			c.log.Warn("enqueue failed", "job_id", f.ID, "error", err)
		}
		return
	}
	c.nextAssign++
	c.opts.Ledger.Record(f.ID)
	c.opts.Metrics.Enqueued.Inc()
	c.log.Info("job enqueued", "job_id", f.ID, "bytes", len(j.Payload), "depth", c.opts.Queue.Len())
}

func (c *Client) nack(id, reason string) {
	if err := c.write(job.NackFrame(id, reason)); err != nil {
		c.log.Warn("nack failed", "job_id", id, "reason", reason, "error", err)
	}
}

// ─── outbound acks ────────────────────────────────────────────────────────────

// sequenceOutcomes consumes dispatcher outcomes and releases their acks in
// job creation order. An outcome for seq N is held until every outcome below
// N has been released, so retried jobs never reorder the ack stream.
func (c *Client) sequenceOutcomes(ctx context.Context) {
	held := make(map[uint64]job.Outcome)
	next := uint64(1)

	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-c.opts.Outcomes:
			if !ok {
				return
			}
			// Seq 0 marks a locally originated job (test print, reprint).
			// Its outcome is recorded in history but never acked upstream.
			if out.Seq == 0 {
				c.markAcked(out.ID)
				continue
			}
			held[out.Seq] = out
			for {
				o, ready := held[next]
				if !ready {
					break
				}
				delete(held, next)
				next++
				c.queueAck(o)
			}
		}
	}
}

// queueAck appends the ack for o to the ordered buffer and attempts delivery.
func (c *Client) queueAck(o job.Outcome) {
	c.mu.Lock()
	c.ackBuf = append(c.ackBuf, job.AckFrame(o))
	c.mu.Unlock()
	c.flushAcks(false)
}

// flushAcks sends buffered acks in order until the buffer drains or a write
// fails. On a reconnect flush it first seeds the buffer with unacknowledged
// outcomes persisted before a crash, so those are not lost either.
func (c *Client) flushAcks(reconnect bool) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if reconnect {
		c.seedFromHistory()
	}

	for {
		c.mu.Lock()
		if len(c.ackBuf) == 0 || c.conn == nil {
			c.mu.Unlock()
			return
		}
		f := c.ackBuf[0]
		c.mu.Unlock()

		if err := c.write(f); err != nil {
			c.log.Warn("ack deferred until reconnect", "job_id", f.ID, "error", err)
			return
		}

		c.mu.Lock()
		c.ackBuf = c.ackBuf[1:]
		c.mu.Unlock()

		c.opts.Metrics.AcksSent.Inc()
		if reconnect {
			c.opts.Metrics.AcksFlushed.Inc()
		}
		c.markAcked(f.ID)
		c.log.Info("ack sent", "job_id", f.ID, "status", f.Status)
	}
}

// seedFromHistory prepends acks for outcomes that were persisted but never
// acknowledged, oldest first. Covers outcomes from a previous process life.
func (c *Client) seedFromHistory() {
	if c.opts.History == nil {
		return
	}
	pending, err := c.opts.History.PendingAcks()
	if err != nil {
		c.log.Warn("load pending acks", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	buffered := make(map[string]bool, len(c.ackBuf))
	for _, f := range c.ackBuf {
		buffered[f.ID] = true
	}
	var seed []job.Frame
	for _, rec := range pending {
		if buffered[rec.JobID] {
			continue
		}
		seed = append(seed, job.Frame{
			Type:   job.EventAck,
			ID:     rec.JobID,
			Status: rec.Status,
			Reason: rec.Reason,
		})
	}
	if len(seed) > 0 {
		c.ackBuf = append(seed, c.ackBuf...)
	}
}

func (c *Client) markAcked(id string) {
	if c.opts.History == nil {
		return
	}
	if err := c.opts.History.MarkAcked(id); err != nil && !errors.Is(err, history.ErrNotFound) {
		c.log.Warn("mark acked", "job_id", id, "error", err)
	}
}

// write marshals f and sends it on the current connection. gorilla/websocket
// permits one concurrent writer, so every write goes through here under mu.
func (c *Client) write(f job.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
