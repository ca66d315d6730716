package stream_test

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/relayprint/relayprint/internal/backoff"
	"github.com/relayprint/relayprint/internal/dedup"
	"github.com/relayprint/relayprint/internal/job"
	"github.com/relayprint/relayprint/internal/queue"
	"github.com/relayprint/relayprint/internal/stream"
)

// ─── fake print server ────────────────────────────────────────────────────────

// fakeServer accepts websocket connections and records every frame the agent
// sends. Frames and new connections are exposed on channels so tests can wait
// on them without polling.
type fakeServer struct {
	srv    *httptest.Server
	frames chan job.Frame
	conns  chan *gorillaws.Conn

	mu     sync.Mutex
	closed bool
	refuse bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		frames: make(chan job.Frame, 64),
		conns:  make(chan *gorillaws.Conn, 8),
	}
	upgrader := gorillaws.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		refuse := fs.refuse
		fs.mu.Unlock()
		if refuse {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			var f job.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fs.mu.Lock()
			done := fs.closed
			fs.mu.Unlock()
			if done {
				return
			}
			fs.frames <- f
		}
	}))
	t.Cleanup(func() {
		fs.mu.Lock()
		fs.closed = true
		fs.mu.Unlock()
		fs.srv.Close()
	})
	return fs
}

func (fs *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

// setRefuse makes the server decline upgrade requests while on.
func (fs *fakeServer) setRefuse(on bool) {
	fs.mu.Lock()
	fs.refuse = on
	fs.mu.Unlock()
}

// waitConn blocks until the agent opens a connection.
func (fs *fakeServer) waitConn(t *testing.T) *gorillaws.Conn {
	t.Helper()
	select {
	case conn := <-fs.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

// waitFrame blocks until the agent sends a frame of the given type, skipping
// frames of other types.
func (fs *fakeServer) waitFrame(t *testing.T, typ job.EventType) job.Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f := <-fs.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a %s frame", typ)
			return job.Frame{}
		}
	}
}

func sendPrint(t *testing.T, conn *gorillaws.Conn, id string, payload []byte) {
	t.Helper()
	f := job.Frame{
		Type:    job.EventPrint,
		ID:      id,
		Payload: base64.StdEncoding.EncodeToString(payload),
	}
	if err := conn.WriteJSON(f); err != nil {
		t.Fatalf("send print: %v", err)
	}
}

// ─── client harness ───────────────────────────────────────────────────────────

type harness struct {
	client   *stream.Client
	q        *queue.Queue
	ledger   *dedup.Ledger
	outcomes chan job.Outcome
}

func startClient(t *testing.T, url string, queueDepth int) *harness {
	t.Helper()

	h := &harness{
		q:        queue.New(queueDepth),
		ledger:   dedup.New(time.Minute, 1000),
		outcomes: make(chan job.Outcome, 16),
	}
	t.Cleanup(h.ledger.Close)

	h.client = stream.New(stream.Options{
		URL:                     url,
		AgentID:                 "01HZXW5FAKEAGENT0000000000",
		Queue:                   h.q,
		Ledger:                  h.ledger,
		Outcomes:                h.outcomes,
		Logger:                  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Backoff:                 backoff.NewConstant(20 * time.Millisecond),
		WriteTimeout:            time.Second,
		FlushAcksOnReconnect:    true,
		RequestMissingOnConnect: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) dequeue(t *testing.T) *job.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	j, err := h.q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return j
}

func waitState(t *testing.T, c *stream.Client, want stream.ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never became %s (now %s)", want, c.State())
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestRun_RegistersOnConnect(t *testing.T) {
	fs := newFakeServer(t)
	h := startClient(t, fs.url(), 10)

	fs.waitConn(t)
	reg := fs.waitFrame(t, job.EventRegister)
	if reg.AgentID != "01HZXW5FAKEAGENT0000000000" {
		t.Errorf("register frame missing agent id: %+v", reg)
	}
	fs.waitFrame(t, job.EventRequestMissing)
	waitState(t, h.client, stream.StateConnected)
}

func TestPrintEvent_EnqueuesJob(t *testing.T) {
	fs := newFakeServer(t)
	h := startClient(t, fs.url(), 10)
	conn := fs.waitConn(t)

	payload := []byte("^XA^FDhello^FS^XZ")
	sendPrint(t, conn, "job-1", payload)

	j := h.dequeue(t)
	if j.ID != "job-1" || string(j.Payload) != string(payload) {
		t.Fatalf("unexpected job: %+v", j)
	}
	if j.Seq != 1 {
		t.Errorf("first admitted job must have seq 1, got %d", j.Seq)
	}
	if !h.ledger.Seen("job-1") {
		t.Error("admitted id not recorded in the ledger")
	}
}

func TestPrintEvent_DuplicateSuppressed(t *testing.T) {
	fs := newFakeServer(t)
	h := startClient(t, fs.url(), 10)
	conn := fs.waitConn(t)

	sendPrint(t, conn, "job-1", []byte("a"))
	h.dequeue(t)

	sendPrint(t, conn, "job-1", []byte("a"))
	// A duplicate produces no second job and no frame back to the server.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if j, err := h.q.Dequeue(ctx); err == nil {
		t.Fatalf("duplicate id enqueued a second job: %+v", j)
	}
}

func TestPrintEvent_MissingID_Nacked(t *testing.T) {
	fs := newFakeServer(t)
	startClient(t, fs.url(), 10)
	conn := fs.waitConn(t)

	sendPrint(t, conn, "", []byte("a"))

	nack := fs.waitFrame(t, job.EventNack)
	if nack.Reason != stream.ReasonInvalidID {
		t.Errorf("expected %s nack, got %+v", stream.ReasonInvalidID, nack)
	}
}

func TestPrintEvent_QueueFull_Nacked(t *testing.T) {
	fs := newFakeServer(t)
	startClient(t, fs.url(), 1)
	conn := fs.waitConn(t)

	sendPrint(t, conn, "job-1", []byte("a"))
	sendPrint(t, conn, "job-2", []byte("b"))

	nack := fs.waitFrame(t, job.EventNack)
	if nack.ID != "job-2" || nack.Reason != stream.ReasonQueueFull {
		t.Errorf("expected queue_full nack for job-2, got %+v", nack)
	}
}

func TestPing_AnsweredWithPong(t *testing.T) {
	fs := newFakeServer(t)
	startClient(t, fs.url(), 10)
	conn := fs.waitConn(t)

	if err := conn.WriteJSON(job.Frame{Type: job.EventPing}); err != nil {
		t.Fatalf("send ping: %v", err)
	}
	fs.waitFrame(t, job.EventPong)
}

func TestAcks_SentInCreationOrder(t *testing.T) {
	fs := newFakeServer(t)
	h := startClient(t, fs.url(), 10)
	conn := fs.waitConn(t)

	sendPrint(t, conn, "job-1", []byte("a"))
	sendPrint(t, conn, "job-2", []byte("b"))
	h.dequeue(t)
	h.dequeue(t)

	// job-2 finishes before job-1 (as after a transient retry of job-1), yet
	// acks must arrive in creation order.
	h.outcomes <- job.Outcome{ID: "job-2", Seq: 2, Status: job.StatusPrinted}
	h.outcomes <- job.Outcome{ID: "job-1", Seq: 1, Status: job.StatusFailed, Reason: "attempts_exhausted"}

	first := fs.waitFrame(t, job.EventAck)
	second := fs.waitFrame(t, job.EventAck)
	if first.ID != "job-1" || first.Status != "failed" {
		t.Fatalf("first ack must be job-1 failed, got %+v", first)
	}
	if second.ID != "job-2" || second.Status != "printed" {
		t.Fatalf("second ack must be job-2 printed, got %+v", second)
	}
}

func TestAcks_BufferedAcrossReconnect(t *testing.T) {
	fs := newFakeServer(t)
	h := startClient(t, fs.url(), 10)
	conn := fs.waitConn(t)

	sendPrint(t, conn, "job-1", []byte("a"))
	sendPrint(t, conn, "job-2", []byte("b"))
	h.dequeue(t)
	h.dequeue(t)

	// Drop the connection before any outcome resolves and keep the server
	// unavailable so the agent stays disconnected.
	fs.setRefuse(true)
	conn.Close()
	waitState(t, h.client, stream.StateReconnecting)

	h.outcomes <- job.Outcome{ID: "job-1", Seq: 1, Status: job.StatusPrinted}
	h.outcomes <- job.Outcome{ID: "job-2", Seq: 2, Status: job.StatusPrinted}

	deadline := time.Now().Add(2 * time.Second)
	for h.client.PendingAcks() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 buffered acks, have %d", h.client.PendingAcks())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The acks are held until the next connection, then flushed in order.
	fs.setRefuse(false)
	fs.waitConn(t)
	first := fs.waitFrame(t, job.EventAck)
	second := fs.waitFrame(t, job.EventAck)
	if first.ID != "job-1" || second.ID != "job-2" {
		t.Fatalf("acks flushed out of order: %s then %s", first.ID, second.ID)
	}

	deadline = time.Now().Add(2 * time.Second)
	for h.client.PendingAcks() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d acks still buffered after flush", h.client.PendingAcks())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_ReconnectsAfterConnectionLoss(t *testing.T) {
	fs := newFakeServer(t)
	h := startClient(t, fs.url(), 10)

	conn := fs.waitConn(t)
	fs.waitFrame(t, job.EventRegister)
	conn.Close()

	// A fresh connection arrives and re-registers without intervention.
	fs.waitConn(t)
	fs.waitFrame(t, job.EventRegister)
	waitState(t, h.client, stream.StateConnected)
}
