package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relayprint/relayprint/internal/history"
	"github.com/relayprint/relayprint/internal/identity"
	"github.com/relayprint/relayprint/internal/job"
	"github.com/relayprint/relayprint/internal/queue"
	"github.com/relayprint/relayprint/internal/stream"
)

type handler struct {
	agentID   string
	queue     *queue.Queue
	stream    *stream.Client
	history   *history.Store
	startedAt time.Time
}

func (h *handler) register(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/status", h.status)
	r.GET("/history", h.listHistory)
	r.GET("/history/:id", h.getHistory)
	r.POST("/history/:id/reprint", h.reprint)
	r.POST("/print", h.testPrint)
}

func (h *handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// statusResponse is the GET /status body.
type statusResponse struct {
	AgentID         string    `json:"agent_id"`
	ConnectionState string    `json:"connection_state"`
	ConnectedSince  time.Time `json:"connected_since,omitzero"`
	QueueDepth      int       `json:"queue_depth"`
	PendingAcks     int       `json:"pending_acks"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
}

func (h *handler) status(c *gin.Context) {
	resp := statusResponse{
		AgentID:       h.agentID,
		QueueDepth:    h.queue.Len(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.stream != nil {
		resp.ConnectionState = h.stream.State().String()
		resp.ConnectedSince = h.stream.ConnectedSince()
		resp.PendingAcks = h.stream.PendingAcks()
	}
	c.JSON(http.StatusOK, resp)
}

// recordResponse is one history entry. The payload itself is omitted from
// listings; GET /history/:id returns it base64-encoded.
type recordResponse struct {
	JobID       string    `json:"job_id"`
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
	Acked       bool      `json:"acked"`
	Payload     string    `json:"payload,omitempty"` // base64
}

func toResponse(rec history.Record, withPayload bool) recordResponse {
	resp := recordResponse{
		JobID:       rec.JobID,
		Fingerprint: rec.Fingerprint,
		Status:      rec.Status,
		Reason:      rec.Reason,
		CompletedAt: rec.CompletedAt,
		Acked:       rec.Acked,
	}
	if withPayload {
		resp.Payload = base64.StdEncoding.EncodeToString(rec.Payload)
	}
	return resp
}

func (h *handler) listHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1..1000"})
			return
		}
		limit = n
	}

	recs, err := h.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toResponse(rec, false))
	}
	c.JSON(http.StatusOK, gin.H{"records": out})
}

func (h *handler) getHistory(c *gin.Context) {
	rec, err := h.history.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toResponse(rec, true))
}

// testPrintRequest is the POST /print body. Payload is base64; a payload
// that is not valid base64 is taken as raw ZPL text.
type testPrintRequest struct {
	Payload string `json:"payload" binding:"required"`
}

func (h *handler) testPrint(c *gin.Context) {
	var req testPrintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		payload = []byte(req.Payload)
	}
	h.submitLocal(c, payload)
}

func (h *handler) reprint(c *gin.Context) {
	rec, err := h.history.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such job"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.submitLocal(c, rec.Payload)
}

// submitLocal enqueues a locally originated job. Seq stays zero so the
// outcome is recorded in history but never acknowledged upstream.
func (h *handler) submitLocal(c *gin.Context, payload []byte) {
	id, err := identity.NewID()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	j := &job.Job{ID: id, Payload: payload, ReceivedAt: time.Now()}
	if err := h.queue.Enqueue(j); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue full"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "queue_depth": h.queue.Len()})
}
