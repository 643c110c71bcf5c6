package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rzbill/fanq/internal/queue"
	"github.com/rzbill/fanq/pkg/log"
)

// DLQController is the operator surface over dead-lettered envelopes.
type DLQController struct {
	dlq    queue.DeadLetters
	logger log.Logger
}

// NewDLQController creates a new dead-letter controller.
func NewDLQController(dlq queue.DeadLetters, logger log.Logger) *DLQController {
	return &DLQController{dlq: dlq, logger: logger}
}

// RegisterRoutes registers dead-letter routes with the given mux.
//
// This method sets up HTTP endpoints for:
// - Listing (/v1/dlq) and inspecting (/v1/dlq/{id}) dead letters
// - Replaying one back onto the queue (/v1/dlq/replay)
// - Purging one (DELETE /v1/dlq/{id})
func (c *DLQController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/dlq", c.handleList)
	mux.HandleFunc("GET /v1/dlq/{id}", c.handleGet)
	mux.HandleFunc("POST /v1/dlq/replay", c.handleReplay)
	mux.HandleFunc("DELETE /v1/dlq/{id}", c.handlePurge)
}

// DeadLetterView is the JSON shape of a dead letter.
type DeadLetterView struct {
	ID           string            `json:"id"`
	Payload      []byte            `json:"payload"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	Reason       string            `json:"reason"`
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	DeadAt       time.Time         `json:"dead_at"`
	ReplayedAt   *time.Time        `json:"replayed_at,omitempty"`
}

func viewOf(d queue.DeadLetter) DeadLetterView {
	v := DeadLetterView{
		AttemptCount: d.AttemptCount,
		Reason:       d.Reason,
		DeadAt:       d.DeadAt,
	}
	if d.Envelope != nil {
		v.ID = d.Envelope.ID.String()
		v.Payload = d.Envelope.Payload
		v.Attributes = d.Envelope.Attributes
		v.EnqueuedAt = d.Envelope.EnqueuedAt
	}
	if !d.ReplayedAt.IsZero() {
		t := d.ReplayedAt
		v.ReplayedAt = &t
	}
	return v
}

// handleList lists dead letters, oldest first. ?limit=N bounds the result.
func (c *DLQController) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := c.dlq.ListDead(r.Context(), parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]DeadLetterView, 0, len(items))
	for _, d := range items {
		out = append(out, viewOf(d))
	}
	writeJSON(w, map[string]any{"dead_letters": out})
}

func (c *DLQController) handleGet(w http.ResponseWriter, r *http.Request) {
	d, err := c.dlq.GetDead(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, viewOf(*d))
}

type replayReq struct {
	ID string `json:"id"`
}

// handleReplay re-enqueues a dead envelope with a fresh attempt budget.
//
// Returns 404 for unknown ids and 409 when the envelope was already replayed.
func (c *DLQController) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req replayReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	e, err := c.dlq.Replay(r.Context(), req.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	c.logger.Info("dead letter replayed", log.Str("correlation_id", e.ID.String()))
	writeJSON(w, map[string]string{"id": e.ID.String(), "status": "replayed"})
}

func (c *DLQController) handlePurge(w http.ResponseWriter, r *http.Request) {
	if err := c.dlq.PurgeDead(r.Context(), r.PathValue("id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeNoContent(w)
}
