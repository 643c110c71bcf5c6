package controllers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/rzbill/fanq/internal/producer"
	"github.com/rzbill/fanq/pkg/log"
)

// AttrHeaderPrefix marks request headers that become envelope attributes.
// X-Fanq-Attr-Priority: high sets the attribute priority=high.
const AttrHeaderPrefix = "X-Fanq-Attr-"

// IngressController accepts submissions for the producer.
//
// It offers two shapes: a raw body with attributes in headers, and the
// structured message request.
type IngressController struct {
	producer *producer.Producer
	maxBody  int
	logger   log.Logger
}

// NewIngressController creates a new ingress controller. maxBody bounds how
// much of a request body is read; the producer rejects anything larger.
func NewIngressController(p *producer.Producer, maxBody int, logger log.Logger) *IngressController {
	if maxBody <= 0 {
		maxBody = 256 << 10
	}
	return &IngressController{producer: p, maxBody: maxBody, logger: logger}
}

// RegisterRoutes registers ingress routes with the given mux.
func (c *IngressController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/submit", c.handleSubmit)
	mux.HandleFunc("POST /v1/messages", c.handleMessage)
}

// handleSubmit enqueues the raw body. Returns 202 with the correlation id.
func (c *IngressController) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(c.maxBody)+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	receipt, err := c.producer.Submit(r.Context(), body, attrsFromHeaders(r.Header))
	if err != nil {
		c.logger.Debug("submit rejected", log.Err(err))
		writeStoreError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, receipt)
}

// messageHeadroom is read past maxBody for the request fields around the
// message; the producer checks the message itself against the limit.
const messageHeadroom = 4 << 10

// handleMessage accepts {"message": ..., "priority": ..., "category": ...}.
func (c *IngressController) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req producer.MessageRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, int64(c.maxBody)+messageHeadroom))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	receipt, err := c.producer.SubmitMessage(r.Context(), req, "http")
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, receipt)
}

// attrsFromHeaders collects X-Fanq-Attr-* headers. Names are lower-cased
// and dashes become underscores, so X-Fanq-Attr-Delay-Ms maps to delay_ms.
// The request Content-Type fills content_type when no header sets it.
func attrsFromHeaders(h http.Header) map[string]string {
	attrs := make(map[string]string)
	for name, vals := range h {
		canon := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canon, AttrHeaderPrefix) || len(vals) == 0 {
			continue
		}
		key := strings.ToLower(strings.ReplaceAll(canon[len(AttrHeaderPrefix):], "-", "_"))
		if key == "" {
			continue
		}
		attrs[key] = vals[0]
	}
	if _, ok := attrs[envelope.AttrContentType]; !ok {
		if ct := h.Get("Content-Type"); ct != "" {
			attrs[envelope.AttrContentType] = ct
		}
	}
	return attrs
}
