package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rzbill/fanq/internal/envelope"
)

// MessageRequest is the structured submission shape: a required message plus
// optional routing hints.
type MessageRequest struct {
	Message json.RawMessage `json:"message"`
	// Priority and Category accept any JSON value.
	Priority json.RawMessage `json:"priority,omitempty"`
	Category json.RawMessage `json:"category,omitempty"`
}

// MessagePayload is the envelope body built from a MessageRequest.
type MessagePayload struct {
	Message   json.RawMessage `json:"message"`
	Timestamp string          `json:"timestamp"`
	RequestID string          `json:"request_id"`
	Source    string          `json:"source"`
	Priority  json.RawMessage `json:"priority,omitempty"`
	Category  json.RawMessage `json:"category,omitempty"`
}

// MessageReceipt is returned to structured submitters.
type MessageReceipt struct {
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
	Timestamp string `json:"timestamp"`
}

// SubmitMessage wraps req in a JSON payload and submits it. source names the
// ingress (for example "http"). max_payload_size applies to the client's
// message, not to the wrapper.
func (p *Producer) SubmitMessage(ctx context.Context, req MessageRequest, source string) (MessageReceipt, error) {
	msg := bytes.TrimSpace(req.Message)
	if len(msg) == 0 || bytes.Equal(msg, []byte("null")) {
		return MessageReceipt{}, invalid("message", "field is required")
	}
	if len(msg) > p.cfg.MaxPayloadSize {
		return MessageReceipt{}, invalid("message",
			fmt.Sprintf("%d bytes exceeds limit of %d", len(msg), p.cfg.MaxPayloadSize))
	}
	priority, category := jsonOrNil(req.Priority), jsonOrNil(req.Category)
	now := p.clock().UTC()
	body, err := json.Marshal(MessagePayload{
		Message:   msg,
		Timestamp: now.Format(time.RFC3339Nano),
		RequestID: uuid.NewString(),
		Source:    source,
		Priority:  priority,
		Category:  category,
	})
	if err != nil {
		return MessageReceipt{}, invalid("message", err.Error())
	}

	attrs := map[string]string{
		envelope.AttrContentType: "application/json",
		envelope.AttrSource:      source,
	}
	if priority != nil {
		attrs[envelope.AttrPriority] = attrValue(priority)
	}
	if category != nil {
		attrs[envelope.AttrCategory] = attrValue(category)
	}
	r, err := p.submit(ctx, body, attrs, 0)
	if err != nil {
		return MessageReceipt{}, err
	}
	return MessageReceipt{
		Message:   "Message sent successfully",
		MessageID: r.CorrelationID,
		Timestamp: now.Format(time.RFC3339Nano),
	}, nil
}

// jsonOrNil drops absent and null values.
func jsonOrNil(v json.RawMessage) json.RawMessage {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	return v
}

// attrValue renders a JSON value as an attribute: strings unquoted, anything
// else as its JSON text.
func attrValue(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) == nil {
		return s
	}
	return string(v)
}
