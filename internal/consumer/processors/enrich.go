// Package processors holds the built-in consumer processors.
package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rzbill/fanq/internal/consumer"
	"github.com/rzbill/fanq/internal/envelope"
)

// Enriched is the result document produced by Enrich.
type Enriched struct {
	OriginalMessage  json.RawMessage `json:"original_message"`
	ProcessedAt      string          `json:"processed_at"`
	MessageID        string          `json:"message_id"`
	Processor        string          `json:"processor"`
	Version          string          `json:"version"`
	PriorityLevel    json.RawMessage `json:"priority_level,omitempty"`
	Category         json.RawMessage `json:"category,omitempty"`
	ProcessingStatus string          `json:"processing_status"`
}

const (
	enrichName    = "fanq-consumer"
	enrichVersion = "1.0"
)

// Event attribute keys set by Enrich.
const (
	AttrMessageID      = "message_id"
	AttrProcessingTime = "processing_time"
)

// Enrich parses the payload as a JSON object and wraps it with processing
// metadata. Non-JSON payloads fail permanently. clock may be nil.
func Enrich(clock func() time.Time) consumer.Processor {
	if clock == nil {
		clock = time.Now
	}
	return consumer.ProcessorFunc(func(_ context.Context, e *envelope.Envelope) (*envelope.ProcessedEvent, error) {
		var body map[string]json.RawMessage
		if err := json.Unmarshal(e.Payload, &body); err != nil {
			return nil, consumer.Permanent(fmt.Errorf("payload is not a JSON object: %w", err))
		}
		now := clock().UTC()
		out := Enriched{
			OriginalMessage:  json.RawMessage(e.Payload),
			ProcessedAt:      now.Format(time.RFC3339Nano),
			MessageID:        e.ID.String(),
			Processor:        enrichName,
			Version:          enrichVersion,
			PriorityLevel:    body["priority"],
			Category:         body["category"],
			ProcessingStatus: "completed",
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, consumer.Permanent(err)
		}

		attrs := make(map[string]string, len(e.Attributes)+2)
		for k, v := range e.Attributes {
			attrs[k] = v
		}
		attrs[AttrMessageID] = e.ID.String()
		attrs[AttrProcessingTime] = out.ProcessedAt
		attrs[envelope.AttrContentType] = "application/json"
		return &envelope.ProcessedEvent{
			SourceEnvelopeID: e.ID,
			ResultPayload:    data,
			Attributes:       attrs,
			ProducedAt:       now,
		}, nil
	})
}
