package processors

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/consumer"
	"github.com/rzbill/fanq/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrichWrapsPayload(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := envelope.New([]byte(`{"message":"hi","priority":"high","category":"orders"}`),
		map[string]string{"tenant": "a"}, now)

	ev, err := Enrich(func() time.Time { return now }).Process(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, e.ID, ev.SourceEnvelopeID)
	assert.Equal(t, "a", ev.Attributes["tenant"])
	assert.Equal(t, e.ID.String(), ev.Attributes[AttrMessageID])

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.ResultPayload, &out))
	assert.Equal(t, "fanq-consumer", out["processor"])
	assert.Equal(t, "1.0", out["version"])
	assert.Equal(t, "completed", out["processing_status"])
	assert.Equal(t, "high", out["priority_level"])
	assert.Equal(t, "orders", out["category"])
	assert.Equal(t, e.ID.String(), out["message_id"])
	assert.Equal(t, "hi", out["original_message"].(map[string]interface{})["message"])
}

func TestEnrichOmitsMissingHints(t *testing.T) {
	e := envelope.New([]byte(`{"message":"hi"}`), nil, time.Now())
	ev, err := Enrich(nil).Process(context.Background(), e)
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(ev.ResultPayload, &out))
	assert.NotContains(t, out, "priority_level")
	assert.NotContains(t, out, "category")
}

func TestEnrichRejectsNonJSONPermanently(t *testing.T) {
	e := envelope.New([]byte("not json"), nil, time.Now())
	_, err := Enrich(nil).Process(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, consumer.KindPermanent, consumer.Classify(err))
}
