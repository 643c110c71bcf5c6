package fanout

import (
	"testing"
	"time"

	"github.com/rzbill/fanq/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(payload string, attrs map[string]string) *envelope.ProcessedEvent {
	return &envelope.ProcessedEvent{
		ResultPayload: []byte(payload),
		Attributes:    attrs,
		ProducedAt:    time.UnixMilli(1_700_000_000_000),
	}
}

func TestFilterMatch(t *testing.T) {
	ev := event(`{"amount": 42, "kind": "order"}`, map[string]string{"priority": "high"})
	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"attributes.priority == 'high'", true},
		{"attributes.priority == 'low'", false},
		{"'tenant' in attributes", false},
		{"json.amount > 40.0", true},
		{"json.kind == 'refund'", false},
		{"json.missing == 1", false},
		{"size < 10", false},
		{"produced_at_ms == 1700000000000", true},
		{"text.contains('order')", true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			f, err := CompileFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Match(ev))
		})
	}
}

func TestFilterOnNonJSONPayload(t *testing.T) {
	f, err := CompileFilter("json.x == 1")
	require.NoError(t, err)
	assert.False(t, f.Match(event("plain text", nil)))

	f, err = CompileFilter("size == 10")
	require.NoError(t, err)
	assert.True(t, f.Match(event("plain text", nil)))
}

func TestCompileFilterRejects(t *testing.T) {
	for _, expr := range []string{"attributes.", "size + 1", "unknown_var == 1", "'a'"} {
		_, err := CompileFilter(expr)
		assert.ErrorIs(t, err, ErrInvalidFilter, expr)
	}
}
