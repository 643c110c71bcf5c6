package controllers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttrsFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Fanq-Attr-Trace-Id", "t-1")
	h.Set("x-fanq-attr-category", "billing")
	h.Set("X-Fanq-Attr-Content-Type", "text/csv")
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "secret")
	assert.Equal(t, map[string]string{
		"trace_id":     "t-1",
		"category":     "billing",
		"content_type": "text/csv",
	}, attrsFromHeaders(h))

	h = http.Header{}
	h.Set("Content-Type", "application/json")
	assert.Equal(t, map[string]string{"content_type": "application/json"}, attrsFromHeaders(h))
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 0, parseLimit(""))
	assert.Equal(t, 0, parseLimit("-3"))
	assert.Equal(t, 0, parseLimit("many"))
	assert.Equal(t, 25, parseLimit("25"))
}
