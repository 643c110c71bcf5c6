package pebblequeue

import (
	"bytes"
	"testing"

	"github.com/rzbill/fanq/pkg/id"
)

func TestTimedKeysSortByTimeThenID(t *testing.T) {
	g := id.NewGenerator()
	a, b := g.Next(), g.Next()
	k1 := readyKey("q1", 1000, b)
	k2 := readyKey("q1", 1001, a)
	k3 := readyKey("q1", 1001, b)
	if bytes.Compare(k1, k2) >= 0 || bytes.Compare(k2, k3) >= 0 {
		t.Fatalf("ready keys out of order")
	}
	if bytes.Compare(k3, timedBound("q1", prefixReady, 1001)) >= 0 {
		t.Fatalf("bound must include keys at the bound time")
	}
	if bytes.Compare(readyKey("q1", 1002, a), timedBound("q1", prefixReady, 1001)) < 0 {
		t.Fatalf("bound must exclude later keys")
	}
}

func TestParseTimedKey(t *testing.T) {
	eid := id.NewGenerator().Next()
	k := leaseIdxKey("orders", 42, eid)
	ms, got, ok := parseTimedKey(k, len(kindPrefix("orders", prefixLeaseIdx)))
	if !ok || ms != 42 || got != eid {
		t.Fatalf("parse = %d %v %v", ms, got, ok)
	}
	if _, _, ok := parseTimedKey(k[:len(k)-1], len(kindPrefix("orders", prefixLeaseIdx))); ok {
		t.Fatalf("expected short key to fail")
	}
}
