package pebblequeue

import (
	"encoding/binary"

	"github.com/rzbill/fanq/pkg/id"
)

// Key prefixes under q/{name}/.
const (
	prefixMsg      = "msg/"       // envelope frame by id
	prefixReady    = "ready/"     // pending index ordered by available_at
	prefixLease    = "lease/"     // lease record by id
	prefixLeaseIdx = "lease_idx/" // lease expiry index
	prefixDead     = "dead/"      // dead-letter record by id
)

// queuePrefix returns the base prefix for a queue.
// Format: q/{name}/
func queuePrefix(name string) string {
	return "q/" + name + "/"
}

func idKey(name, kind string, eid id.ID) []byte {
	prefix := queuePrefix(name) + kind
	key := make([]byte, len(prefix)+len(eid))
	copy(key, prefix)
	copy(key[len(prefix):], eid[:])
	return key
}

// timedKey builds {prefix}{ms BE}{id}, so iteration order is time order with
// id as tie-breaker.
func timedKey(name, kind string, ms int64, eid id.ID) []byte {
	prefix := queuePrefix(name) + kind
	key := make([]byte, len(prefix)+8+len(eid))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ms))
	copy(key[len(prefix)+8:], eid[:])
	return key
}

// timedBound is the exclusive upper bound selecting entries with time <= ms.
func timedBound(name, kind string, ms int64) []byte {
	prefix := queuePrefix(name) + kind
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ms+1))
	return key
}

func msgKey(name string, eid id.ID) []byte   { return idKey(name, prefixMsg, eid) }
func leaseKey(name string, eid id.ID) []byte { return idKey(name, prefixLease, eid) }
func deadKey(name string, eid id.ID) []byte  { return idKey(name, prefixDead, eid) }

// readyKey format: q/{name}/ready/{available_ms}/{id}
func readyKey(name string, availableMs int64, eid id.ID) []byte {
	return timedKey(name, prefixReady, availableMs, eid)
}

// leaseIdxKey format: q/{name}/lease_idx/{expires_ms}/{id}
func leaseIdxKey(name string, expiresMs int64, eid id.ID) []byte {
	return timedKey(name, prefixLeaseIdx, expiresMs, eid)
}

func kindPrefix(name, kind string) []byte { return []byte(queuePrefix(name) + kind) }

// parseTimedKey splits a timed index key into its time and id.
func parseTimedKey(key []byte, prefixLen int) (int64, id.ID, bool) {
	var eid id.ID
	if len(key) != prefixLen+8+len(eid) {
		return 0, eid, false
	}
	ms := int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]))
	copy(eid[:], key[prefixLen+8:])
	return ms, eid, true
}

// parseIDKey extracts the id suffix of an id-keyed entry.
func parseIDKey(key []byte, prefixLen int) (id.ID, bool) {
	var eid id.ID
	if len(key) != prefixLen+len(eid) {
		return eid, false
	}
	copy(eid[:], key[prefixLen:])
	return eid, true
}
