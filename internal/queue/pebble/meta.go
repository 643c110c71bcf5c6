package pebblequeue

import (
	"encoding/json"
	"strings"
	"time"

	pebblestore "github.com/rzbill/fanq/internal/storage/pebble"
)

// Meta describes a queue that has been opened at least once on a store.
type Meta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`
	// MaxAttempts is the retry limit in force when the queue was last opened.
	MaxAttempts int `json:"maxAttempts"`
}

var metaPrefix = []byte("qmeta/")

func metaKey(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	return append(k, name...)
}

// ensureMeta creates or refreshes the metadata record for name. CreatedAtMs
// is kept from an existing record.
func ensureMeta(db *pebblestore.DB, name string, maxAttempts int, now time.Time) (Meta, error) {
	m := Meta{Name: name, CreatedAtMs: now.UnixMilli(), MaxAttempts: maxAttempts}
	b, err := db.Get(metaKey(name))
	switch {
	case err == nil:
		var prev Meta
		// a corrupted record is rewritten
		if json.Unmarshal(b, &prev) == nil {
			if prev.Name == name && prev.MaxAttempts == maxAttempts {
				return prev, nil
			}
			m.CreatedAtMs = prev.CreatedAtMs
		}
	case !pebblestore.IsNotFound(err):
		return Meta{}, err
	}
	b, err = json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(metaKey(name), b); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// ListQueues returns the metadata of every queue ever opened on db, ordered
// by name.
func ListQueues(db *pebblestore.DB) ([]Meta, error) {
	var out []Meta
	err := db.ScanPrefix(metaPrefix, func(k, v []byte) bool {
		var m Meta
		if json.Unmarshal(v, &m) != nil {
			m.Name = strings.TrimPrefix(string(k), string(metaPrefix))
		}
		out = append(out, m)
		return true
	})
	return out, err
}
