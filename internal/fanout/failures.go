package fanout

import (
	"sync"
	"time"
)

// FailureRecord is a delivery that exhausted its retries.
type FailureRecord struct {
	Subscriber string    `json:"subscriber"`
	DedupKey   string    `json:"dedup_key"`
	SourceID   string    `json:"source_id"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	At         time.Time `json:"at"`
}

// FailureLog keeps the most recent failures in a fixed-size ring.
type FailureLog struct {
	mu    sync.Mutex
	buf   []FailureRecord
	next  int
	full  bool
	total int64
}

// NewFailureLog returns a ring holding up to size records (default 1024).
func NewFailureLog(size int) *FailureLog {
	if size <= 0 {
		size = 1024
	}
	return &FailureLog{buf: make([]FailureRecord, size)}
}

// Add records r, evicting the oldest when full.
func (l *FailureLog) Add(r FailureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = r
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (l *FailureLog) List(limit int) []FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.next
	if l.full {
		n = len(l.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]FailureRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Total counts every failure ever added.
func (l *FailureLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
