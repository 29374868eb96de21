package ingest

import (
	"sync"
	"time"
)

// Upload is a summary of a handled connection, shown on the status page
type Upload struct {
	Time     time.Time
	Remote   string
	Branch   string
	State    string
	Bytes    int
	Duration time.Duration
	Error    string
}

// Recent keeps the last n uploads in a ring buffer
type Recent struct {
	mu   sync.Mutex
	buf  []Upload
	next int
	full bool
}

// NewRecent returns a Recent that keeps n entries. With n < 1 nothing is kept.
func NewRecent(n int) *Recent {
	if n < 0 {
		n = 0
	}
	return &Recent{buf: make([]Upload, n)}
}

// Add records a connection Result
func (r *Recent) Add(res Result) {
	if len(r.buf) == 0 {
		return
	}
	u := Upload{
		Time:     res.End,
		Remote:   res.Remote,
		Branch:   string(res.Branch),
		State:    res.State.String(),
		Bytes:    res.Bytes,
		Duration: res.Duration(),
	}
	if res.Err != nil {
		u.Error = res.Err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = u
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// List returns the recorded uploads, newest first
func (r *Recent) List() []Upload {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]Upload, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.next - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
