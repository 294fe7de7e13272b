package logging

import (
	"strings"
	"sync"
)

// Ring keeps the most recent formatted log lines in memory.
// It implements io.Writer so a slog text handler can write into it; each
// Write is expected to carry one record.
type Ring struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRing returns a ring holding up to n lines (n<=0 means 1).
func NewRing(n int) *Ring {
	if n <= 0 {
		n = 1
	}
	return &Ring{lines: make([]string, n)}
}

func (r *Ring) Write(p []byte) (int, error) {
	r.Add(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Add appends a line, evicting the oldest when full.
func (r *Ring) Add(line string) {
	r.mu.Lock()
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// Lines returns retained lines oldest first.
func (r *Ring) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}
