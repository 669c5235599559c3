// SPDX-License-Identifier: MIT

package transcode

import (
	"strings"
	"sync"
)

// lineRing keeps the last N stderr lines of an engine run for failure
// diagnostics without buffering the full output.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	count int
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 64
	}
	return &lineRing{lines: make([]string, capacity)}
}

// Write implements io.Writer over line-oriented engine output.
func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.next] = line
		r.next = (r.next + 1) % len(r.lines)
		if r.count < len(r.lines) {
			r.count++
		}
	}
	return len(p), nil
}

// Tail returns up to n of the most recent lines, oldest first.
func (r *lineRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		idx := (r.next - r.count + i + 2*len(r.lines)) % len(r.lines)
		out = append(out, r.lines[idx])
	}
	return out
}

// Contains reports whether any buffered line contains substr.
func (r *lineRing) Contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range r.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}
