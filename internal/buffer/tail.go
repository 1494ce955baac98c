// Package buffer provides a bounded capture of command output.
package buffer

import (
	"strings"
	"sync"
)

// Tail keeps the most recent bytes written to it, up to a fixed capacity.
// Older bytes are overwritten in place. It is used to capture the stderr of
// remote and local job commands without letting a chatty process grow
// memory without bound.
type Tail struct {
	mu      sync.Mutex
	buf     []byte
	start   int
	size    int
	dropped int64
}

// NewTail creates a Tail holding at most capacity bytes. A non-positive
// capacity is treated as 1.
func NewTail(capacity int) *Tail {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tail{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (t *Tail) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	capacity := len(t.buf)
	if n >= capacity {
		t.dropped += int64(t.size + n - capacity)
		copy(t.buf, p[n-capacity:])
		t.start = 0
		t.size = capacity
		return n, nil
	}

	if overflow := t.size + n - capacity; overflow > 0 {
		t.start = (t.start + overflow) % capacity
		t.size -= overflow
		t.dropped += int64(overflow)
	}

	end := (t.start + t.size) % capacity
	written := copy(t.buf[end:], p)
	copy(t.buf, p[written:])
	t.size += n
	return n, nil
}

// Bytes returns a copy of the retained bytes, oldest first.
func (t *Tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.size == 0 {
		return nil
	}
	out := make([]byte, t.size)
	first := copy(out, t.buf[t.start:min(t.start+t.size, len(t.buf))])
	copy(out[first:], t.buf[:t.size-first])
	return out
}

// String returns the retained output with surrounding whitespace trimmed,
// prefixed with a marker when older output was discarded.
func (t *Tail) String() string {
	s := strings.TrimSpace(string(t.Bytes()))
	if t.Dropped() > 0 && s != "" {
		return "... " + s
	}
	return s
}

// Len returns the number of retained bytes.
func (t *Tail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Dropped returns how many bytes have been discarded.
func (t *Tail) Dropped() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Reset discards everything.
func (t *Tail) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.start, t.size, t.dropped = 0, 0, 0
}
