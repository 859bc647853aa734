// Package transport provides the device side of the serial channel: a
// receive ring buffer fed from a port by a reader goroutine and polled by
// the bootloader main loop.
package transport

import "sync"

// Ring is a fixed-size byte FIFO. Writes that do not fit are dropped, as a
// UART receive buffer would drop them.
type Ring struct {
	mu      sync.Mutex
	buf     []byte
	head    int
	count   int
	dropped int
}

// NewRing returns a ring holding up to size bytes.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]byte, size)}
}

// Write appends as much of p as fits and returns the number of bytes kept.
func (r *Ring) Write(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range p {
		if r.count == len(r.buf) {
			r.dropped += len(p) - n
			break
		}
		r.buf[(r.head+r.count)%len(r.buf)] = c
		r.count++
		n++
	}
	return n
}

// Len returns the number of buffered bytes.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Peek copies buffered bytes into p without consuming them.
func (r *Ring) Peek(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for n < len(p) && n < r.count {
		p[n] = r.buf[(r.head+n)%len(r.buf)]
		n++
	}
	return n
}

// Pop removes and returns the oldest byte.
func (r *Ring) Pop() (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0, false
	}
	c := r.buf[r.head]
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return c, true
}

// Dropped returns the number of bytes lost to a full buffer.
func (r *Ring) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Reset empties the buffer.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head, r.count = 0, 0
	r.mu.Unlock()
}
