// Package buffer provides a reusable, growable scratch buffer for response bodies.
package buffer

import (
	"bytes"
	"io"
	"sync"

	"github.com/WhileEndless/httpchannel/pkg/errors"
)

// DefaultInitialSize is the starting capacity for a scratch buffer (16 KiB),
// grown on demand as writes exceed it.
const DefaultInitialSize = 16 * 1024

// Buffer is a sync.Mutex-guarded, grow-on-demand memory buffer reused across
// response-producer invocations on the same connection.
type Buffer struct {
	buf    bytes.Buffer
	mu     sync.Mutex
	size   int64
	closed bool
}

// New creates a new Buffer pre-sized to initial bytes of capacity. A
// non-positive initial falls back to DefaultInitialSize.
func New(initial int) *Buffer {
	if initial <= 0 {
		initial = DefaultInitialSize
	}
	b := &Buffer{}
	b.buf.Grow(initial)
	return b
}

// Write appends p to the buffer, growing its backing array as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("buffer is closed", nil)
	}

	n, err := b.buf.Write(p)
	b.size += int64(n)
	if err != nil {
		return n, errors.NewIOError("writing to scratch buffer", err)
	}
	return n, nil
}

// Bytes returns the buffered data. The slice is only valid until the next
// Write or Reset.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

// Size returns the total number of bytes currently held.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Reader returns a fresh reader over a snapshot of the current contents.
func (b *Buffer) Reader() (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}
	return io.NopCloser(bytes.NewReader(b.buf.Bytes())), nil
}

// Close marks the buffer unusable. Safe for concurrent calls and idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Reset clears the buffer's contents and makes it available for reuse,
// retaining its underlying capacity so the next producer avoids reallocating.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
	b.size = 0
	b.closed = false
}
