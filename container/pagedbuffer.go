package container

import (
	"bytes"
	"io"
	"sync"
)

const (
	// DefaultPageSize is the initial capacity of a PagedBuffer.
	DefaultPageSize = 4 * 1024
	// DefaultMaxSize is the largest amount of output a PagedBuffer will hold.
	DefaultMaxSize = 128 * 1024

	// TruncatedMarker is appended to the output of a PagedBuffer that had to
	// discard data.
	TruncatedMarker = "\n--- Truncated ---\n"
)

// A PagedBuffer is an io.Writer that grows one page at a time up to a hard
// limit. Writes never block and never fail: anything past the limit is
// discarded and the buffer is flagged as truncated.
type PagedBuffer struct {
	mu        sync.Mutex
	pageSize  int
	maxSize   int
	buf       []byte
	truncated bool
}

var _ io.Writer = &PagedBuffer{}

// NewPagedBuffer returns a PagedBuffer. Non-positive sizes select the
// defaults, and the page size is capped at maxSize.
func NewPagedBuffer(pageSize, maxSize int) *PagedBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxSize < len(TruncatedMarker) {
		maxSize = len(TruncatedMarker)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > maxSize {
		pageSize = maxSize
	}
	return &PagedBuffer{
		pageSize: pageSize,
		maxSize:  maxSize,
		buf:      make([]byte, 0, pageSize),
	}
}

// grow makes room for at least n more bytes, doubling the capacity but always
// keeping it a multiple of the page size and at most maxSize.
func (b *PagedBuffer) grow(n int) {
	needed := len(b.buf) + n
	if needed <= cap(b.buf) {
		return
	}
	newCap := cap(b.buf)
	for newCap < needed {
		newCap *= 2
	}
	if rem := newCap % b.pageSize; rem != 0 {
		newCap += b.pageSize - rem
	}
	if newCap > b.maxSize {
		newCap = b.maxSize
	}
	grown := make([]byte, len(b.buf), newCap)
	copy(grown, b.buf)
	b.buf = grown
}

// Write appends as much of p as fits. It always reports that all of p was
// consumed so that the producer never stalls.
func (b *PagedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.truncated {
		return n, nil
	}
	available := b.maxSize - len(b.buf)
	if len(p) > available {
		p = p[:available]
		b.truncated = true
	}
	b.grow(len(p))
	b.buf = append(b.buf, p...)
	return n, nil
}

// Truncated returns whether any output was discarded.
func (b *PagedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Cap returns the currently allocated capacity.
func (b *PagedBuffer) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cap(b.buf)
}

// Len returns the number of bytes held by the buffer.
func (b *PagedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Bytes flushes the buffer into a copy of its contents. If the buffer was
// truncated, the tail is replaced with TruncatedMarker so that the result is
// never longer than the maximum size.
func (b *PagedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.truncated {
		return append([]byte(nil), b.buf...)
	}
	keep := len(b.buf)
	if keep > b.maxSize-len(TruncatedMarker) {
		keep = b.maxSize - len(TruncatedMarker)
	}
	result := make([]byte, 0, keep+len(TruncatedMarker))
	result = append(result, b.buf[:keep]...)
	return append(result, TruncatedMarker...)
}

func (b *PagedBuffer) String() string {
	return string(b.Bytes())
}

// Tail returns the last n lines of the flushed buffer. A non-positive n
// returns everything.
func (b *PagedBuffer) Tail(n int) string {
	contents := b.Bytes()
	if n <= 0 {
		return string(contents)
	}
	end := len(contents)
	// A trailing newline terminates the last line rather than starting a new
	// one.
	search := bytes.TrimSuffix(contents, []byte("\n"))
	for i := 0; i < n; i++ {
		idx := bytes.LastIndexByte(search, '\n')
		if idx < 0 {
			return string(contents)
		}
		search = search[:idx]
	}
	return string(contents[len(search)+1 : end])
}
