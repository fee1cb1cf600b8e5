package sshterminal

import (
	"sync"
)

// defaultScrollbackSize is the default maximum scrollback buffer size (1 MB).
const defaultScrollbackSize = 1024 * 1024

// ScrollbackBuffer is a thread-safe byte buffer that keeps the most recent
// terminal output for replay. When the buffer exceeds maxLen, older data is
// trimmed from the front. Every byte ever written has an absolute offset, so
// readers can resume from where they left off.
type ScrollbackBuffer struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
	total  int64 // bytes written since creation
	closed bool
}

// NewScrollbackBuffer creates a new scrollback buffer with the given maximum size.
// If maxLen <= 0, defaultScrollbackSize is used.
func NewScrollbackBuffer(maxLen int) *ScrollbackBuffer {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &ScrollbackBuffer{maxLen: maxLen}
}

// Write appends p, trimming from the front if the total exceeds maxLen.
// Writes after Close are discarded.
func (s *ScrollbackBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	s.total += int64(len(p))
	if len(p) >= s.maxLen {
		s.data = append(s.data[:0], p[len(p)-s.maxLen:]...)
		return len(p), nil
	}
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = append(s.data[:0], s.data[len(s.data)-s.maxLen:]...)
	}
	return len(p), nil
}

// Close marks the buffer as closed. The retained data stays readable.
func (s *ScrollbackBuffer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Snapshot returns a copy of the current buffer contents.
func (s *ScrollbackBuffer) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Since returns the retained bytes written after offset and the offset to
// pass next time. If offset has already been trimmed away, everything still
// retained is returned.
func (s *ScrollbackBuffer) Since(offset int64) ([]byte, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.total - int64(len(s.data))
	if offset < start {
		offset = start
	}
	if offset >= s.total {
		return nil, s.total
	}
	out := make([]byte, s.total-offset)
	copy(out, s.data[offset-start:])
	return out, s.total
}

// Offset returns the absolute offset of the next byte to be written.
func (s *ScrollbackBuffer) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Len returns the current buffer length.
func (s *ScrollbackBuffer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// IsClosed returns whether the buffer has been closed.
func (s *ScrollbackBuffer) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
