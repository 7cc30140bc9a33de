package audio

import (
	"sync"
	"time"
)

// Segment is the append-only PCM accumulator for one flush window.
// Appends and the swap-at-flush happen under the same exclusion so a
// flush never observes a half-written chunk. The batcher is the sole owner.
type Segment struct {
	mu       sync.Mutex
	data     []byte
	openedAt time.Time
}

// NewSegment creates an empty segment whose window opens now
func NewSegment() *Segment {
	return &Segment{
		data:     make([]byte, 0, 64*1024),
		openedAt: time.Now(),
	}
}

// Append adds raw PCM bytes to the current window
func (s *Segment) Append(b []byte) {
	if len(b) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data, b...)
}

// Swap atomically takes the accumulated bytes and the window open time,
// leaving the segment empty with a fresh window starting now.
func (s *Segment) Swap() ([]byte, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.data
	openedAt := s.openedAt

	s.data = make([]byte, 0, cap(data))
	s.openedAt = time.Now()

	return data, openedAt
}

// Len returns the number of accumulated bytes in the current window
func (s *Segment) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
