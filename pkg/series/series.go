// Package series keeps the most recent samples of a telemetry channel.
package series

import (
	"sync"
)

// DefaultMaxSize is the default number of samples retained per channel.
const DefaultMaxSize = 20000

// Stats summarises a range of samples.
type Stats struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   int32   `json:"min"`
	Max   int32   `json:"max"`
}

// Series is a bounded FIFO of samples. Once full, every append evicts the
// oldest samples. Index 0 is always the oldest retained sample.
type Series struct {
	mu    sync.RWMutex
	buf   []int32
	start int
	size  int
	total uint64
}

// New creates a Series retaining at most maxSize samples. A non-positive
// maxSize selects DefaultMaxSize.
func New(maxSize int) *Series {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Series{buf: make([]int32, maxSize)}
}

// Append adds samples in order.
func (s *Series) Append(samples ...int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total += uint64(len(samples))

	capacity := len(s.buf)
	if len(samples) >= capacity {
		copy(s.buf, samples[len(samples)-capacity:])
		s.start = 0
		s.size = capacity
		return
	}

	for _, v := range samples {
		end := (s.start + s.size) % capacity
		s.buf[end] = v
		if s.size < capacity {
			s.size++
		} else {
			s.start = (s.start + 1) % capacity
		}
	}
}

// Len returns the number of retained samples.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Cap returns the retention limit.
func (s *Series) Cap() int {
	return len(s.buf)
}

// Total returns the number of samples ever appended.
func (s *Series) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// At returns the sample at index i, oldest first.
func (s *Series) At(i int) (int32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= s.size {
		return 0, false
	}
	return s.at(i), true
}

// Snapshot returns a copy of the retained samples, oldest first.
func (s *Series) Snapshot() []int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int32, s.size)
	for i := range out {
		out[i] = s.at(i)
	}
	return out
}

// Stats summarises samples in [from, to). The range is clamped to the
// retained samples; an empty range yields a zero Stats.
func (s *Series) Stats(from, to int) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from = max(from, 0)
	to = min(to, s.size)
	if from >= to {
		return Stats{}
	}

	st := Stats{Count: to - from, Min: s.at(from), Max: s.at(from)}
	var sum int64
	for i := from; i < to; i++ {
		v := s.at(i)
		sum += int64(v)
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
	}
	st.Mean = float64(sum) / float64(st.Count)
	return st
}

// Reset drops all samples.
func (s *Series) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.size, s.total = 0, 0, 0
}

func (s *Series) at(i int) int32 {
	return s.buf[(s.start+i)%len(s.buf)]
}
