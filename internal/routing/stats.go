package routing

import (
	"sync"
	"time"
)

// DestinationHealth is a snapshot of what the router knows about a destination
type DestinationHealth struct {
	Destination  string
	BreakerState string
	LatencyEMA   time.Duration
	ErrorRate    float64
	Load         float64
	Successes    uint64
	Failures     uint64
}

type destStat struct {
	emaMs     float64
	samples   uint64
	successes uint64
	failures  uint64
}

// destinationStats tracks latency and error rate per destination
type destinationStats struct {
	mu     sync.RWMutex
	byDest map[string]*destStat
}

func newDestinationStats() *destinationStats {
	return &destinationStats{byDest: make(map[string]*destStat)}
}

func (s *destinationStats) entry(dest string) *destStat {
	st, ok := s.byDest[dest]
	if !ok {
		st = &destStat{}
		s.byDest[dest] = st
	}
	return st
}

// recordSuccess folds latency into the EMA with equal weight on the old value
// and the sample. The first sample seeds the average.
func (s *destinationStats) recordSuccess(dest string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entry(dest)
	ms := float64(latency) / float64(time.Millisecond)
	if st.samples == 0 {
		st.emaMs = ms
	} else {
		st.emaMs = 0.5*st.emaMs + 0.5*ms
	}
	st.samples++
	st.successes++
}

func (s *destinationStats) recordFailure(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(dest).failures++
}

// snapshot returns the latency EMA in milliseconds and the error rate
func (s *destinationStats) snapshot(dest string) (float64, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.byDest[dest]
	if !ok {
		return 0, 0
	}
	total := st.successes + st.failures
	if total == 0 {
		return st.emaMs, 0
	}
	return st.emaMs, float64(st.failures) / float64(total)
}

func (s *destinationStats) counts(dest string) (uint64, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.byDest[dest]; ok {
		return st.successes, st.failures
	}
	return 0, 0
}

// meanEMA averages the latency EMA over destinations with at least one sample
func (s *destinationStats) meanEMA() (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum float64
	var n int
	for _, st := range s.byDest {
		if st.samples == 0 {
			continue
		}
		sum += st.emaMs
		n++
	}
	if n == 0 {
		return 0, false
	}
	return time.Duration(sum / float64(n) * float64(time.Millisecond)), true
}

func (s *destinationStats) remove(dest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byDest, dest)
}
