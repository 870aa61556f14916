package router

import (
	"sort"
	"sync"
	"time"
)

const windowSize = 64

// latencyWindow keeps a rolling window of call latencies per provider
// for the p95 tie-break.
type latencyWindow struct {
	mu      sync.Mutex
	samples map[string][]time.Duration
}

func newLatencyWindow() *latencyWindow {
	return &latencyWindow{samples: make(map[string][]time.Duration)}
}

func (w *latencyWindow) observe(provider string, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := append(w.samples[provider], d)
	if len(s) > windowSize {
		s = s[len(s)-windowSize:]
	}
	w.samples[provider] = s
}

// p95 returns the 95th percentile latency for provider. Providers with
// no observations sort last so fresh providers are not favored over
// measured cheap ones on the latency tie-break alone.
func (w *latencyWindow) p95(provider string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[provider]
	if len(s) == 0 {
		return time.Duration(1<<62 - 1)
	}
	sorted := append([]time.Duration(nil), s...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted)*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}
