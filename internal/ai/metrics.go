package ai

import (
	"sync"
	"time"
)

// latencyBuckets are histogram upper bounds in milliseconds; the last
// bucket is unbounded.
var latencyBuckets = []int64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// ProviderMetrics aggregates calls for one provider.
type ProviderMetrics struct {
	Calls     int64
	Failures  int64
	TokensIn  int64
	TokensOut int64
	Histogram []int64 // len(latencyBuckets)+1
}

// Metrics collects per-provider counters and a latency histogram.
type Metrics struct {
	mu         sync.Mutex
	byProvider map[string]*ProviderMetrics
}

func newMetrics() *Metrics {
	return &Metrics{byProvider: make(map[string]*ProviderMetrics)}
}

func (m *Metrics) record(provider string, latency time.Duration, tokensIn, tokensOut int, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm := m.byProvider[provider]
	if pm == nil {
		pm = &ProviderMetrics{Histogram: make([]int64, len(latencyBuckets)+1)}
		m.byProvider[provider] = pm
	}
	pm.Calls++
	if failed {
		pm.Failures++
	}
	pm.TokensIn += int64(tokensIn)
	pm.TokensOut += int64(tokensOut)

	ms := latency.Milliseconds()
	idx := len(latencyBuckets)
	for i, bound := range latencyBuckets {
		if ms <= bound {
			idx = i
			break
		}
	}
	pm.Histogram[idx]++
}

// Snapshot returns a deep copy safe for rendering.
func (m *Metrics) Snapshot() map[string]ProviderMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ProviderMetrics, len(m.byProvider))
	for id, pm := range m.byProvider {
		cp := *pm
		cp.Histogram = append([]int64(nil), pm.Histogram...)
		out[id] = cp
	}
	return out
}
