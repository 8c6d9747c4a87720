package stats

import (
	"sync"
	"time"
)

// Statistics is a point-in-time snapshot of gateway traffic.
type Statistics struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	ActiveConnections  int64            `json:"active_connections"`
	RequestsPerMinute  int              `json:"requests_per_minute"`
	AvgLatencyMs       float64          `json:"avg_latency_ms"`
	RequestsByModel    map[string]int64 `json:"requests_by_model"`
	RequestsByProvider map[string]int64 `json:"requests_by_provider"`
	RequestsByAccount  map[string]int64 `json:"requests_by_account"`
	StartedAt          int64            `json:"started_at"`
}

// Collector tracks request counters, in-flight connections, per-key usage
// maps and a rolling one-minute request window.
type Collector struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	activeConnections  int64

	totalLatency time.Duration

	byModel    map[string]int64
	byProvider map[string]int64
	byAccount  map[string]int64

	recent    []time.Time
	startedAt time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		byModel:    make(map[string]int64),
		byProvider: make(map[string]int64),
		byAccount:  make(map[string]int64),
		startedAt:  time.Now(),
	}
}

// RecordRequestStart marks a request as in flight. Provider and account may
// be empty when the route is not decided yet; RecordRequestRouted fills them
// in once the balancer has picked.
func (c *Collector) RecordRequestStart(model, providerID, accountID string) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	c.activeConnections++
	if model != "" {
		c.byModel[model]++
	}
	if providerID != "" {
		c.byProvider[providerID]++
	}
	if accountID != "" {
		c.byAccount[accountID]++
	}
	c.recent = append(c.recent, now)
	c.pruneLocked(now)
}

// RecordRequestRouted attributes an already started request to the provider
// and account that ended up serving it.
func (c *Collector) RecordRequestRouted(providerID, accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if providerID != "" {
		c.byProvider[providerID]++
	}
	if accountID != "" {
		c.byAccount[accountID]++
	}
}

// RecordRequestAbandoned releases an in-flight request that ended before an
// upstream attempt, counting it as neither success nor failure.
func (c *Collector) RecordRequestAbandoned() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeConnections--
	if c.activeConnections < 0 {
		c.activeConnections = 0
	}
}

// RecordRequestSuccess marks a request as finished successfully.
func (c *Collector) RecordRequestSuccess(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successfulRequests++
	c.finishLocked(latency)
}

// RecordRequestFailure marks a request as finished with an error.
func (c *Collector) RecordRequestFailure(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failedRequests++
	c.finishLocked(latency)
}

func (c *Collector) finishLocked(latency time.Duration) {
	c.activeConnections--
	if c.activeConnections < 0 {
		c.activeConnections = 0
	}
	c.totalLatency += latency
}

// pruneLocked drops window entries older than one minute.
func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(c.recent) && c.recent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		c.recent = append(c.recent[:0], c.recent[i:]...)
	}
}

// GetStatistics returns a snapshot of the current counters.
func (c *Collector) GetStatistics() Statistics {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(now)

	var avgLatency float64
	if c.totalRequests > 0 {
		avgLatency = float64(c.totalLatency.Milliseconds()) / float64(c.totalRequests)
	}

	return Statistics{
		TotalRequests:      c.totalRequests,
		SuccessfulRequests: c.successfulRequests,
		FailedRequests:     c.failedRequests,
		ActiveConnections:  c.activeConnections,
		RequestsPerMinute:  len(c.recent),
		AvgLatencyMs:       avgLatency,
		RequestsByModel:    copyCounts(c.byModel),
		RequestsByProvider: copyCounts(c.byProvider),
		RequestsByAccount:  copyCounts(c.byAccount),
		StartedAt:          c.startedAt.Unix(),
	}
}

func copyCounts(src map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ResetStatistics zeroes every counter except active connections, which
// tracks requests still in flight.
func (c *Collector) ResetStatistics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests = 0
	c.successfulRequests = 0
	c.failedRequests = 0
	c.totalLatency = 0
	c.byModel = make(map[string]int64)
	c.byProvider = make(map[string]int64)
	c.byAccount = make(map[string]int64)
	c.recent = c.recent[:0]
	c.startedAt = time.Now()
}
