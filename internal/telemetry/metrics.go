// Package telemetry provides a thread-safe metrics collector for monitoring
// the proxy's call and session behavior.
package telemetry

import (
	"sync"
	"time"
)

// Proxy core metrics
const (
	// MetricCallsReceived counts tool calls entering the proxy core.
	MetricCallsReceived = "proxy.calls.received"

	// MetricCallsForwarded counts tool calls handed to the invoker.
	MetricCallsForwarded = "proxy.calls.forwarded"

	// MetricCallsFailed counts tool calls answered with an error envelope
	// produced by the proxy itself (not upstream errors passed through).
	MetricCallsFailed = "proxy.calls.failed"

	// MetricForwardTime observes the duration of the forwarding stage.
	MetricForwardTime = "proxy.forward_time"
)

// Session negotiation metrics
const (
	// MetricHandshakes counts handshakes issued to the remote tool host.
	MetricHandshakes = "session.handshakes"

	// MetricHandshakeFailures counts handshakes that fell back to a
	// synthetic token.
	MetricHandshakeFailures = "session.handshake_failures"

	// MetricSessionsDegraded counts sessions marked unhealthy after a
	// forwarding failure.
	MetricSessionsDegraded = "session.degraded"

	// MetricSessionsEvicted counts sessions removed by idle eviction.
	MetricSessionsEvicted = "session.evicted"
)

// maxTimerSamples bounds the samples kept per timer; older samples are
// dropped first.
const maxTimerSamples = 100

// Collector accumulates counters and timers. All methods are safe for
// concurrent use.
type Collector struct {
	counters map[string]int64
	timers   map[string][]time.Duration
	mu       sync.RWMutex
}

// NewCollector creates an empty metrics collector.
func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]int64),
		timers:   make(map[string][]time.Duration),
	}
}

// Inc increments a counter by one.
func (c *Collector) Inc(name string) {
	c.Add(name, 1)
}

// Add increments a counter by n.
func (c *Collector) Add(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Observe records one duration sample for a timer.
func (c *Collector) Observe(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timers[name] = append(c.timers[name], d)

	// Limit the number of stored durations to avoid unbounded growth
	if len(c.timers[name]) > maxTimerSamples {
		c.timers[name] = c.timers[name][1:]
	}
}

// Counter returns the current value of a counter.
func (c *Collector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// TimerAverage returns the mean of the samples recorded for a timer, or
// zero when none were recorded.
func (c *Collector) TimerAverage(name string) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	samples := c.timers[name]
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range samples {
		total += d
	}
	return total / time.Duration(len(samples))
}

// Snapshot returns a copy of all counters, for logging on shutdown.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}
