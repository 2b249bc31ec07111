package tiergate

import "time"

// Metrics defines the interface for tracking gate operations and performance.
type Metrics interface {
	// RecordResolution records an effective tier resolution and its provenance.
	RecordResolution(source string, duration time.Duration)

	// RecordAccessDecision records a tool access decision.
	RecordAccessDecision(toolID string, allowed bool)

	// RecordCacheHit records a cache hit for a specific cache type (e.g., "resolution").
	RecordCacheHit(cacheType string)

	// RecordCacheMiss records a cache miss for a specific cache type.
	RecordCacheMiss(cacheType string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordResolution(source string, duration time.Duration)                     {}
func (n *NoopMetrics) RecordAccessDecision(toolID string, allowed bool)                           {}
func (n *NoopMetrics) RecordCacheHit(cacheType string)                                            {}
func (n *NoopMetrics) RecordCacheMiss(cacheType string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
