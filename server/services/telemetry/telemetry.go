package telemetry

import (
	"time"

	"github.com/flightcache/flightcache/common/models"
)

// Hook receives lifecycle events from the dispatcher and worker pool.
// Implementations must be safe for concurrent use and must never block;
// telemetry failures never affect query processing.
type Hook interface {
	// QuerySubmitted fires once per POST /query accepted for processing.
	QuerySubmitted()
	// CacheHit fires when a submission resolves to an already-ready job.
	CacheHit()
	// DedupJoin fires when a submission joins an in-flight job.
	DedupJoin()
	// JobCompleted fires when a job reaches a terminal status. latency is the
	// time from job creation to completion; artifactBytes is zero unless the
	// job completed ready.
	JobCompleted(status models.JobStatus, errorCode *models.ErrorCode, latency time.Duration, artifactBytes int64)
	// SetQueueDepth records the current number of jobs waiting in the pool queue.
	SetQueueDepth(depth int)
	// SetActiveWorkers records the number of workers currently executing a job.
	SetActiveWorkers(count int)
}

// NoOpHook discards all events. Used in tests and when metrics are disabled.
type NoOpHook struct{}

func NewNoOpHook() *NoOpHook { return &NoOpHook{} }

func (h *NoOpHook) QuerySubmitted() {}
func (h *NoOpHook) CacheHit()       {}
func (h *NoOpHook) DedupJoin()      {}
func (h *NoOpHook) JobCompleted(status models.JobStatus, errorCode *models.ErrorCode, latency time.Duration, artifactBytes int64) {
}
func (h *NoOpHook) SetQueueDepth(depth int)    {}
func (h *NoOpHook) SetActiveWorkers(count int) {}
