// Package dto contains data transfer objects passed between services, where
// the data doesn't warrant a first-class model or spans more than one model.
package dto

import (
	"github.com/flightcache/flightcache/common/models"
)

// SubmitResult is the outcome of submitting a SQL query for execution.
type SubmitResult struct {
	// Job is the job that answers for the query's fingerprint. It may be a
	// freshly claimed pending job, an in-flight job another caller claimed
	// earlier, or an already-completed ready job.
	Job *models.Job
	// Claimed is true if this submission inserted the job, false if the
	// caller joined an existing job for the same fingerprint.
	Claimed bool
	// CacheHit is true if the job was already ready at submission time.
	CacheHit bool
}

// QueueStatus is a point-in-time snapshot of the worker pool.
type QueueStatus struct {
	QueueDepth    int `json:"queue_depth"`
	ActiveWorkers int `json:"active_workers"`
	MaxWorkers    int `json:"max_workers"`
}

// JobMetadata combines a ready job's registry row with the stored artifact's
// schema and object metadata.
type JobMetadata struct {
	Job          *models.Job     `json:"job"`
	Columns      []models.Column `json:"columns"`
	NumRows      int64           `json:"num_rows"`
	NumColumns   int             `json:"num_columns"`
	Cached       bool            `json:"cached"`
	SizeBytes    int64           `json:"size_bytes"`
	LastModified *models.Time    `json:"last_modified,omitempty"`
	Key          string          `json:"key"`
}
