package documents

import (
	"github.com/flightcache/flightcache/common/models"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	SQL string `json:"sql"`
}

// JobStatusDocument is the handle returned for submissions and status polls.
type JobStatusDocument struct {
	JobID  models.JobID        `json:"job_id"`
	Status models.JobStatus    `json:"status"`
	Format models.ResultFormat `json:"format"`
	// ErrorCode is present when Status is error.
	ErrorCode *models.ErrorCode `json:"error_code,omitempty"`
}

func MakeJobStatusDocument(job *models.Job) *JobStatusDocument {
	return &JobStatusDocument{
		JobID:     job.ID,
		Status:    job.Status,
		Format:    job.Format,
		ErrorCode: job.ErrorCode,
	}
}

// SchemaDocument is the response to GET /query/{job_id}/schema.
type SchemaDocument struct {
	Columns []models.Column `json:"columns"`
}

// MetadataDocument is the response to GET /query/{job_id}/metadata.
type MetadataDocument struct {
	JobID        models.JobID    `json:"job_id"`
	Columns      []models.Column `json:"columns"`
	NumRows      int64           `json:"num_rows"`
	NumColumns   int             `json:"num_columns"`
	Cached       bool            `json:"cached"`
	Size         int64           `json:"size"`
	LastModified *models.Time    `json:"last_modified,omitempty"`
	Key          string          `json:"key"`
}

// QueueStatusDocument is the response to GET /queue.
type QueueStatusDocument struct {
	QueueDepth    int `json:"queue_depth"`
	ActiveWorkers int `json:"active_workers"`
	MaxWorkers    int `json:"max_workers"`
}

// FileListDocument is the response to GET /files.
type FileListDocument struct {
	Files  []*models.DiscoveredFile `json:"files"`
	Total  int64                    `json:"total"`
	Limit  uint                     `json:"limit"`
	Offset uint                     `json:"offset"`
}

// ScanStartedDocument is the response to POST /files/scan.
type ScanStartedDocument struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HealthDocument is the response to GET /health.
type HealthDocument struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	GoroutineNum int    `json:"goroutines"`
	MemorySysMB  uint64 `json:"memory_sys_mb"`
}
