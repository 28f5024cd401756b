package models

import (
	"fmt"

	"github.com/google/uuid"
)

// JobID is the opaque client-visible handle for one execution attempt of a
// query. IDs are random 128-bit UUIDs and are never reused.
type JobID string

func NewJobID() JobID {
	return JobID(uuid.NewString())
}

func ParseJobID(str string) (JobID, error) {
	id, err := uuid.Parse(str)
	if err != nil {
		return "", fmt.Errorf("error parsing job ID: %w", err)
	}
	return JobID(id.String()), nil
}

func (i JobID) String() string {
	return string(i)
}

func (i JobID) Valid() bool {
	_, err := uuid.Parse(string(i))
	return err == nil
}

// JobStatus reflects where a job is in its lifecycle. Transitions are
// monotonic: pending -> running -> ready|error. A job never revisits a
// prior status.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusReady   JobStatus = "ready"
	JobStatusError   JobStatus = "error"
)

func (s JobStatus) String() string {
	return string(s)
}

// Terminal returns true if no further transitions can occur from this status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusReady || s == JobStatusError
}

// Active returns true if a job with this status holds the fingerprint's
// execution slot (at most one such job may exist per fingerprint).
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// ErrorCode classifies why a job reached the error status.
type ErrorCode string

const (
	// ErrorCodeExecutionFailed means the engine rejected or raised during execution.
	ErrorCodeExecutionFailed ErrorCode = "execution_failed"
	// ErrorCodeUploadFailed means the object-store write failed.
	ErrorCodeUploadFailed ErrorCode = "upload_failed"
	// ErrorCodeRecoveredOrphan is set at startup for any job found in a
	// non-terminal status; the worker that owned it is gone.
	ErrorCodeRecoveredOrphan ErrorCode = "recovered_orphan"
	// ErrorCodeShutdown means the worker was aborted during drain.
	ErrorCodeShutdown ErrorCode = "shutdown"
	// ErrorCodeOverloaded means the claim was rejected because the pool queue
	// was saturated; the job never entered the queue.
	ErrorCodeOverloaded ErrorCode = "overloaded"
)

func (c ErrorCode) String() string {
	return string(c)
}

// ResultFormat identifies the on-wire encoding of a persisted query result.
type ResultFormat string

const (
	// ResultFormatArrowStream is the Arrow IPC stream format: a schema
	// message followed by record-batch messages and an end-of-stream marker.
	ResultFormatArrowStream ResultFormat = "arrow_ipc_stream"
	// ResultFormatJSONGz is reserved for a gzipped JSON encoding of small
	// results. No execution path produces it yet.
	ResultFormatJSONGz ResultFormat = "json_gz"
)

func (f ResultFormat) String() string {
	return string(f)
}

// Ext returns the storage key extension for the format.
func (f ResultFormat) Ext() string {
	switch f {
	case ResultFormatJSONGz:
		return "json.gz"
	default:
		return "arrow"
	}
}

// MakeArtifactKey returns the object-store key a result artifact is stored
// at. The key is a pure function of (fingerprint, format), so every job for
// the same query maps to the same object.
func MakeArtifactKey(fingerprint Fingerprint, format ResultFormat) string {
	return fmt.Sprintf("%s.%s", fingerprint, format.Ext())
}

// Job is one execution attempt of a query, tracked through a state machine.
// The registry owns the durable record; the worker that claimed the job and
// the dispatcher's recovery path are the only writers after creation.
type Job struct {
	ID          JobID        `json:"id" goqu:"skipupdate" db:"job_id"`
	Fingerprint Fingerprint  `json:"fingerprint" goqu:"skipupdate" db:"job_fingerprint"`
	Status      JobStatus    `json:"status" db:"job_status"`
	Format      ResultFormat `json:"format" goqu:"skipupdate" db:"job_format"`
	CreatedAt   Time         `json:"created_at" goqu:"skipupdate" db:"job_created_at"`
	// CompletedAt is set when the job reaches a terminal status.
	CompletedAt *Time `json:"completed_at,omitempty" db:"job_completed_at"`
	// RowCount is the number of rows streamed into the artifact; set on ready.
	RowCount *int64 `json:"row_count,omitempty" db:"job_row_count"`
	// ArtifactBytes is the total size of the artifact in bytes; set on ready.
	ArtifactBytes *int64 `json:"artifact_bytes,omitempty" db:"job_artifact_bytes"`
	// ArtifactKey is the object-store key the result is (or will be) stored
	// at. A pure function of (fingerprint, format), stable across restarts.
	ArtifactKey string `json:"artifact_key" goqu:"skipupdate" db:"job_artifact_key"`
	// ErrorCode is set when Status is error.
	ErrorCode *ErrorCode `json:"error_code,omitempty" db:"job_error_code"`
}

func NewJob(id JobID, fingerprint Fingerprint, format ResultFormat, artifactKey string, now Time) *Job {
	return &Job{
		ID:          id,
		Fingerprint: fingerprint,
		Status:      JobStatusPending,
		Format:      format,
		CreatedAt:   now,
		ArtifactKey: artifactKey,
	}
}

// JobPatch carries the terminal fields a state transition may set.
type JobPatch struct {
	CompletedAt   *Time
	RowCount      *int64
	ArtifactBytes *int64
	ErrorCode     *ErrorCode
}

func (j *Job) String() string {
	return fmt.Sprintf("job %s (%s, fingerprint %s)", j.ID, j.Status, j.Fingerprint)
}
