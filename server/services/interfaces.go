package services

import (
	"context"
	"io"

	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/dto"
	"github.com/flightcache/flightcache/server/store"
)

// BlobStore is an interface for storing and retrieving flat files.
type BlobStore interface {
	// PutBlob writes all data in the source reader to a blob identified by key.
	// The caller is responsible for closing the reader.
	PutBlob(ctx context.Context, key string, source io.Reader) error
	// GetBlob returns a reader positioned at the beginning of the blob identified by key.
	// The caller is responsible for closing the reader.
	// Returns gerror.ErrNotFound if no blob exists for key.
	GetBlob(ctx context.Context, key string) (io.ReadCloser, error)
	// HeadBlob returns the metadata of the blob identified by key without reading its data.
	// Returns gerror.ErrNotFound if no blob exists for key.
	HeadBlob(ctx context.Context, key string) (*models.BlobDescriptor, error)
	// DeleteBlob deletes a blob. Returns nil if the blob does not exist.
	DeleteBlob(ctx context.Context, key string) error
	// ListBlobs lists up to limit blobs matching prefix, starting after marker.
	// Returns the next marker to continue from, or "" when the listing is complete.
	ListBlobs(ctx context.Context, prefix string, marker string, limit int) ([]*models.BlobDescriptor, string, error)
}

// ArtifactService owns the key layout of result artifacts in the blob store
// and the streaming read/write paths for them.
type ArtifactService interface {
	// KeyFor returns the blob store key for the job's result artifact.
	// Jobs with the same fingerprint and format share the same key.
	KeyFor(job *models.Job) string
	// PutStream streams the artifact data from source into the blob store under
	// the job's key, returning the number of bytes written. The caller is
	// responsible for closing the reader.
	PutStream(ctx context.Context, job *models.Job, source io.Reader) (int64, error)
	// GetStream returns a reader over the job's stored artifact bytes.
	// The caller is responsible for closing the reader.
	// Returns gerror.ErrNotFound if the artifact does not exist.
	GetStream(ctx context.Context, job *models.Job) (io.ReadCloser, error)
	// Head returns the stored artifact's object metadata without reading its data.
	// Returns gerror.ErrNotFound if the artifact does not exist.
	Head(ctx context.Context, job *models.Job) (*models.BlobDescriptor, error)
	// Delete removes the job's artifact. Returns nil if it does not exist.
	Delete(ctx context.Context, job *models.Job) error
	// ReadSchema reads just enough of the stored Arrow IPC stream to decode its
	// schema, without fetching the artifact body.
	ReadSchema(ctx context.Context, job *models.Job) ([]models.Column, error)
}

// RegistryService is the durable source of truth for query and job records.
// All mutations route through here so the state machine stays in one place.
type RegistryService interface {
	// ClaimOrFind atomically claims a new pending job for the SQL's fingerprint,
	// or returns the existing job that answers for it. Claimed is true iff a new
	// job was inserted. At most one pending/running job can exist per
	// fingerprint at any time.
	ClaimOrFind(ctx context.Context, sql string, format models.ResultFormat) (job *models.Job, claimed bool, err error)
	// ReadJob returns the job with the specified ID.
	// Returns gerror.ErrNotFound if the job does not exist.
	ReadJob(ctx context.Context, txOrNil *store.Tx, id models.JobID) (*models.Job, error)
	// ReadQuery returns the query record for a fingerprint.
	// Returns gerror.ErrNotFound if the fingerprint has never been submitted.
	ReadQuery(ctx context.Context, txOrNil *store.Tx, fingerprint models.Fingerprint) (*models.Query, error)
	// Transition performs a compare-and-set status transition on a job,
	// returning true iff the job was in the from status and was updated.
	Transition(ctx context.Context, id models.JobID, from, to models.JobStatus, patch models.JobPatch) (bool, error)
	// MarkReady transitions a running job to ready, recording its row count and
	// artifact size. Returns true iff the transition applied.
	MarkReady(ctx context.Context, id models.JobID, rowCount, artifactBytes int64) (bool, error)
	// MarkError transitions a job from the specified status to error with the
	// supplied error code. Returns true iff the transition applied.
	MarkError(ctx context.Context, id models.JobID, from models.JobStatus, code models.ErrorCode) (bool, error)
	// RecoverOrphans terminates all pending/running jobs left over from a
	// previous process, marking them with the recovered_orphan error code.
	// Call once at startup before the worker pool accepts jobs.
	RecoverOrphans(ctx context.Context) (int64, error)
}

// WorkerPool executes claimed jobs on a bounded set of workers with a bounded
// FIFO queue in front of them.
type WorkerPool interface {
	// Enqueue submits a claimed pending job for execution. Never blocks:
	// returns gerror.ErrOverloaded if the queue is full.
	Enqueue(job *models.Job, sql string) error
	// Status returns a point-in-time snapshot of queue depth and workers.
	Status() dto.QueueStatus
	// Start launches the workers.
	Start() error
	// Stop drains in-flight work within the configured grace period; queued
	// jobs that never started are failed with the shutdown error code.
	Stop(ctx context.Context) error
}
