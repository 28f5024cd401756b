package dispatch

import (
	"context"
	"io"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/dto"
	"github.com/flightcache/flightcache/server/services"
	"github.com/flightcache/flightcache/server/services/registry"
	"github.com/flightcache/flightcache/server/services/telemetry"
)

// DispatchService is the entry point for query processing. It owns no state of
// its own: submissions read and write the registry, results stream from the
// artifact store, execution happens on the worker pool.
type DispatchService struct {
	registry  *registry.RegistryService
	artifacts services.ArtifactService
	pool      services.WorkerPool
	hook      telemetry.Hook
	logger.Log
}

func NewDispatchService(
	registryService *registry.RegistryService,
	artifactService services.ArtifactService,
	workerPool services.WorkerPool,
	hook telemetry.Hook,
	logFactory logger.LogFactory,
) *DispatchService {
	return &DispatchService{
		registry:  registryService,
		artifacts: artifactService,
		pool:      workerPool,
		hook:      hook,
		Log:       logFactory("DispatchService"),
	}
}

// Submit deduplicates and enrolls a query for execution. Exactly one of two
// concurrent submissions of the same SQL claims a new job; the other joins
// the winner's job and both handles resolve to the same job ID. A submission
// whose fingerprint already has a ready job is a cache hit and triggers no
// new work.
// Returns gerror.ErrOverloaded if a new job was needed but the pool queue
// was saturated; the claimed job is failed so a retry can claim afresh.
func (s *DispatchService) Submit(ctx context.Context, sql string) (*dto.SubmitResult, error) {
	job, claimed, err := s.registry.ClaimOrFind(ctx, sql, models.ResultFormatArrowStream)
	if err != nil {
		return nil, err
	}
	// Rejected submissions never count; the counter only moves once the
	// query has a job answering for it.
	s.hook.QuerySubmitted()

	if !claimed {
		if job.Status == models.JobStatusReady {
			s.hook.CacheHit()
		} else {
			s.hook.DedupJoin()
		}
		return &dto.SubmitResult{
			Job:      job,
			Claimed:  false,
			CacheHit: job.Status == models.JobStatusReady,
		}, nil
	}

	err = s.pool.Enqueue(job, sql)
	if err != nil {
		// The claim went through but the work can't run. Release the
		// fingerprint by failing the job, so a retry claims a fresh one.
		code := models.ErrorCodeOverloaded
		if gerror.IsShutdown(err) {
			code = models.ErrorCodeShutdown
		}
		_, markErr := s.registry.MarkError(ctx, job.ID, models.JobStatusPending, code)
		if markErr != nil {
			s.WithField("job_id", job.ID).Errorf("Failed to release rejected claim: %v", markErr)
		}
		return nil, err
	}
	return &dto.SubmitResult{Job: job, Claimed: true}, nil
}

// Status returns the job for a handle.
// Returns gerror.ErrNotFound if the job does not exist.
func (s *DispatchService) Status(ctx context.Context, id models.JobID) (*models.Job, error) {
	return s.registry.ReadJob(ctx, nil, id)
}

// ResultStream opens a stream over a ready job's artifact bytes. The caller
// is responsible for closing the stream.
// Returns gerror.ErrNotFound if the job does not exist, gerror.ErrNotReady if
// it has not reached the ready status.
func (s *DispatchService) ResultStream(ctx context.Context, id models.JobID) (io.ReadCloser, *models.Job, error) {
	job, err := s.requireReady(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	stream, err := s.artifacts.GetStream(ctx, job)
	if err != nil {
		return nil, nil, err
	}
	return stream, job, nil
}

// Schema returns the column names and types of a ready job's result. Only the
// schema message at the head of the stored stream is read, so this is
// constant-time in the result size.
func (s *DispatchService) Schema(ctx context.Context, id models.JobID) ([]models.Column, error) {
	job, err := s.requireReady(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.artifacts.ReadSchema(ctx, job)
}

// Metadata combines a ready job's registry fields with the stored artifact's
// object metadata and schema.
func (s *DispatchService) Metadata(ctx context.Context, id models.JobID) (*dto.JobMetadata, error) {
	job, err := s.requireReady(ctx, id)
	if err != nil {
		return nil, err
	}
	descriptor, err := s.artifacts.Head(ctx, job)
	if err != nil {
		return nil, err
	}
	columns, err := s.artifacts.ReadSchema(ctx, job)
	if err != nil {
		return nil, err
	}
	var numRows int64
	if job.RowCount != nil {
		numRows = *job.RowCount
	}
	return &dto.JobMetadata{
		Job:          job,
		Columns:      columns,
		NumRows:      numRows,
		NumColumns:   len(columns),
		Cached:       true,
		SizeBytes:    descriptor.SizeBytes,
		LastModified: descriptor.LastModified,
		Key:          s.artifacts.KeyFor(job),
	}, nil
}

// QueueStatus reports the worker pool's queue depth and worker counts.
func (s *DispatchService) QueueStatus() dto.QueueStatus {
	return s.pool.Status()
}

func (s *DispatchService) requireReady(ctx context.Context, id models.JobID) (*models.Job, error) {
	job, err := s.registry.ReadJob(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusReady {
		return nil, gerror.NewErrNotReady("Job result is not ready").
			IDetail("job_id", id).
			IDetail("status", job.Status)
	}
	return job, nil
}
