package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/store"
	"github.com/flightcache/flightcache/server/store/jobs"
	"github.com/flightcache/flightcache/server/store/queries"
)

// RegistryService is the durable source of truth for query and job records.
// All job mutations route through here so the state machine stays in one place.
type RegistryService struct {
	db         *store.DB
	queryStore *queries.QueryStore
	jobStore   *jobs.JobStore
	clock      clock.Clock
	logger.Log
}

func NewRegistryService(
	db *store.DB,
	queryStore *queries.QueryStore,
	jobStore *jobs.JobStore,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *RegistryService {
	return &RegistryService{
		db:         db,
		queryStore: queryStore,
		jobStore:   jobStore,
		clock:      clk,
		Log:        logFactory("RegistryService"),
	}
}

// ClaimOrFind atomically claims a new pending job for the SQL's fingerprint,
// or returns the existing job that answers for it. The read and the insert
// happen in one transaction, so two concurrent submissions of the same query
// cannot both claim; the loser sees the winner's job.
func (s *RegistryService) ClaimOrFind(ctx context.Context, sql string, format models.ResultFormat) (*models.Job, bool, error) {
	if strings.TrimSpace(sql) == "" {
		return nil, false, gerror.NewErrValidationFailed("SQL must not be empty")
	}
	now := models.NewTime(s.clock.Now())
	query := models.NewQuery(sql, now)

	var (
		job     *models.Job
		claimed bool
	)
	err := s.db.WithTx(ctx, nil, func(tx *store.Tx) error {
		err := s.queryStore.Upsert(ctx, tx, query)
		if err != nil {
			return fmt.Errorf("error recording query: %w", err)
		}
		// The upsert serializes concurrent first-time submissions of a
		// fingerprint; the row lock serializes submissions of a fingerprint
		// whose query row already exists, so two transactions cannot both
		// pass the read below and claim on databases that run transactions
		// concurrently.
		err = s.queryStore.LockRowForUpdate(ctx, tx, query.Fingerprint)
		if err != nil {
			return fmt.Errorf("error locking query record: %w", err)
		}
		existing, err := s.jobStore.ReadCurrentForFingerprint(ctx, tx, query.Fingerprint)
		if err == nil {
			job = existing
			claimed = false
			return nil
		}
		if !gerror.IsNotFound(err) {
			return fmt.Errorf("error looking up current job: %w", err)
		}
		job = models.NewJob(
			models.NewJobID(),
			query.Fingerprint,
			format,
			models.MakeArtifactKey(query.Fingerprint, format),
			now,
		)
		err = s.jobStore.Create(ctx, tx, job)
		if err != nil {
			return fmt.Errorf("error claiming job: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if claimed {
		s.WithField("job_id", job.ID).
			WithField("fingerprint", job.Fingerprint).
			Infof("Claimed new job")
	}
	return job, claimed, nil
}

// ReadJob returns the job with the specified ID.
// Returns gerror.ErrNotFound if the job does not exist.
func (s *RegistryService) ReadJob(ctx context.Context, txOrNil *store.Tx, id models.JobID) (*models.Job, error) {
	return s.jobStore.Read(ctx, txOrNil, id)
}

// ReadQuery returns the query record for a fingerprint.
// Returns gerror.ErrNotFound if the fingerprint has never been submitted.
func (s *RegistryService) ReadQuery(ctx context.Context, txOrNil *store.Tx, fingerprint models.Fingerprint) (*models.Query, error) {
	return s.queryStore.Read(ctx, txOrNil, fingerprint)
}

// Transition performs a compare-and-set status transition on a job, returning
// true iff the job was in the from status and was updated.
func (s *RegistryService) Transition(ctx context.Context, id models.JobID, from, to models.JobStatus, patch models.JobPatch) (bool, error) {
	applied, err := s.jobStore.Transition(ctx, nil, id, from, to, patch)
	if err != nil {
		return false, err
	}
	if !applied {
		s.WithField("job_id", id).
			WithField("from", from).
			WithField("to", to).
			Warnf("Transition did not apply; job was not in expected status")
	}
	return applied, nil
}

// MarkReady transitions a running job to ready, recording its row count and
// artifact size. Returns true iff the transition applied.
func (s *RegistryService) MarkReady(ctx context.Context, id models.JobID, rowCount, artifactBytes int64) (bool, error) {
	completedAt := models.NewTime(s.clock.Now())
	return s.Transition(ctx, id, models.JobStatusRunning, models.JobStatusReady, models.JobPatch{
		CompletedAt:   &completedAt,
		RowCount:      &rowCount,
		ArtifactBytes: &artifactBytes,
	})
}

// MarkError transitions a job from the specified status to error with the
// supplied error code. Returns true iff the transition applied.
func (s *RegistryService) MarkError(ctx context.Context, id models.JobID, from models.JobStatus, code models.ErrorCode) (bool, error) {
	completedAt := models.NewTime(s.clock.Now())
	return s.Transition(ctx, id, from, models.JobStatusError, models.JobPatch{
		CompletedAt: &completedAt,
		ErrorCode:   &code,
	})
}

// RecoverOrphans terminates all pending/running jobs left over from a previous
// process. Call once at startup, before the worker pool accepts jobs, so no
// live worker can be racing the recovery.
func (s *RegistryService) RecoverOrphans(ctx context.Context) (int64, error) {
	recovered, err := s.jobStore.RecoverOrphans(ctx, nil, models.NewTime(s.clock.Now()))
	if err != nil {
		return 0, fmt.Errorf("error recovering orphaned jobs: %w", err)
	}
	if recovered > 0 {
		s.Warnf("Recovered %d orphaned job(s) from a previous process", recovered)
	}
	return recovered, nil
}
