package jobs

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/store"
)

const tableName = "jobs"

// JobStore persists the durable record of every job's state machine.
type JobStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *JobStore {
	return &JobStore{
		db:  db,
		Log: logFactory("JobStore"),
	}
}

// Create a new job in the pending status.
// Returns gerror.ErrAlreadyExists if a job with the same ID already exists.
func (d *JobStore) Create(ctx context.Context, txOrNil *store.Tx, job *models.Job) error {
	return d.db.Write2(txOrNil, func(db store.Writer) error {
		_, err := db.Insert(goqu.T(tableName)).
			Rows(job).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing create query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// Read an existing job, looking it up by ID.
// Returns gerror.ErrNotFound if the job does not exist.
func (d *JobStore) Read(ctx context.Context, txOrNil *store.Tx, id models.JobID) (*models.Job, error) {
	job := &models.Job{}
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		return d.readIn(ctx, db, job, db.From(tableName).
			Select(job).
			Where(goqu.Ex{"job_id": id}))
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReadCurrentForFingerprint returns the job that currently answers for the
// fingerprint: an active (pending/running) or ready job, most recent first.
// Returns gerror.ErrNotFound if no such job exists, in which case the caller
// is free to insert a fresh pending job.
func (d *JobStore) ReadCurrentForFingerprint(ctx context.Context, txOrNil *store.Tx, fingerprint models.Fingerprint) (*models.Job, error) {
	job := &models.Job{}
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		return d.readIn(ctx, db, job, db.From(tableName).
			Select(job).
			Where(goqu.Ex{
				"job_fingerprint": fingerprint,
				"job_status": []string{
					models.JobStatusPending.String(),
					models.JobStatusRunning.String(),
					models.JobStatusReady.String(),
				},
			}).
			Order(goqu.I("job_created_at").Desc()).
			Limit(1))
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// LatestForFingerprint returns the most recent job for the fingerprint in any
// status. Returns gerror.ErrNotFound if the fingerprint has never been run.
func (d *JobStore) LatestForFingerprint(ctx context.Context, txOrNil *store.Tx, fingerprint models.Fingerprint) (*models.Job, error) {
	job := &models.Job{}
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		return d.readIn(ctx, db, job, db.From(tableName).
			Select(job).
			Where(goqu.Ex{"job_fingerprint": fingerprint}).
			Order(goqu.I("job_created_at").Desc()).
			Limit(1))
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListByStatus returns all jobs with the specified status.
func (d *JobStore) ListByStatus(ctx context.Context, txOrNil *store.Tx, status models.JobStatus) ([]*models.Job, error) {
	var jobs []*models.Job
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := db.From(tableName).
			Select(&models.Job{}).
			Where(goqu.Ex{"job_status": status}).
			Order(goqu.I("job_created_at").Asc())
		sql, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating list query: %w", err)
		}
		return db.ScanStructsContext(ctx, &jobs, sql, args...)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Transition performs a compare-and-set state transition: the row is updated
// only if its current status matches from. Fields in patch are applied
// alongside the new status. Returns true iff the row matched and was updated.
func (d *JobStore) Transition(
	ctx context.Context,
	txOrNil *store.Tx,
	id models.JobID,
	from models.JobStatus,
	to models.JobStatus,
	patch models.JobPatch,
) (bool, error) {
	record := goqu.Record{"job_status": to}
	if patch.CompletedAt != nil {
		record["job_completed_at"] = patch.CompletedAt
	}
	if patch.RowCount != nil {
		record["job_row_count"] = patch.RowCount
	}
	if patch.ArtifactBytes != nil {
		record["job_artifact_bytes"] = patch.ArtifactBytes
	}
	if patch.ErrorCode != nil {
		record["job_error_code"] = patch.ErrorCode
	}
	var updated bool
	err := d.db.Write2(txOrNil, func(db store.Writer) error {
		result, err := db.Update(goqu.T(tableName)).
			Set(record).
			Where(goqu.Ex{"job_id": id, "job_status": from}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing transition query: %w", store.MakeStandardDBError(err))
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading transition row count: %w", err)
		}
		updated = affected == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// RecoverOrphans force-terminates every job still in a non-terminal status.
// This runs once at startup: any such job was owned by a worker that no
// longer exists. Returns the number of jobs recovered.
func (d *JobStore) RecoverOrphans(ctx context.Context, txOrNil *store.Tx, now models.Time) (int64, error) {
	code := models.ErrorCodeRecoveredOrphan
	var recovered int64
	err := d.db.Write2(txOrNil, func(db store.Writer) error {
		result, err := db.Update(goqu.T(tableName)).
			Set(goqu.Record{
				"job_status":       models.JobStatusError,
				"job_error_code":   code,
				"job_completed_at": now,
			}).
			Where(goqu.Ex{"job_status": []string{
				models.JobStatusPending.String(),
				models.JobStatusRunning.String(),
			}}).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing recover query: %w", store.MakeStandardDBError(err))
		}
		recovered, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error reading recover row count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

func (d *JobStore) readIn(ctx context.Context, db store.Reader, job *models.Job, ds *goqu.SelectDataset) error {
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("error generating job query: %w", err)
	}
	found, err := db.ScanStructContext(ctx, job, sql, args...)
	if err != nil {
		return store.MakeStandardDBError(err)
	}
	if !found {
		return gerror.NewErrNotFound("Job not found")
	}
	return nil
}
