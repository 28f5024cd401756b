package registry_test

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/services/registry"
	"github.com/flightcache/flightcache/server/store/jobs"
	"github.com/flightcache/flightcache/server/store/queries"
	"github.com/flightcache/flightcache/server/store/store_test"
)

func newRegistry(t *testing.T) *registry.RegistryService {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err, "error initializing test database")
	t.Cleanup(cleanup)
	return registry.NewRegistryService(
		db, queries.NewStore(db, logFactory), jobs.NewStore(db, logFactory), clock.New(), logFactory)
}

func TestClaimOrFind(t *testing.T) {
	svc := newRegistry(t)
	ctx := context.Background()
	sql := "SELECT * FROM trips WHERE distance > 10"

	job, claimed, err := svc.ClaimOrFind(ctx, sql, models.ResultFormatArrowStream)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.FingerprintSQL(sql), job.Fingerprint)
	assert.Equal(t, models.MakeArtifactKey(job.Fingerprint, job.Format), job.ArtifactKey)

	// The original SQL is recorded against the fingerprint
	query, err := svc.ReadQuery(ctx, nil, job.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, sql, query.SQL)

	// A second submission joins the pending job rather than claiming
	joined, claimed, err := svc.ClaimOrFind(ctx, sql, models.ResultFormatArrowStream)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, job.ID, joined.ID)

	// Trim-insensitive: leading and trailing whitespace hit the same fingerprint
	trimmed, claimed, err := svc.ClaimOrFind(ctx, "  "+sql+"\n", models.ResultFormatArrowStream)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, job.ID, trimmed.ID)

	_, _, err = svc.ClaimOrFind(ctx, " \t\n", models.ResultFormatArrowStream)
	assert.True(t, gerror.IsValidationFailed(err))
}

func TestMarkReadyLifecycle(t *testing.T) {
	svc := newRegistry(t)
	ctx := context.Background()

	job, claimed, err := svc.ClaimOrFind(ctx, "SELECT 1", models.ResultFormatArrowStream)
	require.NoError(t, err)
	require.True(t, claimed)

	// MarkReady requires the job to be running first
	applied, err := svc.MarkReady(ctx, job.ID, 1, 128)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = svc.Transition(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning, models.JobPatch{})
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = svc.MarkReady(ctx, job.ID, 1, 128)
	require.NoError(t, err)
	require.True(t, applied)

	ready, err := svc.ReadJob(ctx, nil, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, ready.Status)
	require.NotNil(t, ready.RowCount)
	assert.Equal(t, int64(1), *ready.RowCount)
	require.NotNil(t, ready.ArtifactBytes)
	assert.Equal(t, int64(128), *ready.ArtifactBytes)
	assert.NotNil(t, ready.CompletedAt)

	// Terminal jobs are frozen
	applied, err = svc.MarkError(ctx, job.ID, models.JobStatusReady, models.ErrorCodeShutdown)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestRecoverOrphans(t *testing.T) {
	svc := newRegistry(t)
	ctx := context.Background()

	pending, _, err := svc.ClaimOrFind(ctx, "SELECT 'a'", models.ResultFormatArrowStream)
	require.NoError(t, err)
	running, _, err := svc.ClaimOrFind(ctx, "SELECT 'b'", models.ResultFormatArrowStream)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, running.ID, models.JobStatusPending, models.JobStatusRunning, models.JobPatch{})
	require.NoError(t, err)

	recovered, err := svc.RecoverOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), recovered)

	for _, id := range []models.JobID{pending.ID, running.ID} {
		job, err := svc.ReadJob(ctx, nil, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusError, job.Status)
		require.NotNil(t, job.ErrorCode)
		assert.Equal(t, models.ErrorCodeRecoveredOrphan, *job.ErrorCode)
	}
}
