package dispatch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/services/artifact"
	"github.com/flightcache/flightcache/server/services/blob"
	"github.com/flightcache/flightcache/server/services/dispatch"
	"github.com/flightcache/flightcache/server/services/engine"
	"github.com/flightcache/flightcache/server/services/pool"
	"github.com/flightcache/flightcache/server/services/registry"
	"github.com/flightcache/flightcache/server/services/telemetry"
	"github.com/flightcache/flightcache/server/store/jobs"
	"github.com/flightcache/flightcache/server/store/queries"
	"github.com/flightcache/flightcache/server/store/store_test"
)

func newDispatcher(t *testing.T) *dispatch.DispatchService {
	return newDispatcherWithHook(t, telemetry.NewNoOpHook())
}

func newDispatcherWithHook(t *testing.T, hook telemetry.Hook) *dispatch.DispatchService {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err, "error initializing test database")
	t.Cleanup(cleanup)

	registryService := registry.NewRegistryService(
		db, queries.NewStore(db, logFactory), jobs.NewStore(db, logFactory), clock.New(), logFactory)

	blobStore := blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir()))
	artifactService := artifact.NewArtifactService(blobStore, logFactory)

	sqliteEngine, err := engine.NewSQLiteEngine(engine.SQLiteEngineConfig{Path: ":memory:", BatchSize: 100}, logFactory)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteEngine.Close() })
	_, err = sqliteEngine.DB().Exec(`CREATE TABLE numbers (n INTEGER)`)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = sqliteEngine.DB().Exec(`INSERT INTO numbers VALUES (?)`, i)
		require.NoError(t, err)
	}

	workerPool := pool.NewWorkerPool(
		pool.WorkerPoolConfig{MaxWorkers: 4},
		registryService, artifactService, sqliteEngine, telemetry.NewNoOpHook(), clock.New(), logFactory)
	require.NoError(t, workerPool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		workerPool.Stop(ctx)
	})

	return dispatch.NewDispatchService(registryService, artifactService, workerPool, hook, logFactory)
}

func waitReady(t *testing.T, dispatcher *dispatch.DispatchService, id models.JobID) *models.Job {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := dispatcher.Status(context.Background(), id)
		require.NoError(t, err)
		if job.Status.Terminal() {
			require.Equal(t, models.JobStatusReady, job.Status, "job failed with code %v", job.ErrorCode)
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s not ready in time", id)
	return nil
}

func TestSubmitStorm(t *testing.T) {
	dispatcher := newDispatcher(t)
	const submitters = 20
	sql := "SELECT n FROM numbers ORDER BY n"

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = map[models.JobID]int{}
		claimed int
	)
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := dispatcher.Submit(context.Background(), sql)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[result.Job.ID]++
			if result.Claimed {
				claimed++
			}
		}()
	}
	wg.Wait()

	// All concurrent submissions converge on a single job
	assert.Len(t, ids, 1, "expected all submissions to resolve to one job, got %v", ids)
	assert.Equal(t, 1, claimed, "expected exactly one submission to claim")

	for id := range ids {
		waitReady(t, dispatcher, id)
	}
}

func TestSubmitIdempotentAfterReady(t *testing.T) {
	dispatcher := newDispatcher(t)
	sql := "SELECT n * 2 AS doubled FROM numbers"

	first, err := dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)
	require.True(t, first.Claimed)
	waitReady(t, dispatcher, first.Job.ID)

	second, err := dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)
	assert.False(t, second.Claimed)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, models.JobStatusReady, second.Job.Status)

	// Whitespace-trimmed variants hit the same artifact
	third, err := dispatcher.Submit(context.Background(), "  \n"+sql+"\t ")
	require.NoError(t, err)
	assert.Equal(t, first.Job.ID, third.Job.ID)
}

func TestResubmitAfterErrorClaimsFreshJob(t *testing.T) {
	dispatcher := newDispatcher(t)
	sql := "SELECT broken FROM missing_table"

	first, err := dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)
	require.True(t, first.Claimed)

	// Wait for the failure
	deadline := time.Now().Add(10 * time.Second)
	for {
		job, err := dispatcher.Status(context.Background(), first.Job.ID)
		require.NoError(t, err)
		if job.Status.Terminal() {
			require.Equal(t, models.JobStatusError, job.Status)
			break
		}
		require.True(t, time.Now().Before(deadline), "job did not fail in time")
		time.Sleep(10 * time.Millisecond)
	}

	second, err := dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)
	assert.True(t, second.Claimed, "a failed job must not answer for its fingerprint")
	assert.NotEqual(t, first.Job.ID, second.Job.ID)
}

func TestSubmitEmptySQL(t *testing.T) {
	dispatcher := newDispatcher(t)
	_, err := dispatcher.Submit(context.Background(), "   \n\t ")
	assert.True(t, gerror.IsValidationFailed(err))
}

// countingHook records how many submissions were counted so tests can pin
// down exactly when the counter moves.
type countingHook struct {
	telemetry.NoOpHook
	mu          sync.Mutex
	submissions int
}

func (h *countingHook) QuerySubmitted() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.submissions++
}

func (h *countingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.submissions
}

func TestSubmitCountsOnlyAcceptedQueries(t *testing.T) {
	hook := &countingHook{}
	dispatcher := newDispatcherWithHook(t, hook)
	sql := "SELECT n FROM numbers"

	// A rejected submission must not move the counter
	_, err := dispatcher.Submit(context.Background(), "   ")
	require.True(t, gerror.IsValidationFailed(err))
	assert.Equal(t, 0, hook.count(), "rejected submission must not count")

	result, err := dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)
	assert.Equal(t, 1, hook.count())

	// Cache hits are still submissions
	waitReady(t, dispatcher, result.Job.ID)
	_, err = dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)
	assert.Equal(t, 2, hook.count())
}

func TestStatusNotFound(t *testing.T) {
	dispatcher := newDispatcher(t)
	_, err := dispatcher.Status(context.Background(), models.NewJobID())
	assert.True(t, gerror.IsNotFound(err))
}

func TestResultLifecycle(t *testing.T) {
	dispatcher := newDispatcher(t)
	sql := "SELECT n, n * n AS squared FROM numbers ORDER BY n"

	result, err := dispatcher.Submit(context.Background(), sql)
	require.NoError(t, err)

	// Result/schema/metadata before ready fail with not_ready
	_, _, err = dispatcher.ResultStream(context.Background(), result.Job.ID)
	if err != nil {
		assert.True(t, gerror.IsNotReady(err), "expected not ready, got %v", err)
	}

	job := waitReady(t, dispatcher, result.Job.ID)

	stream, streamedJob, err := dispatcher.ResultStream(context.Background(), job.ID)
	require.NoError(t, err)
	defer stream.Close()
	assert.Equal(t, job.ID, streamedJob.ID)

	reader, err := ipc.NewReader(stream)
	require.NoError(t, err)
	defer reader.Release()
	var rows int64
	for reader.Next() {
		rows += reader.Record().NumRows()
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, int64(10), rows)

	columns, err := dispatcher.Schema(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, columns, 2)
	assert.Equal(t, "n", columns[0].Name)
	assert.Equal(t, "squared", columns[1].Name)

	metadata, err := dispatcher.Metadata(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), metadata.NumRows)
	assert.Equal(t, 2, metadata.NumColumns)
	assert.True(t, metadata.Cached)
	assert.Greater(t, metadata.SizeBytes, int64(0))
	assert.Equal(t, models.MakeArtifactKey(job.Fingerprint, job.Format), metadata.Key)
}
