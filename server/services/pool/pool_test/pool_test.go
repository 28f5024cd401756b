package pool_test

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"testing"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/services"
	"github.com/flightcache/flightcache/server/services/artifact"
	"github.com/flightcache/flightcache/server/services/blob"
	"github.com/flightcache/flightcache/server/services/engine"
	"github.com/flightcache/flightcache/server/services/pool"
	"github.com/flightcache/flightcache/server/services/registry"
	"github.com/flightcache/flightcache/server/services/telemetry"
	"github.com/flightcache/flightcache/server/store/jobs"
	"github.com/flightcache/flightcache/server/store/queries"
	"github.com/flightcache/flightcache/server/store/store_test"
)

type harness struct {
	registry  *registry.RegistryService
	artifacts services.ArtifactService
	blobStore services.BlobStore
	pool      *pool.WorkerPool
}

// newHarness wires a pool over an in-memory registry, a local blob store and
// the supplied engine. Passing a nil engine uses an embedded sqlite engine
// with a small sales fixture loaded.
func newHarness(t *testing.T, config pool.WorkerPoolConfig, queryEngine engine.Engine, blobStore services.BlobStore) *harness {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err, "error initializing test database")
	t.Cleanup(cleanup)

	registryService := registry.NewRegistryService(
		db, queries.NewStore(db, logFactory), jobs.NewStore(db, logFactory), clock.New(), logFactory)

	if blobStore == nil {
		blobStore = blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir()))
	}
	artifactService := artifact.NewArtifactService(blobStore, logFactory)

	if queryEngine == nil {
		sqliteEngine, err := engine.NewSQLiteEngine(engine.SQLiteEngineConfig{Path: ":memory:", BatchSize: 10}, logFactory)
		require.NoError(t, err, "error creating engine")
		t.Cleanup(func() { sqliteEngine.Close() })
		_, err = sqliteEngine.DB().Exec(`CREATE TABLE sales (id INTEGER PRIMARY KEY, region TEXT, amount REAL)`)
		require.NoError(t, err)
		for i := 0; i < 25; i++ {
			_, err = sqliteEngine.DB().Exec(`INSERT INTO sales (region, amount) VALUES (?, ?)`, fmt.Sprintf("region-%d", i%4), float64(i))
			require.NoError(t, err)
		}
		queryEngine = sqliteEngine
	}

	workerPool := pool.NewWorkerPool(
		config, registryService, artifactService, queryEngine, telemetry.NewNoOpHook(), clock.New(), logFactory)
	require.NoError(t, workerPool.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		workerPool.Stop(ctx)
	})

	return &harness{
		registry:  registryService,
		artifacts: artifactService,
		blobStore: blobStore,
		pool:      workerPool,
	}
}

// submit claims a job for sql and enqueues it.
func (h *harness) submit(t *testing.T, sql string) *models.Job {
	job, claimed, err := h.registry.ClaimOrFind(context.Background(), sql, models.ResultFormatArrowStream)
	require.NoError(t, err, "error claiming job")
	require.True(t, claimed, "expected a fresh claim for %q", sql)
	require.NoError(t, h.pool.Enqueue(job, sql))
	return job
}

// waitTerminal polls the registry until the job reaches a terminal status.
func (h *harness) waitTerminal(t *testing.T, id models.JobID) *models.Job {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.registry.ReadJob(context.Background(), nil, id)
		require.NoError(t, err, "error reading job")
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status in time", id)
	return nil
}

func TestPoolExecutesJob(t *testing.T) {
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 2}, nil, nil)

	job := h.submit(t, "SELECT id, region, amount FROM sales ORDER BY id")
	job = h.waitTerminal(t, job.ID)

	require.Equal(t, models.JobStatusReady, job.Status)
	require.NotNil(t, job.RowCount)
	assert.Equal(t, int64(25), *job.RowCount)
	require.NotNil(t, job.ArtifactBytes)
	assert.Greater(t, *job.ArtifactBytes, int64(0))
	require.NotNil(t, job.CompletedAt)

	// Ready implies the artifact exists and its size matches the registry
	descriptor, err := h.artifacts.Head(context.Background(), job)
	require.NoError(t, err, "ready job must have a stored artifact")
	assert.Equal(t, *job.ArtifactBytes, descriptor.SizeBytes)

	// The stored bytes are a valid Arrow IPC stream that round-trips
	stream, err := h.artifacts.GetStream(context.Background(), job)
	require.NoError(t, err)
	defer stream.Close()
	reader, err := ipc.NewReader(stream)
	require.NoError(t, err, "artifact must decode as an IPC stream")
	defer reader.Release()
	assert.Equal(t, 3, reader.Schema().NumFields())
	var rows int64
	for reader.Next() {
		rows += reader.Record().NumRows()
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, int64(25), rows)
}

func TestPoolEmptyResult(t *testing.T) {
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1}, nil, nil)

	job := h.submit(t, "SELECT id, region FROM sales WHERE amount < 0")
	job = h.waitTerminal(t, job.ID)

	require.Equal(t, models.JobStatusReady, job.Status)
	require.NotNil(t, job.RowCount)
	assert.Equal(t, int64(0), *job.RowCount)

	// A zero-batch stream still carries the schema
	stream, err := h.artifacts.GetStream(context.Background(), job)
	require.NoError(t, err)
	defer stream.Close()
	reader, err := ipc.NewReader(stream)
	require.NoError(t, err)
	defer reader.Release()
	assert.Equal(t, 2, reader.Schema().NumFields())
	assert.False(t, reader.Next())
	require.NoError(t, reader.Err())
}

func TestPoolExecutionFailure(t *testing.T) {
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1}, nil, nil)

	job := h.submit(t, "SELECT boom FROM no_such_table")
	job = h.waitTerminal(t, job.ID)

	require.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, models.ErrorCodeExecutionFailed, *job.ErrorCode)
	assert.Nil(t, job.RowCount)

	_, err := h.artifacts.Head(context.Background(), job)
	assert.True(t, gerror.IsNotFound(err), "failed job must not publish an artifact")
}

// failingBlobStore rejects every put to force the upload_failed path.
type failingBlobStore struct {
	services.BlobStore
}

func (s *failingBlobStore) PutBlob(ctx context.Context, key string, source io.Reader) error {
	io.Copy(io.Discard, source)
	return fmt.Errorf("induced put failure for %s", key)
}

func TestPoolUploadFailure(t *testing.T) {
	failing := &failingBlobStore{
		BlobStore: blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir())),
	}
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1}, nil, failing)

	job := h.submit(t, "SELECT id FROM sales")
	job = h.waitTerminal(t, job.ID)

	require.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, models.ErrorCodeUploadFailed, *job.ErrorCode)
}

// abortingBlobStore reads only a few bytes of each put before failing, so
// the producer is still writing into the pipe when the store gives up.
type abortingBlobStore struct {
	services.BlobStore
}

func (s *abortingBlobStore) PutBlob(ctx context.Context, key string, source io.Reader) error {
	buf := make([]byte, 8)
	io.ReadFull(source, buf)
	return fmt.Errorf("induced mid-stream put failure for %s", key)
}

func TestPoolUploadFailureMidStream(t *testing.T) {
	aborting := &abortingBlobStore{
		BlobStore: blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir())),
	}
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1}, nil, aborting)

	job := h.submit(t, "SELECT id, region, amount FROM sales ORDER BY id")
	job = h.waitTerminal(t, job.ID)

	// The engine produced rows fine; a store that stops consuming partway
	// through must not pin the failure on execution.
	require.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, models.ErrorCodeUploadFailed, *job.ErrorCode)
}

// discardingBlobStore accepts every put but throws the bytes away, so tests
// can stream results far larger than they would want on disk.
type discardingBlobStore struct {
	services.BlobStore
}

func (s *discardingBlobStore) PutBlob(ctx context.Context, key string, source io.Reader) error {
	_, err := io.Copy(io.Discard, source)
	return err
}

// firehoseBatchReader synthesizes each batch on demand, so the total bytes
// streamed far exceed what the reader ever holds at once.
type firehoseBatchReader struct {
	batches int
	payload []byte
	emitted int
}

func (r *firehoseBatchReader) Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{{Name: "payload", Type: arrow.BinaryTypes.Binary}}, nil)
}

func (r *firehoseBatchReader) Next() (arrow.Record, error) {
	if r.emitted >= r.batches {
		return nil, io.EOF
	}
	r.emitted++
	builder := array.NewRecordBuilder(memory.DefaultAllocator, r.Schema())
	defer builder.Release()
	builder.Field(0).(*array.BinaryBuilder).Append(r.payload)
	return builder.NewRecord(), nil
}

func (r *firehoseBatchReader) Close() error { return nil }

type firehoseEngine struct {
	reader engine.BatchReader
}

func (e *firehoseEngine) Execute(ctx context.Context, sql string) (engine.BatchReader, error) {
	return e.reader, nil
}

func (e *firehoseEngine) Close() error { return nil }

func TestPoolStreamsWithoutBuffering(t *testing.T) {
	const (
		batches     = 64
		payloadSize = 1 << 20
	)
	reader := &firehoseBatchReader{batches: batches, payload: make([]byte, payloadSize)}
	discarding := &discardingBlobStore{
		BlobStore: blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(t.TempDir())),
	}
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1}, &firehoseEngine{reader: reader}, discarding)

	runtime.GC()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)

	job := h.submit(t, "SELECT payload FROM firehose")
	job = h.waitTerminal(t, job.ID)

	runtime.GC()
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	require.Equal(t, models.JobStatusReady, job.Status)
	require.NotNil(t, job.RowCount)
	assert.Equal(t, int64(batches), *job.RowCount)
	require.NotNil(t, job.ArtifactBytes)
	assert.Greater(t, *job.ArtifactBytes, int64(batches*payloadSize))

	// The result must flow through the pipe batch by batch, never
	// accumulating in memory. Allow generous allocator slack while staying
	// far below the bytes that went through.
	streamed := uint64(batches * payloadSize)
	var grown uint64
	if after.HeapAlloc > before.HeapAlloc {
		grown = after.HeapAlloc - before.HeapAlloc
	}
	assert.Less(t, grown, streamed/4, "heap grew %d bytes for a %d byte stream", grown, streamed)
}

// blockingEngine parks every execution until released, so tests can hold
// workers busy deterministically.
type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func newBlockingEngine() *blockingEngine {
	return &blockingEngine{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (e *blockingEngine) Execute(ctx context.Context, sql string) (engine.BatchReader, error) {
	e.started <- struct{}{}
	<-e.release
	return &emptyBatchReader{}, nil
}

func (e *blockingEngine) Close() error { return nil }

type emptyBatchReader struct{}

func (r *emptyBatchReader) Schema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{{Name: "n", Type: arrow.PrimitiveTypes.Int64, Nullable: true}}, nil)
}

func (r *emptyBatchReader) Next() (arrow.Record, error) { return nil, io.EOF }
func (r *emptyBatchReader) Close() error                { return nil }

func TestPoolOverload(t *testing.T) {
	blocking := newBlockingEngine()
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1, QueueDepth: 1}, blocking, nil)

	// First job occupies the only worker
	first := h.submit(t, "SELECT 'job-1'")
	<-blocking.started

	// Second job fills the queue
	second := h.submit(t, "SELECT 'job-2'")

	// Third submission must be rejected, not blocked
	third, claimed, err := h.registry.ClaimOrFind(context.Background(), "SELECT 'job-3'", models.ResultFormatArrowStream)
	require.NoError(t, err)
	require.True(t, claimed)
	err = h.pool.Enqueue(third, "SELECT 'job-3'")
	assert.True(t, gerror.IsOverloaded(err), "expected overloaded, got %v", err)

	status := h.pool.Status()
	assert.Equal(t, 1, status.QueueDepth)
	assert.Equal(t, 1, status.ActiveWorkers)
	assert.Equal(t, 1, status.MaxWorkers)

	// Release the workers and let the accepted jobs finish
	close(blocking.release)
	assert.Equal(t, models.JobStatusReady, h.waitTerminal(t, first.ID).Status)
	assert.Equal(t, models.JobStatusReady, h.waitTerminal(t, second.ID).Status)
}

func TestPoolShutdownFailsQueuedJobs(t *testing.T) {
	blocking := newBlockingEngine()
	h := newHarness(t, pool.WorkerPoolConfig{MaxWorkers: 1, QueueDepth: 4, DrainGrace: 50 * time.Millisecond}, blocking, nil)

	running := h.submit(t, "SELECT 'running'")
	<-blocking.started
	queued := h.submit(t, "SELECT 'queued'")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pool.Stop(ctx))

	// The queued job never started and is failed with shutdown
	job, err := h.registry.ReadJob(context.Background(), nil, queued.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, models.ErrorCodeShutdown, *job.ErrorCode)

	// Enqueue after stop is refused
	err = h.pool.Enqueue(running, "SELECT 'running'")
	assert.True(t, gerror.IsShutdown(err))

	// The abandoned running job is still marked running; startup recovery owns it
	job, err = h.registry.ReadJob(context.Background(), nil, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	recovered, err := h.registry.RecoverOrphans(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, recovered, int64(1))
	job, err = h.registry.ReadJob(context.Background(), nil, running.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusError, job.Status)
	assert.Equal(t, models.ErrorCodeRecoveredOrphan, *job.ErrorCode)

	// Unblock the abandoned worker so the goroutine exits
	close(blocking.release)
}