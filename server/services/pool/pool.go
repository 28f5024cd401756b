package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/benbjohnson/clock"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/dto"
	"github.com/flightcache/flightcache/server/services"
	"github.com/flightcache/flightcache/server/services/engine"
	"github.com/flightcache/flightcache/server/services/registry"
	"github.com/flightcache/flightcache/server/services/telemetry"
)

const (
	DefaultMaxWorkers = 4
	DefaultQueueDepth = 64
	DefaultDrainGrace = 30 * time.Second
)

type WorkerPoolConfig struct {
	// MaxWorkers is the number of concurrent workers executing jobs.
	MaxWorkers int
	// QueueDepth bounds the FIFO queue in front of the workers. Submissions
	// beyond this bound are rejected, never blocked.
	QueueDepth int
	// DrainGrace is how long Stop waits for in-flight jobs before giving up.
	DrainGrace time.Duration
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = DefaultDrainGrace
	}
	return c
}

type workItem struct {
	job *models.Job
	sql string
}

// WorkerPool executes claimed jobs on a bounded set of workers. Each job runs
// the engine -> Arrow IPC -> blob store path as one stream; results never
// materialize in memory. Workers classify and record their own failures; no
// error escapes the pool.
type WorkerPool struct {
	config    WorkerPoolConfig
	registry  *registry.RegistryService
	artifacts services.ArtifactService
	engine    engine.Engine
	hook      telemetry.Hook
	clock     clock.Clock
	queue     chan workItem
	quit      chan struct{}
	wg        sync.WaitGroup
	active    int32
	stopped   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	logger.Log
}

func NewWorkerPool(
	config WorkerPoolConfig,
	registryService *registry.RegistryService,
	artifactService services.ArtifactService,
	queryEngine engine.Engine,
	hook telemetry.Hook,
	clk clock.Clock,
	logFactory logger.LogFactory,
) *WorkerPool {
	config = config.withDefaults()
	return &WorkerPool{
		config:    config,
		registry:  registryService,
		artifacts: artifactService,
		engine:    queryEngine,
		hook:      hook,
		clock:     clk,
		queue:     make(chan workItem, config.QueueDepth),
		quit:      make(chan struct{}),
		Log:       logFactory("WorkerPool"),
	}
}

// Start launches the workers.
func (p *WorkerPool) Start() error {
	p.startOnce.Do(func() {
		p.Infof("Starting %d worker(s), queue depth %d", p.config.MaxWorkers, p.config.QueueDepth)
		for i := 0; i < p.config.MaxWorkers; i++ {
			p.wg.Add(1)
			go p.workerLoop(i)
		}
	})
	return nil
}

// Enqueue submits a claimed pending job for execution. Never blocks: returns
// gerror.ErrOverloaded if the queue is full, gerror.ErrShutdown if the pool
// is stopping.
func (p *WorkerPool) Enqueue(job *models.Job, sql string) error {
	if p.stopped.Load() {
		return gerror.NewErrShutdown("Worker pool is shutting down")
	}
	select {
	case p.queue <- workItem{job: job, sql: sql}:
		p.hook.SetQueueDepth(len(p.queue))
		return nil
	default:
		return gerror.NewErrOverloaded()
	}
}

// Status returns a point-in-time snapshot of queue depth and workers.
func (p *WorkerPool) Status() dto.QueueStatus {
	return dto.QueueStatus{
		QueueDepth:    len(p.queue),
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		MaxWorkers:    p.config.MaxWorkers,
	}
}

// Stop drains in-flight work within the configured grace period. Queued jobs
// that never started are failed with the shutdown error code. Jobs still
// running when the grace expires are abandoned; the next startup reconciles
// them as recovered orphans.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.quit)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		timer := p.clock.Timer(p.config.DrainGrace)
		defer timer.Stop()
		select {
		case <-done:
			p.Infof("All workers drained")
		case <-timer.C:
			p.Warnf("Drain grace of %s expired with %d worker(s) still busy; abandoning",
				p.config.DrainGrace, atomic.LoadInt32(&p.active))
		case <-ctx.Done():
			p.Warnf("Stop context cancelled with %d worker(s) still busy; abandoning",
				atomic.LoadInt32(&p.active))
		}

		p.failQueuedJobs(ctx)
	})
	return nil
}

// failQueuedJobs marks every job still sitting in the queue as shutdown.
func (p *WorkerPool) failQueuedJobs(ctx context.Context) {
	for {
		select {
		case item := <-p.queue:
			_, err := p.registry.MarkError(ctx, item.job.ID, models.JobStatusPending, models.ErrorCodeShutdown)
			if err != nil {
				p.WithField("job_id", item.job.ID).Errorf("Failed to mark queued job as shutdown: %v", err)
			}
			code := models.ErrorCodeShutdown
			p.hook.JobCompleted(models.JobStatusError, &code, p.sinceCreated(item.job), 0)
		default:
			p.hook.SetQueueDepth(0)
			return
		}
	}
}

func (p *WorkerPool) workerLoop(id int) {
	defer p.wg.Done()
	log := p.WithField("worker", id)
	for {
		select {
		case <-p.quit:
			return
		case item := <-p.queue:
			p.hook.SetQueueDepth(len(p.queue))
			p.hook.SetActiveWorkers(int(atomic.AddInt32(&p.active, 1)))
			p.runJob(log, item)
			p.hook.SetActiveWorkers(int(atomic.AddInt32(&p.active, -1)))
		}
	}
}

// runJob drives one job through running to a terminal status. A running job
// is never cancelled: once the pending->running CAS applies, the job runs to
// completion regardless of shutdown.
func (p *WorkerPool) runJob(log logger.Log, item workItem) {
	// Per-job context, deliberately detached from the pool's lifecycle
	ctx := context.Background()
	job := item.job
	log = log.WithField("job_id", job.ID).WithField("fingerprint", job.Fingerprint)

	claimed, err := p.registry.Transition(ctx, job.ID, models.JobStatusPending, models.JobStatusRunning, models.JobPatch{})
	if err != nil {
		log.Errorf("Failed to transition job to running: %v", err)
		return
	}
	if !claimed {
		// Startup recovery or shutdown got to the row first
		log.Warnf("Job no longer pending; skipping")
		return
	}

	rowCount, artifactBytes, runErr := p.executeAndStore(ctx, job, item.sql)
	if runErr == nil {
		applied, err := p.registry.MarkReady(ctx, job.ID, rowCount, artifactBytes)
		if err != nil || !applied {
			log.Errorf("Failed to mark job ready (applied=%v): %v", applied, err)
			return
		}
		log.WithField("rows", rowCount).WithField("bytes", artifactBytes).Infof("Job ready")
		p.hook.JobCompleted(models.JobStatusReady, nil, p.sinceCreated(job), artifactBytes)
		return
	}

	code := classifyError(runErr)
	log.WithField("error_code", code).Errorf("Job failed: %v", runErr)
	// Best effort: don't leave a partial artifact behind
	if deleteErr := p.artifacts.Delete(ctx, job); deleteErr != nil {
		log.Warnf("Failed to clean up partial artifact: %v", deleteErr)
	}
	_, err = p.registry.MarkError(ctx, job.ID, models.JobStatusRunning, code)
	if err != nil {
		log.Errorf("Failed to mark job as errored: %v", err)
	}
	p.hook.JobCompleted(models.JobStatusError, &code, p.sinceCreated(job), 0)
}

// executeAndStore runs the engine and streams the batches straight into the
// blob store as an Arrow IPC stream, counting rows and bytes on the way
// through. An empty result still stores a valid schema-only stream.
func (p *WorkerPool) executeAndStore(ctx context.Context, job *models.Job, sql string) (rowCount int64, artifactBytes int64, err error) {
	reader, err := p.engine.Execute(ctx, sql)
	if err != nil {
		return 0, 0, gerror.NewErrExecutionFailed("Engine rejected query", err)
	}
	defer reader.Close()

	pipeReader, pipeWriter := io.Pipe()
	var (
		writeErr  error
		writeDone = make(chan struct{})
	)
	go func() {
		defer close(writeDone)
		rowCount, writeErr = writeStream(pipeWriter, reader)
		if writeErr != nil {
			pipeWriter.CloseWithError(writeErr)
		} else {
			pipeWriter.Close()
		}
	}()

	artifactBytes, putErr := p.artifacts.PutStream(ctx, job, pipeReader)
	pipeReader.Close()
	<-writeDone

	// An engine failure tears the pipe down and surfaces in putErr too, so a
	// tagged engine error wins. Any other producer error means the store
	// stopped consuming and the closed pipe failed the producer, so the
	// store's own error classifies the failure.
	if writeErr != nil && gerror.IsExecutionFailed(writeErr) {
		return 0, 0, writeErr
	}
	if putErr != nil {
		return 0, 0, gerror.NewErrUploadFailed("Artifact upload failed", putErr)
	}
	if writeErr != nil {
		return 0, 0, gerror.NewErrExecutionFailed("Error encoding result stream", writeErr)
	}
	return rowCount, artifactBytes, nil
}

// writeStream encodes all batches from reader into w as one Arrow IPC stream,
// returning the number of rows written.
func writeStream(w io.Writer, reader engine.BatchReader) (int64, error) {
	writer := ipc.NewWriter(w, ipc.WithSchema(reader.Schema()))
	var rows int64
	for {
		record, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Close()
			return 0, gerror.NewErrExecutionFailed("Engine failed during execution", err)
		}
		rows += record.NumRows()
		err = writer.Write(record)
		record.Release()
		if err != nil {
			writer.Close()
			return 0, fmt.Errorf("error encoding record batch: %w", err)
		}
	}
	// Close writes the schema (if no batch did) and the end-of-stream marker
	err := writer.Close()
	if err != nil {
		return 0, fmt.Errorf("error finalizing stream: %w", err)
	}
	return rows, nil
}

func (p *WorkerPool) sinceCreated(job *models.Job) time.Duration {
	return p.clock.Now().Sub(job.CreatedAt.Time)
}

func classifyError(err error) models.ErrorCode {
	if gerror.IsUploadFailed(err) {
		return models.ErrorCodeUploadFailed
	}
	return models.ErrorCodeExecutionFailed
}
