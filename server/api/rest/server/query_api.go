package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/api/rest/documents"
	"github.com/flightcache/flightcache/server/services/dispatch"
)

type QueryAPI struct {
	*APIBase
	dispatcher *dispatch.DispatchService
}

func NewQueryAPI(dispatcher *dispatch.DispatchService, logFactory logger.LogFactory) *QueryAPI {
	return &QueryAPI{
		APIBase:    NewAPIBase(logFactory("QueryAPI")),
		dispatcher: dispatcher,
	}
}

// Submit accepts a SQL query for asynchronous execution and returns its job
// handle. The handle may already be ready when the query is a cache hit.
func (a *QueryAPI) Submit(w http.ResponseWriter, r *http.Request) {
	req := &documents.QueryRequest{}
	err := json.NewDecoder(r.Body).Decode(req)
	if err != nil {
		a.Error(w, r, gerror.NewErrValidationFailed("Invalid request body").Wrap(err))
		return
	}
	result, err := a.dispatcher.Submit(r.Context(), req.SQL)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, documents.MakeJobStatusDocument(result.Job))
}

// Get returns the current status of a job.
func (a *QueryAPI) Get(w http.ResponseWriter, r *http.Request) {
	id, err := a.jobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	job, err := a.dispatcher.Status(r.Context(), id)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, documents.MakeJobStatusDocument(job))
}

// GetResult streams a ready job's Arrow IPC stream to the caller.
func (a *QueryAPI) GetResult(w http.ResponseWriter, r *http.Request) {
	id, err := a.jobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	stream, job, err := a.dispatcher.ResultStream(r.Context(), id)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, err = io.Copy(w, stream)
	if err != nil {
		// Headers are gone; all we can do is log and drop the connection
		a.WithField("job_id", job.ID).Warnf("Error streaming result: %v", err)
	}
}

// GetSchema returns a ready job's column names and types.
func (a *QueryAPI) GetSchema(w http.ResponseWriter, r *http.Request) {
	id, err := a.jobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	columns, err := a.dispatcher.Schema(r.Context(), id)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, &documents.SchemaDocument{Columns: columns})
}

// GetMetadata returns a ready job's registry fields combined with the stored
// artifact's object metadata.
func (a *QueryAPI) GetMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := a.jobID(r)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	metadata, err := a.dispatcher.Metadata(r.Context(), id)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, &documents.MetadataDocument{
		JobID:        metadata.Job.ID,
		Columns:      metadata.Columns,
		NumRows:      metadata.NumRows,
		NumColumns:   metadata.NumColumns,
		Cached:       metadata.Cached,
		Size:         metadata.SizeBytes,
		LastModified: metadata.LastModified,
		Key:          metadata.Key,
	})
}

// GetQueue returns a snapshot of the worker pool's queue.
func (a *QueryAPI) GetQueue(w http.ResponseWriter, r *http.Request) {
	status := a.dispatcher.QueueStatus()
	a.JSON(w, r, &documents.QueueStatusDocument{
		QueueDepth:    status.QueueDepth,
		ActiveWorkers: status.ActiveWorkers,
		MaxWorkers:    status.MaxWorkers,
	})
}

func (a *QueryAPI) jobID(r *http.Request) (models.JobID, error) {
	raw := chi.URLParam(r, "job_id")
	id, err := models.ParseJobID(raw)
	if err != nil {
		return "", gerror.NewErrNotFound("Job not found").Wrap(err).IDetail("job_id", raw)
	}
	return id, nil
}
