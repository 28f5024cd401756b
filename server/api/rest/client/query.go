package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/api/rest/documents"
)

// DefaultPollInterval is how often WaitForJob polls a job's status.
const DefaultPollInterval = 250 * time.Millisecond

// SubmitQuery submits a SQL query for asynchronous execution and returns the
// job handle. A cache hit returns an already-ready handle.
func (a *APIClient) SubmitQuery(ctx context.Context, sql string) (*documents.JobStatusDocument, error) {
	statusCode, _, body, err := a.post(ctx, "/api/v1/query", &documents.QueryRequest{SQL: sql})
	if err != nil {
		return nil, errors.Wrap(err, "error submitting query")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.JobStatusDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling job status")
	}
	return doc, nil
}

// GetJobStatus returns the current status of a job.
func (a *APIClient) GetJobStatus(ctx context.Context, id models.JobID) (*documents.JobStatusDocument, error) {
	statusCode, _, body, err := a.get(ctx, fmt.Sprintf("/api/v1/query/%s", id))
	if err != nil {
		return nil, errors.Wrap(err, "error getting job status")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.JobStatusDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling job status")
	}
	return doc, nil
}

// WaitForJob polls a job until it reaches a terminal status or ctx expires.
// A job that terminates in the error status is returned alongside an
// execution error carrying the job's error code.
func (a *APIClient) WaitForJob(ctx context.Context, id models.JobID, pollInterval time.Duration) (*documents.JobStatusDocument, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		doc, err := a.GetJobStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if doc.Status.Terminal() {
			if doc.Status == models.JobStatusError {
				code := "unknown"
				if doc.ErrorCode != nil {
					code = doc.ErrorCode.String()
				}
				return doc, gerror.NewErrExecutionFailed(fmt.Sprintf("query failed with code %s", code), nil).
					IDetail("job_id", id)
			}
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return doc, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetResult streams a ready job's Arrow IPC stream.
// The caller is responsible for closing the stream.
func (a *APIClient) GetResult(ctx context.Context, id models.JobID) (io.ReadCloser, error) {
	statusCode, _, stream, err := a.getStream(ctx, fmt.Sprintf("/api/v1/query/%s/result", id))
	if err != nil {
		return nil, errors.Wrap(err, "error getting query result")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		defer stream.Close()
		body, err := io.ReadAll(stream)
		if err != nil {
			return nil, errors.Wrap(err, "error reading response body")
		}
		return nil, a.makeHTTPError(statusCode, body)
	}
	return stream, nil
}

// GetSchema returns a ready job's column names and types.
func (a *APIClient) GetSchema(ctx context.Context, id models.JobID) (*documents.SchemaDocument, error) {
	statusCode, _, body, err := a.get(ctx, fmt.Sprintf("/api/v1/query/%s/schema", id))
	if err != nil {
		return nil, errors.Wrap(err, "error getting query schema")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.SchemaDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling schema")
	}
	return doc, nil
}

// GetMetadata returns a ready job's metadata.
func (a *APIClient) GetMetadata(ctx context.Context, id models.JobID) (*documents.MetadataDocument, error) {
	statusCode, _, body, err := a.get(ctx, fmt.Sprintf("/api/v1/query/%s/metadata", id))
	if err != nil {
		return nil, errors.Wrap(err, "error getting query metadata")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.MetadataDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling metadata")
	}
	return doc, nil
}

// GetQueueStatus returns a snapshot of the server's worker queue.
func (a *APIClient) GetQueueStatus(ctx context.Context) (*documents.QueueStatusDocument, error) {
	statusCode, _, body, err := a.get(ctx, "/api/v1/queue")
	if err != nil {
		return nil, errors.Wrap(err, "error getting queue status")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.QueueStatusDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling queue status")
	}
	return doc, nil
}

// ListFiles returns a page of the server's discovered files catalog.
func (a *APIClient) ListFiles(ctx context.Context, fileType string, limit, offset uint) (*documents.FileListDocument, error) {
	query := url.Values{}
	if fileType != "" {
		query.Set("file_type", fileType)
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	if offset > 0 {
		query.Set("offset", fmt.Sprintf("%d", offset))
	}
	path := "/api/v1/files"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	statusCode, _, body, err := a.get(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "error listing files")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.FileListDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling file list")
	}
	return doc, nil
}

// TriggerScan asks the server to rescan its data bucket. The scan runs in the
// background; poll ListFiles to observe its effect.
func (a *APIClient) TriggerScan(ctx context.Context) error {
	statusCode, _, body, err := a.post(ctx, "/api/v1/files/scan", nil)
	if err != nil {
		return errors.Wrap(err, "error triggering scan")
	}
	if !a.isOneOf(statusCode, []int{http.StatusAccepted}) {
		return a.makeHTTPError(statusCode, body)
	}
	return nil
}

// GetHealth returns the server's health document.
func (a *APIClient) GetHealth(ctx context.Context) (*documents.HealthDocument, error) {
	statusCode, _, body, err := a.get(ctx, "/health")
	if err != nil {
		return nil, errors.Wrap(err, "error getting health")
	}
	if !a.isOneOf(statusCode, []int{http.StatusOK}) {
		return nil, a.makeHTTPError(statusCode, body)
	}
	doc := &documents.HealthDocument{}
	err = json.Unmarshal(body, doc)
	if err != nil {
		return nil, errors.Wrap(err, "error unmarshaling health")
	}
	return doc, nil
}
