package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/server/api/rest/documents"
	"github.com/flightcache/flightcache/server/services/discovery"
)

type FilesAPI struct {
	*APIBase
	discovery *discovery.DiscoveryService
}

func NewFilesAPI(discoveryService *discovery.DiscoveryService, logFactory logger.LogFactory) *FilesAPI {
	return &FilesAPI{
		APIBase:   NewAPIBase(logFactory("FilesAPI")),
		discovery: discoveryService,
	}
}

// List returns the discovered files catalog, optionally filtered by file type.
func (a *FilesAPI) List(w http.ResponseWriter, r *http.Request) {
	if a.discovery == nil {
		a.Error(w, r, gerror.NewErrNotFound("File discovery is not enabled"))
		return
	}
	fileType := r.URL.Query().Get("file_type")
	limit, err := a.uintParam(r, "limit", 100)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	offset, err := a.uintParam(r, "offset", 0)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	files, total, err := a.discovery.ListFiles(r.Context(), fileType, limit, offset)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, &documents.FileListDocument{
		Files:  files,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// Scan kicks off a bucket rescan in the background and returns immediately.
func (a *FilesAPI) Scan(w http.ResponseWriter, r *http.Request) {
	if a.discovery == nil {
		a.Error(w, r, gerror.NewErrNotFound("File discovery is not enabled"))
		return
	}
	go func() {
		found, err := a.discovery.Scan(context.Background())
		if err != nil {
			a.Warnf("Background scan failed: %v", err)
			return
		}
		a.Infof("Background scan complete; %d files catalogued", found)
	}()
	a.JSONStatus(w, r, http.StatusAccepted, &documents.ScanStartedDocument{
		Status:  "accepted",
		Message: "Scan started",
	})
}

func (a *FilesAPI) uintParam(r *http.Request, name string, dflt uint) (uint, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return dflt, nil
	}
	value, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, gerror.NewErrValidationFailed("Invalid query parameter").Wrap(err).IDetail("parameter", name)
	}
	return uint(value), nil
}
