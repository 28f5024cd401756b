package server

import (
	"net/http"
	"runtime"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/version"
	"github.com/flightcache/flightcache/server/api/rest/documents"
)

type HealthAPI struct {
	*APIBase
}

func NewHealthAPI(logFactory logger.LogFactory) *HealthAPI {
	return &HealthAPI{
		APIBase: NewAPIBase(logFactory("HealthAPI")),
	}
}

// Get reports process liveness together with basic runtime stats.
func (a *HealthAPI) Get(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	a.JSON(w, r, &documents.HealthDocument{
		Status:       "ok",
		Version:      version.VersionToString(),
		GoroutineNum: runtime.NumGoroutine(),
		MemorySysMB:  mem.Sys / 1024 / 1024,
	})
}
