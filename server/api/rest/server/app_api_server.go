package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flightcache/flightcache/common/logger"
	fcmiddleware "github.com/flightcache/flightcache/server/api/rest/middleware"
)

type AppAPIServerConfig struct {
	HTTPServerConfig
	// CORSAllowedOrigins lists origins permitted to call the API from a
	// browser. "*" allows any origin.
	CORSAllowedOrigins []string
}

type AppAPIServer struct {
	APIServer
}

func NewAppAPIServer(router *AppAPIRouter, config AppAPIServerConfig, httpServerFactory HTTPServerFactory, logFactory logger.LogFactory) (*AppAPIServer, error) {
	httpServer, err := httpServerFactory(router, config.HTTPServerConfig, logFactory("AppAPIServer"))
	if err != nil {
		return nil, fmt.Errorf("error creating HTTP server: %w", err)
	}
	return &AppAPIServer{
		APIServer: httpServer,
	}, nil
}

type AppAPIRouter struct {
	chi.Router
}

func NewAppAPIRouter(
	query *QueryAPI,
	files *FilesAPI,
	health *HealthAPI,
	metricsRegistry *prometheus.Registry,
	config AppAPIServerConfig,
	logFactory logger.LogFactory) *AppAPIRouter {

	logger := logFactory("AppAPIRouter").
		WithField("version", "v1")

	middleware.DefaultLogger = middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true})
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Compress(6))
	r.Use(middleware.Timeout(60 * time.Second))

	httpMetrics := fcmiddleware.NewHTTPMetrics(metricsRegistry)
	r.Use(httpMetrics.Middleware)

	corsOrigins := config.CORSAllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"Link", "Content-Length"},
		MaxAge:         300, // Maximum value not ignored by any of major browsers
	}))

	queryRoutes := func(r chi.Router) {
		r.Route("/query", func(r chi.Router) {
			r.Post("/", query.Submit)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", query.Get)
				r.Get("/result", query.GetResult)
				r.Get("/schema", query.GetSchema)
				r.Get("/metadata", query.GetMetadata)
			})
		})
		r.Get("/queue", query.GetQueue)
		r.Route("/files", func(r chi.Router) {
			r.Get("/", files.List)
			r.Post("/scan", files.Scan)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/v1", queryRoutes)
	})
	// The versioned routes are also mounted at the root for clients that
	// predate the /api/v1 prefix.
	queryRoutes(r)

	r.Get("/health", health.Get)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	return &AppAPIRouter{Router: r}
}
