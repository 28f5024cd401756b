package app

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/server/api/rest/server"
	"github.com/flightcache/flightcache/server/services/artifact"
	"github.com/flightcache/flightcache/server/services/discovery"
	"github.com/flightcache/flightcache/server/services/dispatch"
	"github.com/flightcache/flightcache/server/services/engine"
	"github.com/flightcache/flightcache/server/services/pool"
	"github.com/flightcache/flightcache/server/services/registry"
	"github.com/flightcache/flightcache/server/services/telemetry"
	"github.com/flightcache/flightcache/server/store"
	"github.com/flightcache/flightcache/server/store/discovered_files"
	"github.com/flightcache/flightcache/server/store/jobs"
	"github.com/flightcache/flightcache/server/store/migrations"
	"github.com/flightcache/flightcache/server/store/queries"
)

// Server wires the registry, worker pool, dispatcher and API server together.
type Server struct {
	RegistryService  *registry.RegistryService
	DispatchService  *dispatch.DispatchService
	WorkerPool       *pool.WorkerPool
	DiscoveryService *discovery.DiscoveryService // nil when no data bucket is configured
	APIServer        *server.AppAPIServer
	log              logger.Log
}

// New builds a fully wired server from config. The returned cleanup function
// closes the registry database and the query engine; call it after Stop.
func New(ctx context.Context, config *ServerConfig) (*Server, func(), error) {
	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating log registry: %w", err)
	}
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)
	clk := clock.New()

	migrationRunner := migrations.NewRegistryMigrateRunner(logFactory)
	db, dbCleanup, err := store.NewDatabase(ctx, config.DatabaseConfig, migrationRunner)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening registry database: %w", err)
	}

	queryEngine, err := engine.NewSQLiteEngine(config.EngineConfig, logFactory)
	if err != nil {
		dbCleanup()
		return nil, nil, fmt.Errorf("error opening query engine: %w", err)
	}

	blobStore, err := BlobStoreFactory(config.BlobStoreConfig, logFactory)
	if err != nil {
		queryEngine.Close()
		dbCleanup()
		return nil, nil, fmt.Errorf("error creating blob store: %w", err)
	}

	queryStore := queries.NewStore(db, logFactory)
	jobStore := jobs.NewStore(db, logFactory)
	fileStore := discovered_files.NewStore(db, logFactory)

	hook := telemetry.NewPrometheusHook()
	registryService := registry.NewRegistryService(db, queryStore, jobStore, clk, logFactory)
	artifactService := artifact.NewArtifactService(blobStore, logFactory)
	workerPool := pool.NewWorkerPool(config.PoolConfig, registryService, artifactService, queryEngine, hook, clk, logFactory)
	dispatchService := dispatch.NewDispatchService(registryService, artifactService, workerPool, hook, logFactory)

	var discoveryService *discovery.DiscoveryService
	if config.DiscoveryEnabled() {
		discoveryService = discovery.NewDiscoveryService(config.DiscoveryConfig, blobStore, fileStore, clk, logFactory)
	}

	queryAPI := server.NewQueryAPI(dispatchService, logFactory)
	filesAPI := server.NewFilesAPI(discoveryService, logFactory)
	healthAPI := server.NewHealthAPI(logFactory)
	router := server.NewAppAPIRouter(queryAPI, filesAPI, healthAPI, hook.Registry(), config.APIConfig, logFactory)
	apiServer, err := server.NewAppAPIServer(router, config.APIConfig, server.RealHTTPServerFactory(), logFactory)
	if err != nil {
		queryEngine.Close()
		dbCleanup()
		return nil, nil, fmt.Errorf("error creating API server: %w", err)
	}

	app := &Server{
		RegistryService:  registryService,
		DispatchService:  dispatchService,
		WorkerPool:       workerPool,
		DiscoveryService: discoveryService,
		APIServer:        apiServer,
		log:              logFactory("App"),
	}
	cleanup := func() {
		err := queryEngine.Close()
		if err != nil {
			app.log.Errorf("Error closing query engine: %v", err)
		}
		dbCleanup()
	}
	return app, cleanup, nil
}

// Start recovers orphaned jobs left behind by a previous process, then starts
// the worker pool, discovery and API server. Recovery runs before the pool so
// no worker can race a stale running row.
func (s *Server) Start(ctx context.Context) error {
	recovered, err := s.RegistryService.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("error recovering orphaned jobs: %w", err)
	}
	if recovered > 0 {
		s.log.Infof("Recovered %d orphaned jobs from a previous run", recovered)
	}
	err = s.WorkerPool.Start()
	if err != nil {
		return fmt.Errorf("error starting worker pool: %w", err)
	}
	if s.DiscoveryService != nil {
		s.DiscoveryService.Start()
	}
	s.APIServer.Start()
	return nil
}

// Stop shuts the server down in dependency order: stop accepting HTTP
// traffic, stop discovery, then drain the worker pool. Errors are collected
// rather than aborting the shutdown.
func (s *Server) Stop(ctx context.Context) error {
	var result *multierror.Error
	err := s.APIServer.Stop(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("error stopping API server: %w", err))
	}
	if s.DiscoveryService != nil {
		s.DiscoveryService.Stop()
	}
	err = s.WorkerPool.Stop(ctx)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("error stopping worker pool: %w", err))
	}
	return result.ErrorOrNil()
}
