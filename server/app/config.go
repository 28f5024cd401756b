package app

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/server/api/rest/server"
	"github.com/flightcache/flightcache/server/services"
	"github.com/flightcache/flightcache/server/services/blob"
	"github.com/flightcache/flightcache/server/services/discovery"
	"github.com/flightcache/flightcache/server/services/engine"
	"github.com/flightcache/flightcache/server/services/pool"
	"github.com/flightcache/flightcache/server/store"
)

// LogSafeFlags is a list of flags by name whose values are safe to log.
var LogSafeFlags = []string{
	"blob_store_type",
	"blob_store_local_directory",
	"blob_store_aws_s3_bucket_name",
	"blob_store_aws_s3_region",
	"blob_store_aws_s3_endpoint",
	"api_server_address",
	"registry_path",
	"engine_path",
	"max_workers",
	"queue_depth",
	"batch_size",
	"discovery_bucket",
	"discovery_interval",
	"shutdown_grace",
	"cors_origins",
	"log_levels",
}

type BlobStoreConfig struct {
	// BlobStoreType specifies which blob store should be used.
	BlobStoreType string
	// LocalBlobStoreDir is the base directory on the local filesystem to store blobs to, if enabled.
	LocalBlobStoreDir string
	// S3BlobStoreConfig contains configuration for the S3 blob store, if enabled.
	S3BlobStoreConfig blob.S3BlobStoreConfig
}

func BlobStoreFactory(config BlobStoreConfig, logFactory logger.LogFactory) (services.BlobStore, error) {
	switch strings.ToLower(config.BlobStoreType) {
	case strings.ToLower(blob.AWSS3BlobStoreType.String()):
		return blob.NewS3BlobStore(config.S3BlobStoreConfig, logFactory)
	case strings.ToLower(blob.LocalBlobStoreType.String()):
		return blob.NewLocalBlobStore(blob.LocalBlobStoreDirectory(config.LocalBlobStoreDir)), nil
	default:
		return nil, fmt.Errorf("error unsupported blob store type: %v", config.BlobStoreType)
	}
}

type ServerConfig struct {
	APIConfig       server.AppAPIServerConfig
	DatabaseConfig  store.DatabaseConfig
	BlobStoreConfig BlobStoreConfig
	EngineConfig    engine.SQLiteEngineConfig
	PoolConfig      pool.WorkerPoolConfig
	DiscoveryConfig discovery.DiscoveryConfig
	LogLevels       logger.LogLevelConfig
	// ShutdownGrace bounds how long shutdown waits for in-flight work.
	ShutdownGrace time.Duration
}

// DiscoveryEnabled reports whether a data bucket is configured for the
// discovery sidecar.
func (c *ServerConfig) DiscoveryEnabled() bool {
	return c.DiscoveryConfig.BucketName != ""
}

// ConfigFromFlags builds the server config from command-line flags. Each
// flag's default comes from the corresponding FLIGHT_* environment variable
// so the server can be configured either way; flags win when both are set.
func ConfigFromFlags() (*ServerConfig, error) {
	var (
		registryPath  string
		appHost       string
		appPort       string
		corsOrigins   string
		logLevels     string
		databaseDrive string
	)

	config := &ServerConfig{}

	// Blob Storage
	flag.StringVar(&config.BlobStoreConfig.BlobStoreType, "blob_store_type",
		envOrDefault("FLIGHT_BLOB_STORE", blob.AWSS3BlobStoreType.String()), fmt.Sprintf("The type of blob store to use. Options: %s", strings.Join(blob.BlobStoreTypes(), ", ")))
	flag.StringVar(&config.BlobStoreConfig.LocalBlobStoreDir, "blob_store_local_directory",
		envOrDefault("FLIGHT_BLOB_LOCAL_DIR", "flight-cache-blobs"), "The path on the local host to store blob files to, if using the local blob store.")
	flag.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.BucketName, "blob_store_aws_s3_bucket_name",
		envOrDefault("FLIGHT_S3_BUCKET", "flight-cache"), "The name of the S3 bucket to store result artifacts to, if using the S3 blob store.")
	flag.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.Region, "blob_store_aws_s3_region",
		envOrDefault("FLIGHT_S3_REGION", "us-east-1"), "The region of the S3 bucket to store result artifacts to, if using the S3 blob store.")
	flag.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.Endpoint, "blob_store_aws_s3_endpoint",
		envOrDefault("FLIGHT_S3_ENDPOINT", "http://localhost:9000"), "An S3-compatible endpoint to use instead of AWS, e.g. a local MinIO. Empty to use AWS.")
	flag.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.AccessKeyID, "blob_store_aws_s3_access_key_id",
		envOrDefault("FLIGHT_S3_ACCESS_KEY", "minioadmin"), "The AWS Access Key ID to use to authenticate to the S3 bucket, if using the S3 blob store.")
	flag.StringVar(&config.BlobStoreConfig.S3BlobStoreConfig.SecretAccessKey, "blob_store_aws_s3_secret_key",
		envOrDefault("FLIGHT_S3_SECRET_KEY", "minioadmin"), "The AWS Secret Key to use to authenticate to the S3 bucket, if using the S3 blob store.")

	// API
	flag.StringVar(&appHost, "api_server_host",
		envOrDefault("FLIGHT_APP_HOST", "localhost"), "The interface to bind the API server to.")
	flag.StringVar(&appPort, "api_server_port",
		envOrDefault("FLIGHT_APP_PORT", "8080"), "The port to bind the API server to.")
	flag.StringVar(&corsOrigins, "cors_origins",
		envOrDefault("FLIGHT_CORS_ORIGINS", "*"), "A comma separated list of origins allowed to call the API from a browser.")

	// Registry database
	flag.StringVar(&registryPath, "registry_path",
		envOrDefault("FLIGHT_REGISTRY_PATH", "job_registry.db"), "The path of the sqlite file holding the job registry.")
	flag.StringVar(&databaseDrive, "database_driver",
		string(store.Sqlite), "The Database Driver to use (i.e sqlite3|postgres)")
	flag.IntVar(&config.DatabaseConfig.MaxIdleConnections, "database_max_idle_connections",
		store.DefaultDatabaseMaxIdleConnections, "The maximum number of idle database connections to use")
	flag.IntVar(&config.DatabaseConfig.MaxOpenConnections, "database_max_open_connections",
		store.DefaultDatabaseMaxOpenConnections, "The maximum number of open database connections to use")

	// Engine
	flag.StringVar(&config.EngineConfig.Path, "engine_path",
		envOrDefault("FLIGHT_ENGINE_PATH", ":memory:"), "The sqlite database file holding the data to query.")
	flag.IntVar(&config.EngineConfig.BatchSize, "batch_size",
		envIntOrDefault("FLIGHT_BATCH_SIZE", engine.DefaultBatchSize), "The maximum number of rows per Arrow record batch.")

	// Worker pool
	flag.IntVar(&config.PoolConfig.MaxWorkers, "max_workers",
		envIntOrDefault("FLIGHT_MAX_WORKERS", pool.DefaultMaxWorkers), "The number of concurrent workers executing queries.")
	flag.IntVar(&config.PoolConfig.QueueDepth, "queue_depth",
		envIntOrDefault("FLIGHT_QUEUE_DEPTH", pool.DefaultQueueDepth), "The maximum number of queries waiting for a worker before submissions are rejected.")

	// Discovery
	flag.StringVar(&config.DiscoveryConfig.BucketName, "discovery_bucket",
		envOrDefault("FLIGHT_DISCOVERY_BUCKET", ""), "The name of the data bucket to catalog. Empty disables file discovery.")
	flag.DurationVar(&config.DiscoveryConfig.ScanInterval, "discovery_interval",
		envDurationOrDefault("FLIGHT_DISCOVERY_INTERVAL", 300*time.Second), "The period between automatic data bucket scans.")

	// Misc
	flag.DurationVar(&config.ShutdownGrace, "shutdown_grace",
		envDurationOrDefault("FLIGHT_SHUTDOWN_GRACE", 30*time.Second), "How long shutdown waits for in-flight queries before failing the remainder.")
	flag.StringVar(&logLevels, "log_levels",
		envOrDefault("FLIGHT_LOG_LEVELS", ""), fmt.Sprintf("A comma separated list of name=level pairs where name is the name of the logger and level is one of: %s", logger.ListLogLevels()))
	flag.Parse()

	// API
	config.APIConfig.Address = appHost + ":" + appPort
	config.APIConfig.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
	for i := range config.APIConfig.CORSAllowedOrigins {
		config.APIConfig.CORSAllowedOrigins[i] = strings.TrimSpace(config.APIConfig.CORSAllowedOrigins[i])
	}

	// Registry database
	config.DatabaseConfig.Driver = store.DBDriver(databaseDrive)
	if config.DatabaseConfig.Driver == store.Sqlite {
		config.DatabaseConfig.ConnectionString = store.MakeSqliteConnectionString(registryPath)
	} else {
		config.DatabaseConfig.ConnectionString = store.DatabaseConnectionString(registryPath)
	}

	// Pool drain follows the process-wide grace period
	config.PoolConfig.DrainGrace = config.ShutdownGrace

	// Misc
	config.LogLevels = logger.LogLevelConfig(logLevels)

	return config, nil
}

func envOrDefault(name string, dflt string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return dflt
}

func envIntOrDefault(name string, dflt int) int {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return dflt
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return dflt
	}
	return value
}

func envDurationOrDefault(name string, dflt time.Duration) time.Duration {
	raw, ok := os.LookupEnv(name)
	if !ok {
		return dflt
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		// Plain integers are read as seconds
		seconds, intErr := strconv.Atoi(raw)
		if intErr != nil {
			return dflt
		}
		return time.Duration(seconds) * time.Second
	}
	return value
}
