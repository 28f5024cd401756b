package store_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/server/store"
	"github.com/flightcache/flightcache/server/store/migrations"
)

const (
	testDBDriverEnvVar         = "TEST_DB_DRIVER"
	testConnectionStringEnvVar = "TEST_CONNECTION_STRING"
)

var letters = []rune("abcdefghijklmnopqrstuvwxyz")

func randSeq(n int) string {
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// Connect opens a new test database connection based on environment variables.
// Defaults to a private in-memory sqlite database. Set TEST_DB_DRIVER and
// TEST_CONNECTION_STRING to select a different database.
// The registry migrations will be run against the database.
func Connect(logFactory logger.LogFactory) (*store.DB, func(), error) {
	// Each test database gets a unique shared-cache name so parallel tests don't collide
	var (
		driver           = store.Sqlite
		connectionString = store.DatabaseConnectionString(
			fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=1", randSeq(12)))
	)
	if val, ok := os.LookupEnv(testDBDriverEnvVar); ok {
		driver = store.DBDriver(val)
		str, ok := os.LookupEnv(testConnectionStringEnvVar)
		if !ok || str == "" {
			return nil, nil, fmt.Errorf("error %s must be set alongside %s",
				testConnectionStringEnvVar, testDBDriverEnvVar)
		}
		connectionString = store.DatabaseConnectionString(str)
	}

	databaseConfig := store.DatabaseConfig{
		ConnectionString:   connectionString,
		Driver:             driver,
		MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
		MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
	}

	migrationRunner := migrations.NewRegistryMigrateRunner(logFactory)
	db, cleanup, err := store.NewDatabase(context.Background(), databaseConfig, migrationRunner)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating database: %w", err)
	}
	return db, cleanup, nil
}
