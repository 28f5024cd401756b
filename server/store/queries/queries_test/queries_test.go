package queries_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/store"
	"github.com/flightcache/flightcache/server/store/queries"
	"github.com/flightcache/flightcache/server/store/store_test"
)

func TestQueryStore(t *testing.T) {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err, "Error initializing test database")
	defer cleanup()

	ctx := context.Background()
	queryStore := queries.NewStore(db, logFactory)
	now := models.NewTime(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))

	query := models.NewQuery("SELECT region, SUM(amount) FROM sales GROUP BY region", now)
	err = queryStore.Upsert(ctx, nil, query)
	require.NoError(t, err, "error upserting query")

	read, err := queryStore.Read(ctx, nil, query.Fingerprint)
	require.NoError(t, err, "error reading query")
	assert.Equal(t, query.Fingerprint, read.Fingerprint)
	assert.Equal(t, query.SQL, read.SQL)

	// Upserting the same fingerprint again is a no-op and keeps the original row
	later := models.NewTime(now.Time.Add(time.Hour))
	duplicate := models.NewQuery(query.SQL, later)
	err = queryStore.Upsert(ctx, nil, duplicate)
	require.NoError(t, err, "error re-upserting query")

	read, err = queryStore.Read(ctx, nil, query.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, query.CreatedAt.String(), read.CreatedAt.String(), "re-upsert must not overwrite original row")

	// Unknown fingerprint
	_, err = queryStore.Read(ctx, nil, models.FingerprintSQL("SELECT 'never submitted'"))
	assert.True(t, gerror.IsNotFound(err), "expected not found for unknown fingerprint")
}

func TestLockRowForUpdate(t *testing.T) {
	logFactory := logger.NoOpLogFactory
	db, cleanup, err := store_test.Connect(logFactory)
	require.NoError(t, err, "Error initializing test database")
	defer cleanup()

	ctx := context.Background()
	queryStore := queries.NewStore(db, logFactory)
	now := models.NewTime(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	query := models.NewQuery("SELECT region FROM sales", now)
	require.NoError(t, queryStore.Upsert(ctx, nil, query))

	// A row lock outside a transaction is a programming error
	err = queryStore.LockRowForUpdate(ctx, nil, query.Fingerprint)
	require.Error(t, err)

	// Inside a transaction the lock succeeds. On sqlite the database write
	// lock already serializes writers and the call is a no-op; on postgres
	// it issues SELECT ... FOR UPDATE against the row.
	err = db.WithTx(ctx, nil, func(tx *store.Tx) error {
		return queryStore.LockRowForUpdate(ctx, tx, query.Fingerprint)
	})
	require.NoError(t, err)
}
