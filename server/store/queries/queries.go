package queries

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/flightcache/flightcache/common/gerror"
	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/store"
)

const tableName = "queries"

// QueryStore persists the canonical record of each distinct SQL text.
type QueryStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *QueryStore {
	return &QueryStore{
		db:  db,
		Log: logFactory("QueryStore"),
	}
}

// Upsert inserts the query if no row exists for its fingerprint. Inserting
// the same fingerprint twice is a no-op, making this safe to call on every
// submission.
func (d *QueryStore) Upsert(ctx context.Context, txOrNil *store.Tx, query *models.Query) error {
	return d.db.Write2(txOrNil, func(db store.Writer) error {
		_, err := db.Insert(goqu.T(tableName)).
			Rows(query).
			OnConflict(goqu.DoNothing()).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing upsert query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// LockRowForUpdate takes out an exclusive row lock on the query row for the
// specified fingerprint. This function must be called within a transaction,
// and will block other transactions from locking, updating or deleting the
// row until this transaction ends. On databases without row-level locking
// the database write lock already serializes writers and this is a no-op.
// Returns gerror.ErrNotFound if no query exists for the fingerprint.
func (d *QueryStore) LockRowForUpdate(ctx context.Context, tx *store.Tx, fingerprint models.Fingerprint) error {
	if tx == nil {
		return fmt.Errorf("error locking query row for fingerprint %q: no transaction specified", fingerprint)
	}
	if !d.db.SupportsRowLevelLocking() {
		return nil
	}
	return d.db.Read2(tx, func(db store.Reader) error {
		ds := db.From(tableName).
			Select(goqu.C("query_fingerprint")).
			Where(goqu.Ex{"query_fingerprint": fingerprint}).
			ForUpdate(exp.Wait).
			Limit(1)
		sql, args, err := ds.ToSQL()
		if err != nil {
			return fmt.Errorf("error generating lock query: %w", err)
		}
		var locked string
		found, err := db.ScanValContext(ctx, &locked, sql, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		if !found || locked == "" {
			return gerror.NewErrNotFound("Query not found").IDetail("fingerprint", fingerprint)
		}
		return nil
	})
}

// Read returns the query with the specified fingerprint.
// Returns gerror.ErrNotFound if no such query has been seen.
func (d *QueryStore) Read(ctx context.Context, txOrNil *store.Tx, fingerprint models.Fingerprint) (*models.Query, error) {
	query := &models.Query{}
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := db.From(tableName).
			Select(query).
			Where(goqu.Ex{"query_fingerprint": fingerprint})
		sql, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating read query: %w", err)
		}
		found, err := db.ScanStructContext(ctx, query, sql, args...)
		if err != nil {
			return store.MakeStandardDBError(err)
		}
		if !found {
			return gerror.NewErrNotFound("Query not found").IDetail("fingerprint", fingerprint)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return query, nil
}
