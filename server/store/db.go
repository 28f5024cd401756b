package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	sqlite3 "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"

	"github.com/flightcache/flightcache/common/gerror"
)

type DatabaseConfig struct {
	ConnectionString   DatabaseConnectionString
	Driver             DBDriver
	MaxIdleConnections int
	MaxOpenConnections int
}

type DBDriver string

func (d DBDriver) String() string {
	return string(d)
}

type DatabaseConnectionString string

func (d DatabaseConnectionString) String() string {
	return string(d)
}

const (
	Sqlite                            DBDriver = "sqlite3"
	Postgres                          DBDriver = "postgres"
	DefaultDatabaseMaxIdleConnections          = 2
	DefaultDatabaseMaxOpenConnections          = 4
)

// MakeSqliteConnectionString builds a sqlite connection string for the
// registry database file at the given path.
func MakeSqliteConnectionString(path string) DatabaseConnectionString {
	return DatabaseConnectionString(fmt.Sprintf("file:%s?cache=shared&_foreign_keys=1", path))
}

type DB struct {
	*sqlx.DB
	Driver           DBDriver
	ConnectionString DatabaseConnectionString
	lock             sync.RWMutex
}

type Tx struct {
	tx *sqlx.Tx
}

// MigrationRunner interface defines a set of methods for applying database migrations.
type MigrationRunner interface {
	// Up migrates the given database up to the latest version.
	Up(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
	// Down migrates the given database down to empty.
	Down(ctx context.Context, driver DBDriver, connectionString DatabaseConnectionString) error
}

// NewDatabase performs any database specific init required before returning a new database connection
// pool using the specified DatabaseConfig, as well as a cleanup function to call to close the database again.
// If a MigrationRunner is supplied then an 'Up' migration will be performed to ensure the database schema
// is up to the latest version.
func NewDatabase(
	ctx context.Context,
	config DatabaseConfig,
	migrationRunner MigrationRunner,
) (*DB, func(), error) {
	switch config.Driver {
	case Sqlite:
		err := SQLiteConnectionInit(string(config.ConnectionString))
		if err != nil {
			return nil, nil, err
		}
	case Postgres:
		// no init required for postgres
	default:
		return nil, nil, fmt.Errorf("unknown database Driver %s", config.Driver)
	}

	sqlxDB, err := sqlx.Open(string(config.Driver), string(config.ConnectionString))
	if err != nil {
		return nil, nil, fmt.Errorf("error opening %s database: %w", config.Driver, err)
	}

	err = sqlxDB.PingContext(ctx)
	if err != nil {
		sqlxDB.Close()
		return nil, nil, fmt.Errorf("error pinging %s database: %w", config.Driver, err)
	}

	// Apply database migrations to ensure schema is up to the latest version
	if migrationRunner != nil {
		err := migrationRunner.Up(ctx, config.Driver, config.ConnectionString)
		if err != nil {
			sqlxDB.Close()
			return nil, nil, fmt.Errorf("error running %s database migrations: %w", config.Driver, err)
		}
	}

	db := &DB{
		DB:               sqlxDB,
		Driver:           config.Driver,
		ConnectionString: config.ConnectionString,
	}

	db.DB.SetMaxIdleConns(config.MaxIdleConnections)
	db.DB.SetMaxOpenConns(config.MaxOpenConnections)
	cleanup := func() {
		db.Close()
	}
	return db, cleanup, nil
}

// SQLiteConnectionInit performs any initialization required for SQLite.
// Currently, this is to create the local db file if a file based connection string is used.
func SQLiteConnectionInit(connectionString string) error {
	// https://github.com/mattn/go-sqlite3/issues/677
	// TL;DR: In-memory connection strings contain both a :memory: and a file: directive.
	if strings.Contains(connectionString, ":memory:") {
		return nil
	}

	const sqliteFileKeyword = "file:"
	var databaseFilePath string
	s := strings.Index(connectionString, sqliteFileKeyword)
	if s == -1 {
		return nil
	}
	s += len(sqliteFileKeyword)
	e := strings.Index(connectionString[s:], "?")
	if e == -1 {
		databaseFilePath = connectionString[s:]
	} else {
		databaseFilePath = connectionString[s : s+e]
	}

	dir := filepath.Dir(databaseFilePath)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("error ensuring database directory %q exists: %w", dir, err)
	}

	file, err := os.OpenFile(databaseFilePath, os.O_RDONLY|os.O_CREATE, 0660)
	if err != nil {
		return fmt.Errorf("error opening or creating database file %q: %w", databaseFilePath, err)
	}

	err = file.Close()
	if err != nil {
		return fmt.Errorf("error closing database file: %w", err)
	}

	return nil
}

// WithTx runs fn inside a database transaction. If fn returns an error the
// transaction will be rolled back and aborted. If fn returns nil, that transaction
// will be committed. If ctx is cancelled or deadlines before the transaction is
// committed the transaction will be rolled back and aborted.
func (d *DB) WithTx(ctx context.Context, txOrNil *Tx, fn func(tx *Tx) error) error {

	if txOrNil != nil {
		return fn(txOrNil)
	}

	if d.Driver == Sqlite {
		d.lock.Lock()
		defer d.lock.Unlock()
	}

	tx, err := d.DB.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "error beginning database transaction")
	}

	err = fn(&Tx{tx})
	if err != nil {
		originalErr := err
		err = tx.Rollback()
		if err != nil {
			return pkgerrors.Wrapf(err, "error rolling back database transaction: %s", originalErr)
		}
		return originalErr
	}

	err = tx.Commit()
	if err != nil {
		return pkgerrors.Wrap(err, "error committing database transaction")
	}

	return nil
}

// Write2 prepares the database for writing and calls fn() with a goqu Writer
// to use to write to the database. If Tx is supplied, the Writer will be bound
// to the transaction, otherwise a new implicit transaction will be started.
func (d *DB) Write2(txOrNil *Tx, fn func(Writer) error) error {
	if txOrNil == nil {
		if d.Driver == Sqlite {
			d.lock.Lock()
			defer d.lock.Unlock()
		}
		return fn(goqu.New(d.DriverName(), d.DB))
	}
	return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
}

// Read2 prepares the database for reading and calls fn() with a goqu Reader
// to use to read from the database. If Tx is supplied, the Reader will be bound
// to the transaction, otherwise a new implicit transaction will be started.
func (d *DB) Read2(txOrNil *Tx, fn func(Reader) error) error {
	if txOrNil == nil {
		if d.Driver == Sqlite {
			d.lock.RLock()
			defer d.lock.RUnlock()
		}
		return fn(goqu.New(d.DriverName(), d.DB))
	}
	return fn(goqu.NewTx(d.DriverName(), txOrNil.tx))
}

// Close the connection to the database. The DB object must not be used
// after a call to Close.
func (d *DB) Close() error {
	return d.DB.Close()
}

// SupportsRowLevelLocking returns true if the current database supports the 'SELECT ... FOR UPDATE'
// syntax to lock table rows, or false if these locks are not required (e.g. sqlite)
func (d *DB) SupportsRowLevelLocking() bool {
	return d.Driver != Sqlite
}

type Writer interface {
	Reader
	Update(table interface{}) *goqu.UpdateDataset
	Insert(table interface{}) *goqu.InsertDataset
	Delete(table interface{}) *goqu.DeleteDataset
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type Reader interface {
	From(from ...interface{}) *goqu.SelectDataset
	Select(cols ...interface{}) *goqu.SelectDataset
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ScanStructsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanStructContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
	ScanValsContext(ctx context.Context, i interface{}, query string, args ...interface{}) error
	ScanValContext(ctx context.Context, i interface{}, query string, args ...interface{}) (bool, error)
}

// MakeStandardDBError converts driver-specific errors to standard gerror values.
func MakeStandardDBError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrConstraint &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(sqliteErr)
		}
		if sqliteErr.Code == sqlite3.ErrNotFound {
			return gerror.NewErrNotFound("Resource not found").Wrap(sqliteErr)
		}
	}

	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		// 23505 -> unique_violation
		if pgErr.Code == "23505" {
			return gerror.NewErrAlreadyExists("Resource already exists").Wrap(pgErr)
		}
		// P0002 -> no_data_found
		if pgErr.Code == "P0002" {
			return gerror.NewErrNotFound("Resource not found").Wrap(pgErr)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return gerror.NewErrNotFound("Resource not found").Wrap(err)
	}
	return err
}
