package discovered_files

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/flightcache/flightcache/common/logger"
	"github.com/flightcache/flightcache/common/models"
	"github.com/flightcache/flightcache/server/store"
)

const tableName = "discovered_files"

// DiscoveredFileStore persists the catalog of objects found by discovery scans.
type DiscoveredFileStore struct {
	db *store.DB
	logger.Log
}

func NewStore(db *store.DB, logFactory logger.LogFactory) *DiscoveredFileStore {
	return &DiscoveredFileStore{
		db:  db,
		Log: logFactory("DiscoveredFileStore"),
	}
}

// Upsert inserts the file, or refreshes its size, timestamps and type if a
// row already exists for the path.
func (d *DiscoveredFileStore) Upsert(ctx context.Context, txOrNil *store.Tx, file *models.DiscoveredFile) error {
	return d.db.Write2(txOrNil, func(db store.Writer) error {
		_, err := db.Insert(goqu.T(tableName)).
			Rows(file).
			OnConflict(goqu.DoUpdate("file_path", goqu.Record{
				"file_size_bytes":    file.SizeBytes,
				"file_last_modified": file.LastModified,
				"file_registered_at": file.RegisteredAt,
				"file_type":          file.FileType,
			})).
			Executor().ExecContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing upsert query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
}

// List returns registered files most recently modified first, optionally
// filtered by file type. Page through with limit and offset.
func (d *DiscoveredFileStore) List(ctx context.Context, txOrNil *store.Tx, fileType string, limit, offset uint) ([]*models.DiscoveredFile, error) {
	var files []*models.DiscoveredFile
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := db.From(tableName).Select(&models.DiscoveredFile{})
		if fileType != "" {
			ds = ds.Where(goqu.Ex{"file_type": fileType})
		}
		ds = ds.Order(goqu.I("file_last_modified").Desc()).
			Limit(limit).
			Offset(offset)
		sql, args, err := ds.Prepared(true).ToSQL()
		if err != nil {
			return fmt.Errorf("error generating list query: %w", err)
		}
		return db.ScanStructsContext(ctx, &files, sql, args...)
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// Count returns the total number of registered files, optionally filtered by
// file type.
func (d *DiscoveredFileStore) Count(ctx context.Context, txOrNil *store.Tx, fileType string) (int64, error) {
	var count int64
	err := d.db.Read2(txOrNil, func(db store.Reader) error {
		ds := db.From(tableName)
		if fileType != "" {
			ds = ds.Where(goqu.Ex{"file_type": fileType})
		}
		var err error
		count, err = ds.CountContext(ctx)
		if err != nil {
			return fmt.Errorf("error executing count query: %w", store.MakeStandardDBError(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
