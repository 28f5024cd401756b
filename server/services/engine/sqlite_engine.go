package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/memory"
	_ "github.com/mattn/go-sqlite3"

	"github.com/flightcache/flightcache/common/logger"
)

const DefaultBatchSize = 1000

type SQLiteEngineConfig struct {
	// Path is the sqlite database file holding the data to query,
	// or ":memory:" for a private empty database.
	Path string
	// BatchSize is the maximum number of rows per Arrow record batch.
	BatchSize int
}

// SQLiteEngine is an embedded analytic engine over a sqlite database.
// One engine serves all workers; sqlite handles concurrent readers.
type SQLiteEngine struct {
	db        *sql.DB
	batchSize int
	alloc     memory.Allocator
	log       logger.Log
}

func NewSQLiteEngine(config SQLiteEngineConfig, logFactory logger.LogFactory) (*SQLiteEngine, error) {
	if config.Path == "" {
		config.Path = ":memory:"
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	db, err := sql.Open("sqlite3", config.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening engine database %q: %w", config.Path, err)
	}
	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to engine database %q: %w", config.Path, err)
	}
	log := logFactory("SQLiteEngine")
	log.Infof("Engine database open: %s (batch size %d)", config.Path, config.BatchSize)
	return &SQLiteEngine{
		db:        db,
		batchSize: config.BatchSize,
		alloc:     memory.NewGoAllocator(),
		log:       log,
	}, nil
}

// DB exposes the underlying database so tests and tooling can load data.
func (e *SQLiteEngine) DB() *sql.DB {
	return e.db
}

// Execute runs the query and returns a reader over its result batches.
func (e *SQLiteEngine) Execute(ctx context.Context, query string) (BatchReader, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error executing query: %w", err)
	}
	reader, err := newSqliteBatchReader(rows, e.batchSize, e.alloc)
	if err != nil {
		rows.Close()
		return nil, err
	}
	return reader, nil
}

func (e *SQLiteEngine) Close() error {
	return e.db.Close()
}

// sqliteBatchReader adapts a sql.Rows cursor into Arrow record batches.
// Sqlite types columns per value rather than per column, so the schema is
// derived from the declared column types, refined by the first row's values
// for expression columns that carry no declared type.
type sqliteBatchReader struct {
	rows      *sql.Rows
	schema    *arrow.Schema
	batchSize int
	alloc     memory.Allocator
	// firstRow holds the row buffered during schema inference, if any
	firstRow []interface{}
	done     bool
	closed   bool
}

func newSqliteBatchReader(rows *sql.Rows, batchSize int, alloc memory.Allocator) (*sqliteBatchReader, error) {
	columnTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("error reading column types: %w", err)
	}

	r := &sqliteBatchReader{
		rows:      rows,
		batchSize: batchSize,
		alloc:     alloc,
	}

	var firstRow []interface{}
	needFirstRow := false
	for _, columnType := range columnTypes {
		if columnType.DatabaseTypeName() == "" {
			needFirstRow = true
			break
		}
	}
	if needFirstRow {
		// Expression columns have no declared type; peek one row to type them
		if rows.Next() {
			firstRow, err = scanRow(rows, len(columnTypes))
			if err != nil {
				return nil, err
			}
		} else {
			err = rows.Err()
			if err != nil {
				return nil, fmt.Errorf("error reading first row: %w", err)
			}
			r.done = true
		}
	}

	fields := make([]arrow.Field, len(columnTypes))
	for i, columnType := range columnTypes {
		var value interface{}
		if firstRow != nil {
			value = firstRow[i]
		}
		fields[i] = arrow.Field{
			Name:     columnType.Name(),
			Type:     arrowTypeFor(columnType.DatabaseTypeName(), value),
			Nullable: true,
		}
	}
	r.schema = arrow.NewSchema(fields, nil)
	r.firstRow = firstRow
	return r, nil
}

func (r *sqliteBatchReader) Schema() *arrow.Schema {
	return r.schema
}

// Next returns the next record batch, or io.EOF once the result set is
// exhausted. The caller must Release each returned record.
func (r *sqliteBatchReader) Next() (arrow.Record, error) {
	if r.done {
		return nil, io.EOF
	}
	builder := array.NewRecordBuilder(r.alloc, r.schema)
	defer builder.Release()

	count := 0
	if r.firstRow != nil {
		err := appendRow(builder, r.schema, r.firstRow)
		if err != nil {
			return nil, err
		}
		r.firstRow = nil
		count++
	}
	for count < r.batchSize {
		if !r.rows.Next() {
			r.done = true
			err := r.rows.Err()
			if err != nil {
				return nil, fmt.Errorf("error reading row: %w", err)
			}
			break
		}
		row, err := scanRow(r.rows, len(r.schema.Fields()))
		if err != nil {
			return nil, err
		}
		err = appendRow(builder, r.schema, row)
		if err != nil {
			return nil, err
		}
		count++
	}
	if count == 0 {
		return nil, io.EOF
	}
	return builder.NewRecord(), nil
}

func (r *sqliteBatchReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.rows.Close()
}

func scanRow(rows *sql.Rows, numColumns int) ([]interface{}, error) {
	values := make([]interface{}, numColumns)
	pointers := make([]interface{}, numColumns)
	for i := range values {
		pointers[i] = &values[i]
	}
	err := rows.Scan(pointers...)
	if err != nil {
		return nil, fmt.Errorf("error scanning row: %w", err)
	}
	return values, nil
}

// arrowTypeFor maps a sqlite declared type (or, failing that, the Go type of
// a sample value) to an Arrow type. Unknown types are carried as utf8.
func arrowTypeFor(declaredType string, sampleValue interface{}) arrow.DataType {
	declared := strings.ToUpper(declaredType)
	switch {
	case strings.Contains(declared, "INT"):
		return arrow.PrimitiveTypes.Int64
	case strings.Contains(declared, "REAL"),
		strings.Contains(declared, "FLOA"),
		strings.Contains(declared, "DOUB"),
		strings.Contains(declared, "NUMERIC"),
		strings.Contains(declared, "DECIMAL"):
		return arrow.PrimitiveTypes.Float64
	case strings.Contains(declared, "BOOL"):
		return arrow.FixedWidthTypes.Boolean
	case strings.Contains(declared, "BLOB"):
		return arrow.BinaryTypes.Binary
	case declared != "":
		return arrow.BinaryTypes.String
	}
	switch sampleValue.(type) {
	case int64:
		return arrow.PrimitiveTypes.Int64
	case float64:
		return arrow.PrimitiveTypes.Float64
	case bool:
		return arrow.FixedWidthTypes.Boolean
	case []byte:
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// appendRow appends one scanned row to the record builder, coercing each
// value to its column's Arrow type. Sqlite is dynamically typed per value,
// so a column declared INTEGER can still surface a string.
func appendRow(builder *array.RecordBuilder, schema *arrow.Schema, row []interface{}) error {
	for i, value := range row {
		if value == nil {
			builder.Field(i).AppendNull()
			continue
		}
		var err error
		switch fieldBuilder := builder.Field(i).(type) {
		case *array.Int64Builder:
			err = appendInt64(fieldBuilder, value)
		case *array.Float64Builder:
			err = appendFloat64(fieldBuilder, value)
		case *array.BooleanBuilder:
			err = appendBool(fieldBuilder, value)
		case *array.BinaryBuilder:
			err = appendBinary(fieldBuilder, value)
		case *array.StringBuilder:
			fieldBuilder.Append(stringify(value))
		default:
			err = fmt.Errorf("unsupported builder type %T", fieldBuilder)
		}
		if err != nil {
			return fmt.Errorf("error appending column %q: %w", schema.Field(i).Name, err)
		}
	}
	return nil
}

func appendInt64(builder *array.Int64Builder, value interface{}) error {
	switch v := value.(type) {
	case int64:
		builder.Append(v)
	case float64:
		builder.Append(int64(v))
	case bool:
		if v {
			builder.Append(1)
		} else {
			builder.Append(0)
		}
	default:
		return fmt.Errorf("cannot coerce %T to int64", value)
	}
	return nil
}

func appendFloat64(builder *array.Float64Builder, value interface{}) error {
	switch v := value.(type) {
	case float64:
		builder.Append(v)
	case int64:
		builder.Append(float64(v))
	default:
		return fmt.Errorf("cannot coerce %T to float64", value)
	}
	return nil
}

func appendBool(builder *array.BooleanBuilder, value interface{}) error {
	switch v := value.(type) {
	case bool:
		builder.Append(v)
	case int64:
		builder.Append(v != 0)
	default:
		return fmt.Errorf("cannot coerce %T to bool", value)
	}
	return nil
}

func appendBinary(builder *array.BinaryBuilder, value interface{}) error {
	switch v := value.(type) {
	case []byte:
		builder.Append(v)
	case string:
		builder.Append([]byte(v))
	default:
		return fmt.Errorf("cannot coerce %T to binary", value)
	}
	return nil
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
