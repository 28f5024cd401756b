package engine

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightcache/flightcache/common/logger"
)

func newTestEngine(t *testing.T, batchSize int) *SQLiteEngine {
	engine, err := NewSQLiteEngine(SQLiteEngineConfig{
		Path:      ":memory:",
		BatchSize: batchSize,
	}, logger.NoOpLogFactory)
	require.NoError(t, err, "error creating engine")
	t.Cleanup(func() { engine.Close() })
	return engine
}

func loadSalesFixture(t *testing.T, engine *SQLiteEngine, rows int) {
	_, err := engine.DB().Exec(`
		CREATE TABLE sales (
			id     INTEGER PRIMARY KEY,
			region TEXT NOT NULL,
			amount REAL NOT NULL
		)`)
	require.NoError(t, err, "error creating fixture table")
	insert, err := engine.DB().Prepare("INSERT INTO sales (region, amount) VALUES (?, ?)")
	require.NoError(t, err)
	defer insert.Close()
	regions := []string{"north", "south", "east", "west"}
	for i := 0; i < rows; i++ {
		_, err = insert.Exec(regions[i%len(regions)], float64(i)*1.5)
		require.NoError(t, err)
	}
}

// drain reads all batches, returning total row count and batch count.
func drain(t *testing.T, reader BatchReader) (int64, int) {
	var (
		totalRows int64
		batches   int
	)
	for {
		record, err := reader.Next()
		if err == io.EOF {
			return totalRows, batches
		}
		require.NoError(t, err, "error reading batch")
		totalRows += record.NumRows()
		batches++
		record.Release()
	}
}

func TestExecuteBatching(t *testing.T) {
	engine := newTestEngine(t, 10)
	loadSalesFixture(t, engine, 25)

	reader, err := engine.Execute(context.Background(), "SELECT id, region, amount FROM sales ORDER BY id")
	require.NoError(t, err)
	defer reader.Close()

	schema := reader.Schema()
	require.Equal(t, 3, schema.NumFields())
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(1).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(2).Type)

	totalRows, batches := drain(t, reader)
	assert.Equal(t, int64(25), totalRows)
	assert.Equal(t, 3, batches, "expected 25 rows in batches of 10 to produce 3 batches")
}

func TestExecuteEmptyResult(t *testing.T) {
	engine := newTestEngine(t, 10)
	loadSalesFixture(t, engine, 5)

	reader, err := engine.Execute(context.Background(), "SELECT id, region FROM sales WHERE amount < 0")
	require.NoError(t, err)
	defer reader.Close()

	// Schema is available even when no rows match
	require.Equal(t, 2, reader.Schema().NumFields())

	totalRows, batches := drain(t, reader)
	assert.Equal(t, int64(0), totalRows)
	assert.Equal(t, 0, batches)
}

func TestExecuteExpressionColumns(t *testing.T) {
	engine := newTestEngine(t, 10)

	// Expression columns carry no declared type; typing comes from the values
	reader, err := engine.Execute(context.Background(), "SELECT 1 AS n, 2.5 AS x, 'hello' AS s")
	require.NoError(t, err)
	defer reader.Close()

	schema := reader.Schema()
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(1).Type)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(2).Type)

	record, err := reader.Next()
	require.NoError(t, err)
	defer record.Release()
	require.Equal(t, int64(1), record.NumRows())
	assert.Equal(t, int64(1), record.Column(0).(*array.Int64).Value(0))
	assert.Equal(t, 2.5, record.Column(1).(*array.Float64).Value(0))
	assert.Equal(t, "hello", record.Column(2).(*array.String).Value(0))

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestExecuteNulls(t *testing.T) {
	engine := newTestEngine(t, 10)
	_, err := engine.DB().Exec(`CREATE TABLE t (a INTEGER, b TEXT)`)
	require.NoError(t, err)
	_, err = engine.DB().Exec(`INSERT INTO t VALUES (1, 'one'), (NULL, NULL)`)
	require.NoError(t, err)

	reader, err := engine.Execute(context.Background(), "SELECT a, b FROM t ORDER BY a IS NULL, a")
	require.NoError(t, err)
	defer reader.Close()

	record, err := reader.Next()
	require.NoError(t, err)
	defer record.Release()
	require.Equal(t, int64(2), record.NumRows())
	assert.False(t, record.Column(0).IsNull(0))
	assert.True(t, record.Column(0).IsNull(1))
	assert.True(t, record.Column(1).IsNull(1))
}

func TestExecuteInvalidSQL(t *testing.T) {
	engine := newTestEngine(t, 10)
	_, err := engine.Execute(context.Background(), "SELECT FROM nowhere")
	assert.Error(t, err)
}
