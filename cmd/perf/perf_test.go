package perf

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/memory"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *sqlite.Store {
	t.Helper()
	s := sqlite.New(sqlite.Config{Filename: sqlite.MemoryFilename, Concurrency: 4})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	var out bytes.Buffer

	r, err := generate(ctx, store, "items", 2500, 1000, newProgress(&out, "generate", 1000))
	require.NoError(t, err)
	assert.Equal(t, int64(2500), r.Rows)
	assert.Positive(t, r.Bytes)

	n, err := store.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), n)

	got, err := store.GetByIds(ctx, "items", []string{"id_42"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	var item testItem
	require.NoError(t, json.Unmarshal(got[0].Value, &item))
	assert.Equal(t, testItem{ID: "id_42", N: 42, Even: true}, item)

	// batches of 1000 cross 1000 and 2000
	assert.Equal(t, 2, strings.Count(out.String(), "generate:"))

	// a second run replaces the table
	r, err = generate(ctx, store, "items", 10, 3, newProgress(&out, "generate", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(10), r.Rows)
	n, err = store.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestGenerateWithoutTransactions(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	require.NoError(t, store.Open(ctx))
	defer store.Close()

	r, err := generate(ctx, store, "items", 100, 7, newProgress(&bytes.Buffer{}, "generate", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(100), r.Rows)

	n, err := store.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)
}

func TestStreamTable(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t)
	_, err := generate(ctx, store, "items", 300, 100, newProgress(&bytes.Buffer{}, "generate", 0))
	require.NoError(t, err)

	for _, kind := range []string{KindIds, KindValues, KindEntries} {
		r, err := streamTable(ctx, store, "items", kind, 0, newProgress(&bytes.Buffer{}, kind, 0))
		require.NoError(t, err, kind)
		assert.Equal(t, int64(300), r.Rows, kind)
		assert.Positive(t, r.Bytes, kind)
		if kind == KindIds {
			assert.Zero(t, r.ValueMean)
		} else {
			assert.Positive(t, r.ValueMean, kind)
		}
	}

	r, err := streamTable(ctx, store, "items", KindIds, 25, newProgress(&bytes.Buffer{}, "ids", 0))
	require.NoError(t, err)
	assert.Equal(t, int64(25), r.Rows)

	_, err = streamTable(ctx, store, "items", "keys", 0, newProgress(&bytes.Buffer{}, "keys", 0))
	assert.Error(t, err)

	_, err = streamTable(ctx, store, "missing", KindIds, 0, newProgress(&bytes.Buffer{}, "ids", 0))
	assert.ErrorIs(t, err, db.ErrSchema)

	assert.Zero(t, store.OpenCursors())
}

func TestWriteResultToCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.csv")
	r := result{Command: "stream", Table: "items", Kind: KindValues, Rows: 10, Bytes: 100, ValueMean: 10}
	require.NoError(t, writeResultToCSV(path, r, sqlite.Config{Driver: sqlite.DriverModernc, Concurrency: 4, StreamBuffer: 16}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Command", records[0][0])
	assert.Equal(t, []string{"stream", "items", "values", "10", "100"}, records[1][:5])
	assert.Equal(t, "sqlite", records[1][9])
}
