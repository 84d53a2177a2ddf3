package util

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, `{"n":1}`, FormatValue([]byte(`{"n":1}`)))
	assert.Equal(t, `"\xff\x00"`, FormatValue([]byte{0xff, 0}))
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintYAML(&buf, db.DatabaseInfo{
		SizeBytes:         4096,
		DbType:            db.ImplSQLite,
		SupportedFeatures: (db.FeatureCount | db.FeatureStreamIds).Features(),
	}))
	out := buf.String()
	assert.Contains(t, out, "size_bytes: 4096\n")
	assert.Contains(t, out, "db_type: sqlite\n")
	assert.Contains(t, out, "- Count\n")
	assert.Contains(t, out, "- StreamIds\n")
}

func TestWithStore(t *testing.T) {
	viper.Set("file", sqlite.MemoryFilename)
	viper.Set("concurrency", 2)
	t.Cleanup(viper.Reset)

	cfg := GetStoreConfig()
	assert.Equal(t, sqlite.MemoryFilename, cfg.Filename)
	assert.Equal(t, 2, cfg.Concurrency)

	ctx := context.Background()
	err := WithStore(ctx, func(store *sqlite.Store) error {
		return store.CreateTable(ctx, "items", db.CreateTableOptions{})
	})
	require.NoError(t, err)

	// every call opens a new private database
	err = WithStore(ctx, func(store *sqlite.Store) error {
		_, err := store.Count(ctx, "items")
		return err
	})
	assert.ErrorIs(t, err, db.ErrSchema)

	// a stream that is not closed is reported when the store is closed
	var leaked db.Stream[string]
	err = WithStore(ctx, func(store *sqlite.Store) error {
		require.NoError(t, store.CreateTable(ctx, "items", db.CreateTableOptions{}))
		entries := make([]db.Entry, 100)
		for i := range entries {
			entries[i] = db.Entry{ID: strconv.Itoa(i), Value: []byte("v")}
		}
		require.NoError(t, store.SaveBatch(ctx, "items", entries))
		s, err := store.StreamIds(ctx, "items", 0)
		leaked = s
		return err
	})
	assert.ErrorIs(t, err, db.ErrCursorLeak)
	require.NotNil(t, leaked)
	require.NoError(t, leaked.Close())
}
