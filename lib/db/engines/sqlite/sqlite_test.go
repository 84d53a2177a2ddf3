package sqlite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openStore opens a store for cfg and closes it when the test ends
func openStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := New(cfg)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConfigDefaults(t *testing.T) {
	cfg := New(Config{Filename: "data.db"}).Config()

	assert.Equal(t, ModeReadWriteCreate, cfg.Mode)
	assert.Equal(t, DriverModernc, cfg.Driver)
	assert.Equal(t, defaultConcurrency, cfg.Concurrency)
	assert.Equal(t, defaultStreamBuffer, cfg.StreamBuffer)
	assert.Equal(t, defaultBusyTimeout, cfg.BusyTimeout)
	assert.NotNil(t, cfg.Logger)
	assert.False(t, cfg.IsMemory())
	assert.True(t, Config{Filename: MemoryFilename}.IsMemory())
}

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Filename: MemoryFilename, Mode: ModeReadOnly}, ":memory:"},
		{Config{Filename: "data.db", Mode: ModeReadWriteCreate}, "file:data.db?mode=rwc"},
		{Config{Filename: "/var/lib/kv/data.db", Mode: ModeReadOnly}, "file:/var/lib/kv/data.db?mode=ro"},
		{Config{Filename: "what?#100%.db", Mode: ModeReadWrite}, "file:what%3f%23100%25.db?mode=rw"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.dsn(), tt.cfg.Filename)
	}
}

func TestConfigValidate(t *testing.T) {
	ctx := context.Background()

	err := New(Config{}).Open(ctx)
	assert.ErrorIs(t, err, db.ErrInvalidArgument)

	err = New(Config{Filename: MemoryFilename, Mode: "rwx"}).Open(ctx)
	assert.ErrorIs(t, err, db.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "rwx")
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

func TestUnopenedStore(t *testing.T) {
	ctx := context.Background()
	s := New(Config{Filename: MemoryFilename})

	assert.ErrorIs(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}), db.ErrState)
	_, err := s.GetByIds(ctx, "items", []string{"a"})
	assert.ErrorIs(t, err, db.ErrState)
	assert.ErrorIs(t, s.BeginTransaction(ctx), db.ErrState)

	// Ping opens the store
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	require.NoError(t, s.Open(ctx), "opening an open store is a no-op")
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Open(ctx), db.ErrState)
}

func TestCloseUnopened(t *testing.T) {
	s := New(Config{Filename: MemoryFilename})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), db.ErrState)
}

func TestOpenFailures(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("MissingDirectory", func(t *testing.T) {
		err := New(Config{Filename: filepath.Join(dir, "missing", "data.db")}).Open(ctx)
		assert.ErrorIs(t, err, db.ErrConnection)
	})

	t.Run("MissingFileWithoutCreate", func(t *testing.T) {
		err := New(Config{Filename: filepath.Join(dir, "missing.db"), Mode: ModeReadWrite}).Open(ctx)
		assert.ErrorIs(t, err, db.ErrConnection)
		_, statErr := os.Stat(filepath.Join(dir, "missing.db"))
		assert.True(t, os.IsNotExist(statErr), "the file must not be created")
	})

	t.Run("NotADatabase", func(t *testing.T) {
		name := filepath.Join(dir, "garbage.db")
		require.NoError(t, os.WriteFile(name, bytes.Repeat([]byte("this is not a database "), 100), 0o600))
		err := New(Config{Filename: name}).Open(ctx)
		assert.ErrorIs(t, err, db.ErrConnection)
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "data.db")

	s := New(Config{Filename: name})
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: []byte{0, 1, 2, 0xff}}}))
	require.NoError(t, s.Close())

	s = openStore(t, Config{Filename: name, Mode: ModeReadWrite})
	got, err := s.GetByIds(ctx, "items", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "a", Value: []byte{0, 1, 2, 0xff}}}, got)

	assert.ErrorIs(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}), db.ErrSchema)
}

func TestReadOnly(t *testing.T) {
	ctx := context.Background()
	name := filepath.Join(t.TempDir(), "data.db")

	s := New(Config{Filename: name})
	require.NoError(t, s.Open(ctx))
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: []byte("1")}}))
	require.NoError(t, s.Close())

	ro := openStore(t, Config{Filename: name, Mode: ModeReadOnly})

	n, err := ro.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	err = ro.SaveBatch(ctx, "items", []db.Entry{{ID: "b", Value: []byte("2")}})
	assert.ErrorIs(t, err, db.ErrExec)

	n, err = ro.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// --------------------------------------------------------------------------
// Operations
// --------------------------------------------------------------------------

func TestSaveBatchEmptyId(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))

	err := s.SaveBatch(ctx, "items", []db.Entry{{ID: "a"}, {ID: ""}})
	assert.ErrorIs(t, err, db.ErrInvalidArgument)

	n, err := s.Count(ctx, "items")
	require.NoError(t, err)
	assert.Zero(t, n, "an invalid batch is rejected before anything is written")
}

func TestEmptyValue(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))

	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "nil"}, {ID: "empty", Value: []byte{}}}))

	got, err := s.GetByIds(ctx, "items", []string{"nil", "empty"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "nil", Value: []byte{}}, {ID: "empty", Value: []byte{}}}, got)
}

func TestGetByIdsDuplicates(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: []byte("1")}, {ID: "b", Value: []byte("2")}}))

	got, err := s.GetByIds(ctx, "items", []string{"b", "a", "b", "x"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "b", Value: []byte("2")}, {ID: "a", Value: []byte("1")}}, got)
}

func TestIncrementUnsupported(t *testing.T) {
	s := New(Config{Filename: MemoryFilename})
	_, err := s.IncrementBatch(context.Background(), "items", []db.Increment{{ID: "a", By: 1}})
	assert.ErrorIs(t, err, db.ErrUnsupported)
	assert.False(t, s.SupportsFeature(db.FeatureIncrement))
	assert.True(t, s.SupportsFeature(db.FeatureStreams|db.FeatureTransactions))
}

func TestOpenCursors(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename, StreamBuffer: 1})
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))

	entries := make([]db.Entry, 100)
	for i := range entries {
		entries[i] = db.Entry{ID: fmt.Sprintf("%03d", i), Value: []byte("v")}
	}
	require.NoError(t, s.SaveBatch(ctx, "items", entries))

	a, err := s.StreamIds(ctx, "items", 0)
	require.NoError(t, err)
	b, err := s.StreamEntries(ctx, "items", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.OpenCursors())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, s.OpenCursors())
	require.NoError(t, b.Close())
	assert.Equal(t, 0, s.OpenCursors())

	// a drained stream finalizes its cursor on its own
	c, err := s.StreamValues(ctx, "items", 10)
	require.NoError(t, err)
	n := 0
	for _, err := range c.All() {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 10, n)
	assert.Equal(t, 0, s.OpenCursors())
}

func TestStreamMissingTable(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})

	_, err := s.StreamIds(ctx, "missing", 0)
	require.ErrorIs(t, err, db.ErrSchema)
	_, err = s.StreamValues(ctx, "missing", 10)
	require.ErrorIs(t, err, db.ErrSchema)
	_, err = s.StreamEntries(ctx, "missing", 0)
	require.ErrorIs(t, err, db.ErrSchema)
	assert.NotErrorIs(t, err, db.ErrCursorRead)

	_, err = s.GetByIds(ctx, "missing", []string{"a"})
	require.ErrorIs(t, err, db.ErrSchema)

	assert.Zero(t, s.OpenCursors())
	require.NoError(t, s.Close())
}

func TestDropTableWithOpenStream(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename, StreamBuffer: 1})
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))

	entries := make([]db.Entry, 100)
	for i := range entries {
		entries[i] = db.Entry{ID: fmt.Sprintf("%03d", i), Value: []byte("v")}
	}
	require.NoError(t, s.SaveBatch(ctx, "items", entries))

	stream, err := s.StreamIds(ctx, "items", 0)
	require.NoError(t, err)
	_, err = stream.Recv()
	require.NoError(t, err)

	err = s.CreateTable(ctx, "items", db.CreateTableOptions{DropIfExists: true})
	require.ErrorIs(t, err, db.ErrState)
	require.ErrorIs(t, s.DropTable(ctx, "items"), db.ErrState)

	require.NoError(t, stream.Close())
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{DropIfExists: true}))
	n, err := s.Count(ctx, "items")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetInfo(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})
	require.NoError(t, s.CreateTable(ctx, "b", db.CreateTableOptions{}))
	require.NoError(t, s.CreateTable(ctx, "a", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "a", []db.Entry{
		{ID: "1", Value: make([]byte, 10)},
		{ID: "2", Value: make([]byte, 1000)},
	}))

	info, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.ImplSQLite, info.DbType)
	assert.NotContains(t, info.SupportedFeatures, db.FeatureIncrement)

	meta, ok := info.Metadata.(*Metadata)
	require.True(t, ok)
	assert.Equal(t, map[string]int64{"a": 2, "b": 0}, meta.Tables)
	assert.Equal(t, DriverModernc, meta.Driver)
	assert.Equal(t, int64(2), meta.ValueSizes.Samples)
	assert.Equal(t, 2.0, meta.TableRows.Sum)
	assert.Equal(t, info.SizeBytes, int(meta.PageSize*meta.PageCount))
	assert.Zero(t, meta.OpenCursors)
}

func TestDebugLogging(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	s := openStore(t, Config{Filename: MemoryFilename, Debug: true, Logger: logging.NewLogger(logging.NameSQLite, &buf)})

	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: []byte("1")}, {ID: "b"}}))
	_, err := s.GetByIds(ctx, "items", []string{"a", "b"})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "createTable: CREATE TABLE")
	assert.Contains(t, out, "saveBatch: INSERT INTO items (id, v) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET v = excluded.v")
	assert.Contains(t, out, "getByIds: SELECT")
	assert.Contains(t, out, "-- 2 args")
}

// --------------------------------------------------------------------------
// Errors and Metrics
// --------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	assert.Equal(t, db.CodeExec, classify(context.Canceled, db.CodeExec))
	assert.Equal(t, db.CodeCursorRead, classify(fmt.Errorf("read: %w", context.DeadlineExceeded), db.CodeCursorRead))
	assert.Equal(t, db.CodeSchema, classify(errors.New("SQL logic error: no such table: items (1)"), db.CodePrepare))
	assert.Equal(t, db.CodeSchema, classify(errors.New("table items already exists"), db.CodeExec))
	assert.Equal(t, db.CodeExec, classify(errors.New("constraint failed"), db.CodeExec))
}

func TestWrap(t *testing.T) {
	assert.NoError(t, wrap("op", nil, db.CodeExec))

	err := wrap("count", errors.New("boom"), db.CodeExec)
	assert.ErrorIs(t, err, db.ErrExec)
	assert.Contains(t, err.Error(), "count")

	// errors of the cursor package keep their code
	inner := db.NewError(db.CodeCursorRead, "next", errors.New("interrupted"))
	assert.Same(t, inner, wrap("getByIds", inner, db.CodeExec))

	// unless the driver error points at the schema
	inner = db.NewError(db.CodePrepare, "openCursor", errors.New("no such table: items"))
	err = wrap("streamIds", inner, db.CodePrepare)
	assert.ErrorIs(t, err, db.ErrSchema)
	assert.False(t, errors.Is(err, db.ErrPrepare))

	// read errors of a stream are classified the same way
	inner = db.NewError(db.CodeCursorRead, "cursorNext", errors.New("SQL logic error: no such table: items (1)"))
	assert.ErrorIs(t, wrap("streamIds", inner, db.CodeCursorRead), db.ErrSchema)
}

func TestDriverErrorCodes(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})
	conn, release, err := s.acquire("test")
	require.NoError(t, err)
	defer release()

	_, err = conn.ExecContext(ctx, "SELECT * FROM missing")
	require.Error(t, err)
	code, ok := resultCode(err)
	require.True(t, ok)
	assert.Equal(t, 1, code) // SQLITE_ERROR
}

func TestWritePrometheus(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: MemoryFilename})
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	_, err := s.Count(ctx, "missing")
	require.Error(t, err)

	var buf bytes.Buffer
	WritePrometheus(&buf)
	out := buf.String()

	assert.Contains(t, out, `sqlkv_operations_total{op="createTable",status="ok"}`)
	assert.Contains(t, out, `sqlkv_operations_total{op="count",status="error"}`)
	assert.Contains(t, out, "sqlkv_operation_duration_seconds_bucket")
	assert.True(t, strings.Contains(out, "sqlkv_cursors_opened_total"))
}

func TestBusyTimeout(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, Config{Filename: filepath.Join(t.TempDir(), "data.db"), BusyTimeout: 1500 * time.Millisecond})
	conn, release, err := s.acquire("test")
	require.NoError(t, err)
	defer release()

	var ms int64
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&ms))
	assert.Equal(t, int64(1500), ms)
}
