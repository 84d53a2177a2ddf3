package testing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DBFactory is a function that creates a new, empty instance of a KeyValueDB implementation.
// The instance may be unopened, the suite calls Ping before using it.
type DBFactory func() db.KeyValueDB

// RunKeyValueDBTests runs a comprehensive test suite for a KeyValueDB implementation.
// Operations the implementation does not support (see SupportsFeature) must fail with ErrUnsupported.
func RunKeyValueDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("CreateTable", func(t *testing.T) {
			testCreateTable(t, open(t, factory))
		})

		t.Run("DropTable", func(t *testing.T) {
			testDropTable(t, open(t, factory))
		})

		t.Run("InvalidTableName", func(t *testing.T) {
			testInvalidTableName(t, open(t, factory))
		})

		t.Run("RoundTrip", func(t *testing.T) {
			for _, writers := range []int{1, 4, 16} {
				t.Run(fmt.Sprintf("writers=%d", writers), func(t *testing.T) {
					testRoundTrip(t, open(t, factory), writers)
				})
			}
		})

		t.Run("Upsert", func(t *testing.T) {
			testUpsert(t, open(t, factory))
		})

		t.Run("SameIdInBatch", func(t *testing.T) {
			testSameIdInBatch(t, open(t, factory))
		})

		t.Run("GetByIds", func(t *testing.T) {
			testGetByIds(t, open(t, factory))
		})

		t.Run("DeleteByIds", func(t *testing.T) {
			testDeleteByIds(t, open(t, factory))
		})

		t.Run("ManyIds", func(t *testing.T) {
			testManyIds(t, open(t, factory))
		})

		t.Run("Streams", func(t *testing.T) {
			testStreams(t, open(t, factory))
		})

		t.Run("StreamLimit", func(t *testing.T) {
			testStreamLimit(t, open(t, factory))
		})

		t.Run("StreamEmptyAndMissingTable", func(t *testing.T) {
			testStreamEmptyAndMissingTable(t, open(t, factory))
		})

		t.Run("PrematureStreamClose", func(t *testing.T) {
			testPrematureStreamClose(t, open(t, factory))
		})

		t.Run("LeakedStream", func(t *testing.T) {
			testLeakedStream(t, open(t, factory))
		})

		t.Run("ReadWhileStreaming", func(t *testing.T) {
			testReadWhileStreaming(t, open(t, factory))
		})

		t.Run("Increment", func(t *testing.T) {
			testIncrement(t, open(t, factory))
		})

		t.Run("Transactions", func(t *testing.T) {
			testTransactions(t, open(t, factory))
		})

		t.Run("Lifecycle", func(t *testing.T) {
			testLifecycle(t, open(t, factory))
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, open(t, factory))
		})

		t.Run("EndToEnd", func(t *testing.T) {
			testEndToEnd(t, open(t, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// open creates a database, pings it and closes it when the test ends
func open(t testing.TB, factory DBFactory) db.KeyValueDB {
	t.Helper()
	database := factory()
	require.NoError(t, database.Ping(context.Background()))
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KeyValueDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skipf("feature %s not supported", feature)
	}
}

// createTable creates a fresh table and fails the test on error
func createTable(t testing.TB, database db.KeyValueDB, table string) {
	t.Helper()
	require.NoError(t, database.CreateTable(context.Background(), table, db.CreateTableOptions{DropIfExists: true}))
}

// drain reads a stream to its end and closes it
func drain[T any](t testing.TB, s db.Stream[T]) []T {
	t.Helper()
	defer func() { require.NoError(t, s.Close()) }()

	var rows []T
	for {
		row, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

// seed writes n entries with ids "id-0000".. and returns them
func seed(t testing.TB, database db.KeyValueDB, table string, n int) []db.Entry {
	t.Helper()
	entries := make([]db.Entry, n)
	for i := range entries {
		entries[i] = db.Entry{ID: fmt.Sprintf("id-%04d", i), Value: []byte(fmt.Sprintf("value-%d", i))}
	}
	require.NoError(t, database.SaveBatch(context.Background(), table, entries))
	return entries
}

func ids(entries []db.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testCreateTable(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureCreateTable|db.FeatureCount)
	ctx := context.Background()

	require.NoError(t, database.CreateTable(ctx, "items", db.CreateTableOptions{}))

	err := database.CreateTable(ctx, "items", db.CreateTableOptions{})
	require.ErrorIs(t, err, db.ErrSchema, "creating an existing table must fail")

	seed(t, database, "items", 10)
	require.NoError(t, database.CreateTable(ctx, "items", db.CreateTableOptions{DropIfExists: true}))

	n, err := database.Count(ctx, "items")
	require.NoError(t, err)
	assert.Zero(t, n, "re-created table must be empty")
}

func testDropTable(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureDropTable)
	ctx := context.Background()

	createTable(t, database, "items")
	seed(t, database, "items", 3)

	require.NoError(t, database.DropTable(ctx, "items"))
	require.NoError(t, database.DropTable(ctx, "items"), "dropping a missing table is not an error")

	_, err := database.Count(ctx, "items")
	require.ErrorIs(t, err, db.ErrSchema)

	_, err = database.GetByIds(ctx, "items", []string{"id-0000"})
	require.ErrorIs(t, err, db.ErrSchema)
}

func testInvalidTableName(t *testing.T, database db.KeyValueDB) {
	ctx := context.Background()
	bad := "items; DROP TABLE users"

	assert.ErrorIs(t, database.CreateTable(ctx, bad, db.CreateTableOptions{}), db.ErrInvalidArgument)
	assert.ErrorIs(t, database.DropTable(ctx, bad), db.ErrInvalidArgument)
	assert.ErrorIs(t, database.SaveBatch(ctx, bad, []db.Entry{{ID: "a", Value: []byte("1")}}), db.ErrInvalidArgument)
	assert.ErrorIs(t, database.DeleteByIds(ctx, bad, []string{"a"}), db.ErrInvalidArgument)

	_, err := database.GetByIds(ctx, bad, []string{"a"})
	assert.ErrorIs(t, err, db.ErrInvalidArgument)
	_, err = database.Count(ctx, "")
	assert.ErrorIs(t, err, db.ErrInvalidArgument)
	_, err = database.StreamIds(ctx, "1abc", 0)
	assert.ErrorIs(t, err, db.ErrInvalidArgument)

	createTable(t, database, "items")
	err = database.SaveBatch(ctx, "items", []db.Entry{{ID: "", Value: []byte("x")}})
	assert.ErrorIs(t, err, db.ErrInvalidArgument, "entries need an id")
}

func testRoundTrip(t *testing.T, database db.KeyValueDB, writers int) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureGetByIds|db.FeatureCount)
	ctx := context.Background()
	createTable(t, database, "items")

	rng := rand.New(rand.NewSource(int64(writers)))
	const perWriter = 50

	expected := map[string][]byte{}
	batches := make([][]db.Entry, writers)
	for w := range batches {
		for i := 0; i < perWriter; i++ {
			value := make([]byte, rng.Intn(512))
			rng.Read(value)
			e := db.Entry{ID: fmt.Sprintf("w%d-%d", w, i), Value: value}
			batches[w] = append(batches[w], e)
			expected[e.ID] = value
		}
	}
	// edge case values
	batches[0] = append(batches[0],
		db.Entry{ID: "empty", Value: []byte{}},
		db.Entry{ID: "zeros", Value: []byte{0, 0, 0}},
		db.Entry{ID: "large", Value: bytes.Repeat([]byte{0xAB}, 1<<20)},
		db.Entry{ID: "ünicode/ id with spaces", Value: []byte("ok")},
	)
	for _, e := range batches[0][perWriter:] {
		expected[e.ID] = e.Value
	}

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for w := range batches {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs[w] = database.SaveBatch(ctx, "items", batches[w])
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	n, err := database.Count(ctx, "items")
	require.NoError(t, err)
	require.Equal(t, int64(len(expected)), n)

	all := make([]string, 0, len(expected))
	for id := range expected {
		all = append(all, id)
	}
	got, err := database.GetByIds(ctx, "items", all)
	require.NoError(t, err)
	require.Len(t, got, len(expected))
	for _, e := range got {
		require.True(t, bytes.Equal(expected[e.ID], e.Value), "value of %s differs", e.ID)
	}
}

func testUpsert(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureGetByIds|db.FeatureCount)
	ctx := context.Background()
	createTable(t, database, "items")

	require.NoError(t, database.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: []byte("v1")}}))
	require.NoError(t, database.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: []byte("v2")}}))

	got, err := database.GetByIds(ctx, "items", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "a", Value: []byte("v2")}}, got)

	n, err := database.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, database.SaveBatch(ctx, "items", nil), "empty batch is a no-op")
}

func testSameIdInBatch(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureGetByIds)
	ctx := context.Background()
	createTable(t, database, "items")

	batch := []db.Entry{
		{ID: "a", Value: []byte("first")},
		{ID: "b", Value: []byte("b")},
		{ID: "a", Value: []byte("second")},
		{ID: "a", Value: []byte("last")},
	}
	require.NoError(t, database.SaveBatch(ctx, "items", batch))

	got, err := database.GetByIds(ctx, "items", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "a", Value: []byte("last")}, {ID: "b", Value: []byte("b")}}, got)
}

func testGetByIds(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureGetByIds)
	ctx := context.Background()
	createTable(t, database, "items")
	seed(t, database, "items", 5)

	got, err := database.GetByIds(ctx, "items", []string{"id-0003", "missing", "id-0001", "id-0003", "nope"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{
		{ID: "id-0003", Value: []byte("value-3")},
		{ID: "id-0001", Value: []byte("value-1")},
	}, got, "only existing ids, in input order, without duplicates")

	got, err = database.GetByIds(ctx, "items", []string{"x", "y"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = database.GetByIds(ctx, "items", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testDeleteByIds(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureDeleteByIds|db.FeatureCount)
	ctx := context.Background()
	createTable(t, database, "items")
	seed(t, database, "items", 10)

	require.NoError(t, database.DeleteByIds(ctx, "items", []string{"id-0000", "id-0005", "id-0005", "missing"}))

	n, err := database.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	got, err := database.GetByIds(ctx, "items", []string{"id-0000", "id-0001"})
	require.NoError(t, err)
	assert.Equal(t, []string{"id-0001"}, ids(got))

	require.NoError(t, database.DeleteByIds(ctx, "items", nil), "empty id list is a no-op")
}

func testManyIds(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureGetByIds|db.FeatureDeleteByIds|db.FeatureCount)
	ctx := context.Background()
	createTable(t, database, "items")

	// more ids than fit into a single statement
	entries := seed(t, database, "items", 1234)

	got, err := database.GetByIds(ctx, "items", ids(entries))
	require.NoError(t, err)
	require.Equal(t, ids(entries), ids(got))

	require.NoError(t, database.DeleteByIds(ctx, "items", ids(entries[:1100])))
	n, err := database.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(134), n)
}

func testStreams(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureStreams)
	ctx := context.Background()
	createTable(t, database, "items")
	entries := seed(t, database, "items", 300)

	idStream, err := database.StreamIds(ctx, "items", 0)
	require.NoError(t, err)
	streamed := drain(t, idStream)
	assert.Equal(t, ids(entries), sorted(streamed), "every id exactly once")

	valueStream, err := database.StreamValues(ctx, "items", -1)
	require.NoError(t, err)
	values := drain(t, valueStream)
	require.Len(t, values, len(entries))
	seen := map[string]int{}
	for _, v := range values {
		seen[string(v)]++
	}
	for _, e := range entries {
		assert.Equal(t, 1, seen[string(e.Value)], "value %s", e.Value)
	}

	entryStream, err := database.StreamEntries(ctx, "items", 0)
	require.NoError(t, err)
	var count int
	for e, err := range entryStream.All() {
		require.NoError(t, err)
		var i int
		_, scanErr := fmt.Sscanf(e.ID, "id-%d", &i)
		require.NoError(t, scanErr)
		assert.Equal(t, entries[i].Value, e.Value)
		count++
	}
	assert.Equal(t, len(entries), count)
}

func testStreamLimit(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureStreams)
	ctx := context.Background()
	createTable(t, database, "items")
	seed(t, database, "items", 50)

	for limit, want := range map[int]int{1: 1, 10: 10, 50: 50, 500: 50} {
		s, err := database.StreamIds(ctx, "items", limit)
		require.NoError(t, err)
		got := drain(t, s)
		assert.Len(t, got, want, "limit %d", limit)

		unique := map[string]struct{}{}
		for _, id := range got {
			unique[id] = struct{}{}
		}
		assert.Len(t, unique, len(got), "no duplicates with limit %d", limit)
	}
}

func testStreamEmptyAndMissingTable(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureStreams)
	ctx := context.Background()
	createTable(t, database, "empty")

	s, err := database.StreamEntries(ctx, "empty", 0)
	require.NoError(t, err)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())

	_, err = database.StreamIds(ctx, "missing", 0)
	require.ErrorIs(t, err, db.ErrSchema)
}

func testPrematureStreamClose(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureStreams)
	ctx := context.Background()
	createTable(t, database, "items")
	seed(t, database, "items", 1000)

	s, err := database.StreamEntries(ctx, "items", 0)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Recv()
		require.NoError(t, err)
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	// the same kind of break through All
	ids, err := database.StreamIds(ctx, "items", 0)
	require.NoError(t, err)
	for _, err := range ids.All() {
		require.NoError(t, err)
		break
	}

	require.NoError(t, database.Close(), "no cursor may be left open")
}

func testLeakedStream(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureStreams)
	ctx := context.Background()
	createTable(t, database, "items")
	seed(t, database, "items", 1000)

	s, err := database.StreamIds(ctx, "items", 0)
	require.NoError(t, err)
	_, err = s.Recv()
	require.NoError(t, err)

	err = database.Close()
	require.ErrorIs(t, err, db.ErrCursorLeak)

	// the stream was finalized by the database
	rest := drain(t, s)
	assert.Less(t, len(rest), 999)
}

func testReadWhileStreaming(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureStreams|db.FeatureGetByIds|db.FeatureCount)
	ctx := context.Background()
	createTable(t, database, "items")
	entries := seed(t, database, "items", 200)

	s, err := database.StreamEntries(ctx, "items", 0)
	require.NoError(t, err)
	defer s.Close()

	rows := 0
	for e, err := range s.All() {
		require.NoError(t, err)
		rows++
		if rows%50 == 0 {
			got, err := database.GetByIds(ctx, "items", []string{e.ID})
			require.NoError(t, err)
			require.Len(t, got, 1)

			n, err := database.Count(ctx, "items")
			require.NoError(t, err)
			require.Equal(t, int64(len(entries)), n)
		}
	}
	assert.Equal(t, len(entries), rows)
}

func testIncrement(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureCount|db.FeatureGetByIds)
	ctx := context.Background()
	createTable(t, database, "counters")
	require.NoError(t, database.SaveBatch(ctx, "counters", []db.Entry{{ID: "a", Value: []byte("10")}}))

	incs := []db.Increment{{ID: "a", By: 1}, {ID: "b", By: 5}, {ID: "a", By: 2}}
	result, err := database.IncrementBatch(ctx, "counters", incs)

	if !database.SupportsFeature(db.FeatureIncrement) {
		require.ErrorIs(t, err, db.ErrUnsupported)
		assert.Nil(t, result)

		// nothing was applied
		n, err := database.Count(ctx, "counters")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		got, err := database.GetByIds(ctx, "counters", []string{"a"})
		require.NoError(t, err)
		assert.Equal(t, []db.Entry{{ID: "a", Value: []byte("10")}}, got)
		return
	}

	require.NoError(t, err)
	assert.Equal(t, []db.Increment{{ID: "a", By: 11}, {ID: "b", By: 5}, {ID: "a", By: 13}}, result)

	got, err := database.GetByIds(ctx, "counters", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "a", Value: []byte("13")}, {ID: "b", Value: []byte("5")}}, got)
}

func testTransactions(t *testing.T, database db.KeyValueDB) {
	ctx := context.Background()
	if !database.SupportsFeature(db.FeatureTransactions) {
		require.ErrorIs(t, database.BeginTransaction(ctx), db.ErrUnsupported)
		return
	}
	requireFeature(t, database, db.FeatureSaveBatch|db.FeatureCount)
	createTable(t, database, "items")

	require.NoError(t, database.BeginTransaction(ctx))
	seed(t, database, "items", 100)
	require.NoError(t, database.EndTransaction(ctx))

	n, err := database.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(100), n)

	require.NoError(t, database.BeginTransaction(ctx))
	require.NoError(t, database.SaveBatch(ctx, "items", []db.Entry{{ID: "rolled-back", Value: []byte("x")}}))
	require.NoError(t, database.DeleteByIds(ctx, "items", []string{"id-0000"}))
	require.NoError(t, database.RollbackTransaction(ctx))

	n, err = database.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, int64(100), n, "rollback discards all writes")

	assert.Error(t, database.EndTransaction(ctx), "no transaction is active")
}

func testLifecycle(t *testing.T, database db.KeyValueDB) {
	ctx := context.Background()
	createTable(t, database, "items")

	require.NoError(t, database.Ping(ctx))
	require.NoError(t, database.Close())
	require.NoError(t, database.Close(), "closing twice is a no-op")

	assert.ErrorIs(t, database.Ping(ctx), db.ErrState)
	assert.ErrorIs(t, database.CreateTable(ctx, "other", db.CreateTableOptions{}), db.ErrState)
	assert.ErrorIs(t, database.SaveBatch(ctx, "items", []db.Entry{{ID: "a"}}), db.ErrState)
	_, err := database.Count(ctx, "items")
	assert.ErrorIs(t, err, db.ErrState)
	_, err = database.StreamIds(ctx, "items", 0)
	assert.ErrorIs(t, err, db.ErrState)
	_, err = database.GetInfo(ctx)
	assert.ErrorIs(t, err, db.ErrState)
}

func testInfo(t *testing.T, database db.KeyValueDB) {
	ctx := context.Background()
	createTable(t, database, "items")
	seed(t, database, "items", 20)

	info, err := database.GetInfo(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, info.DbType)
	assert.NotNil(t, info.Metadata)
	assert.Positive(t, info.SizeBytes)

	for _, f := range info.SupportedFeatures {
		assert.True(t, database.SupportsFeature(f), "reported feature %s", f)
	}
	for f := db.FeatureCreateTable; f <= db.FeatureIncrement; f <<= 1 {
		if database.SupportsFeature(f) {
			assert.Contains(t, info.SupportedFeatures, f)
		}
	}
}

// testEndToEnd is the canonical usage scenario of a key-value table
func testEndToEnd(t *testing.T, database db.KeyValueDB) {
	requireFeature(t, database, db.FeatureCreateTable|db.FeatureSaveBatch|db.FeatureCount|
		db.FeatureGetByIds|db.FeatureDeleteByIds|db.FeatureStreamIds)
	ctx := context.Background()

	require.NoError(t, database.CreateTable(ctx, "T", db.CreateTableOptions{}))
	require.NoError(t, database.SaveBatch(ctx, "T", []db.Entry{
		{ID: "a", Value: []byte{1, 2, 3}},
		{ID: "b", Value: []byte{4, 5}},
	}))

	n, err := database.Count(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	got, err := database.GetByIds(ctx, "T", []string{"a", "c"})
	require.NoError(t, err)
	require.Equal(t, []db.Entry{{ID: "a", Value: []byte{1, 2, 3}}}, got)

	require.NoError(t, database.DeleteByIds(ctx, "T", []string{"a"}))
	n, err = database.Count(ctx, "T")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	s, err := database.StreamIds(ctx, "T", 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, drain(t, s))
}
