package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{})
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIncrementInvalidValue(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateTable(ctx, "counters", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "counters", []db.Entry{
		{ID: "a", Value: []byte("1")},
		{ID: "text", Value: []byte("one")},
	}))

	_, err := s.IncrementBatch(ctx, "counters", []db.Increment{{ID: "a", By: 1}, {ID: "text", By: 1}})
	assert.ErrorIs(t, err, db.ErrInvalidArgument)

	got, err := s.GetByIds(ctx, "counters", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got[0].Value, "a failed batch applies nothing")

	_, err = s.IncrementBatch(ctx, "missing", []db.Increment{{ID: "a", By: 1}})
	assert.ErrorIs(t, err, db.ErrSchema)
}

func TestIncrementConcurrent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateTable(ctx, "counters", db.CreateTableOptions{}))

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := s.IncrementBatch(ctx, "counters", []db.Increment{{ID: "n", By: 1}, {ID: "m", By: -2}})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetByIds(ctx, "counters", []string{"n", "m"})
	require.NoError(t, err)
	assert.Equal(t, []db.Entry{{ID: "n", Value: []byte("800")}, {ID: "m", Value: []byte("-1600")}}, got)
}

func TestValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))

	value := []byte("abc")
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "a", Value: value}}))
	value[0] = 'x'

	got, err := s.GetByIds(ctx, "items", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got[0].Value)

	got[0].Value[0] = 'y'
	got, err = s.GetByIds(ctx, "items", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got[0].Value)
}

func TestStreamSnapshot(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "b", Value: []byte("2")}, {ID: "a", Value: []byte("1")}}))

	stream, err := s.StreamEntries(ctx, "items", 0)
	require.NoError(t, err)
	require.NoError(t, s.SaveBatch(ctx, "items", []db.Entry{{ID: "c", Value: []byte("3")}}))
	require.NoError(t, s.DeleteByIds(ctx, "items", []string{"a"}))

	var got []db.Entry
	for e, err := range stream.All() {
		require.NoError(t, err)
		got = append(got, e)
	}
	assert.Equal(t, []db.Entry{{ID: "a", Value: []byte("1")}, {ID: "b", Value: []byte("2")}}, got)
	assert.Zero(t, s.OpenStreams())
}

func TestOpenStreams(t *testing.T) {
	ctx := context.Background()
	s := New(Config{StreamBuffer: 1})
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.CreateTable(ctx, "items", db.CreateTableOptions{}))

	entries := make([]db.Entry, 50)
	for i := range entries {
		entries[i] = db.Entry{ID: fmt.Sprintf("%02d", i), Value: []byte("v")}
	}
	require.NoError(t, s.SaveBatch(ctx, "items", entries))

	a, err := s.StreamIds(ctx, "items", 0)
	require.NoError(t, err)
	b, err := s.StreamValues(ctx, "items", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, s.OpenStreams())

	require.NoError(t, a.Close())
	assert.Equal(t, 1, s.OpenStreams())

	assert.ErrorIs(t, s.Close(), db.ErrCursorLeak)
	assert.Zero(t, s.OpenStreams())
	require.NoError(t, b.Close())
}

func TestTransactionsUnsupported(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	assert.ErrorIs(t, s.BeginTransaction(ctx), db.ErrUnsupported)
	assert.ErrorIs(t, s.EndTransaction(ctx), db.ErrUnsupported)
	assert.ErrorIs(t, s.RollbackTransaction(ctx), db.ErrUnsupported)
	assert.False(t, s.SupportsFeature(db.FeatureTransactions))
	assert.True(t, s.SupportsFeature(db.FeatureIncrement|db.FeatureStreams))
}

func TestGetInfo(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.CreateTable(ctx, "b", db.CreateTableOptions{}))
	require.NoError(t, s.CreateTable(ctx, "a", db.CreateTableOptions{}))
	require.NoError(t, s.SaveBatch(ctx, "a", []db.Entry{{ID: "1", Value: make([]byte, 10)}, {ID: "2", Value: make([]byte, 100)}}))

	info, err := s.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, db.ImplMemory, info.DbType)
	assert.Equal(t, 112, info.SizeBytes)
	assert.Contains(t, info.SupportedFeatures, db.FeatureIncrement)
	assert.NotContains(t, info.SupportedFeatures, db.FeatureTransactions)

	meta, ok := info.Metadata.(*Metadata)
	require.True(t, ok)
	assert.Equal(t, map[string]int64{"a": 2, "b": 0}, meta.Tables)
	assert.Equal(t, int64(2), meta.ValueSizes.Samples)
	assert.Equal(t, 2.0, meta.TableRows.Sum)
}
