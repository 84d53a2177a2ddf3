package testing

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sqlkv/lib/db"
	"io"
	"math/rand"
	"sync/atomic"
	"testing"
)

const benchTable = "bench"

// RunKeyValueDBBenchmarks runs all benchmarks for a key-value database implementation
func RunKeyValueDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("SaveBatch(1)", func(b *testing.B) {
			benchmarkSaveBatch(b, open(b, factory), 1)
		})

		b.Run("SaveBatch(100)", func(b *testing.B) {
			benchmarkSaveBatch(b, open(b, factory), 100)
		})

		b.Run("SaveBatch(100)InTransaction", func(b *testing.B) {
			benchmarkSaveBatchInTransaction(b, open(b, factory), 100)
		})

		b.Run("SaveLargeValue", func(b *testing.B) {
			benchmarkSaveLargeValue(b, open(b, factory))
		})

		b.Run("GetByIds(1)", func(b *testing.B) {
			benchmarkGetByIds(b, open(b, factory), 1)
		})

		b.Run("GetByIds(100)", func(b *testing.B) {
			benchmarkGetByIds(b, open(b, factory), 100)
		})

		b.Run("DeleteByIds", func(b *testing.B) {
			benchmarkDeleteByIds(b, open(b, factory))
		})

		b.Run("Count", func(b *testing.B) {
			benchmarkCount(b, open(b, factory))
		})

		b.Run("StreamIds", func(b *testing.B) {
			benchmarkStreamIds(b, open(b, factory))
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, open(b, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// prepare creates the benchmark table with n entries
func prepare(b *testing.B, database db.KeyValueDB, n int) {
	b.Helper()
	ctx := context.Background()
	if err := database.CreateTable(ctx, benchTable, db.CreateTableOptions{DropIfExists: true}); err != nil {
		b.Fatal(err)
	}
	const batch = 1000
	for start := 0; start < n; start += batch {
		entries := make([]db.Entry, 0, batch)
		for i := start; i < n && i < start+batch; i++ {
			entries = append(entries, db.Entry{ID: fmt.Sprintf("key-%d", i), Value: []byte(fmt.Sprintf("value-%d", i))})
		}
		if err := database.SaveBatch(ctx, benchTable, entries); err != nil {
			b.Fatal(err)
		}
	}
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// Benchmark for SaveBatch with batches of the given size
func benchmarkSaveBatch(b *testing.B, database db.KeyValueDB, size int) {
	requireFeature(b, database, db.FeatureSaveBatch)
	prepare(b, database, 0)
	ctx := context.Background()

	var counter atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		entries := make([]db.Entry, size)
		for pb.Next() {
			base := counter.Add(int64(size))
			for i := range entries {
				entries[i] = db.Entry{ID: fmt.Sprintf("key-%d", base+int64(i)), Value: []byte("value")}
			}
			if err := database.SaveBatch(ctx, benchTable, entries); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Benchmark for SaveBatch inside an explicit transaction (one commit per batch)
func benchmarkSaveBatchInTransaction(b *testing.B, database db.KeyValueDB, size int) {
	requireFeature(b, database, db.FeatureSaveBatch|db.FeatureTransactions)
	prepare(b, database, 0)
	ctx := context.Background()

	entries := make([]db.Entry, size)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		for i := range entries {
			entries[i] = db.Entry{ID: fmt.Sprintf("key-%d-%d", n, i), Value: []byte("value")}
		}
		if err := database.BeginTransaction(ctx); err != nil {
			b.Fatal(err)
		}
		if err := database.SaveBatch(ctx, benchTable, entries); err != nil {
			b.Fatal(err)
		}
		if err := database.EndTransaction(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for saving 1MB values
func benchmarkSaveLargeValue(b *testing.B, database db.KeyValueDB) {
	requireFeature(b, database, db.FeatureSaveBatch)
	prepare(b, database, 0)
	ctx := context.Background()

	value := make([]byte, 1*1024*1024) // 1MB
	b.SetBytes(int64(len(value)))
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if err := database.SaveBatch(ctx, benchTable, []db.Entry{{ID: fmt.Sprintf("key-%d", n), Value: value}}); err != nil {
			b.Fatal(err)
		}
	}
}

// Parallel benchmarking for GetByIds with the given number of ids per call
func benchmarkGetByIds(b *testing.B, database db.KeyValueDB, size int) {
	requireFeature(b, database, db.FeatureSaveBatch|db.FeatureGetByIds)
	numKeys := 10000
	prepare(b, database, numKeys)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(rand.Int63()))
		ids := make([]string, size)
		for pb.Next() {
			for i := range ids {
				ids[i] = fmt.Sprintf("key-%d", rng.Intn(numKeys))
			}
			if _, err := database.GetByIds(ctx, benchTable, ids); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Benchmark for DeleteByIds (one id per call)
func benchmarkDeleteByIds(b *testing.B, database db.KeyValueDB) {
	requireFeature(b, database, db.FeatureSaveBatch|db.FeatureDeleteByIds)
	numKeys := min(b.N, 100000)
	prepare(b, database, numKeys)
	ctx := context.Background()

	var counter atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1) % int64(numKeys)
			if err := database.DeleteByIds(ctx, benchTable, []string{fmt.Sprintf("key-%d", i)}); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Benchmark for Count on a table with 10k entries
func benchmarkCount(b *testing.B, database db.KeyValueDB) {
	requireFeature(b, database, db.FeatureSaveBatch|db.FeatureCount)
	prepare(b, database, 10000)
	ctx := context.Background()

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if _, err := database.Count(ctx, benchTable); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for streaming ids, reported per row
func benchmarkStreamIds(b *testing.B, database db.KeyValueDB) {
	requireFeature(b, database, db.FeatureSaveBatch|db.FeatureStreamIds)
	prepare(b, database, b.N)
	ctx := context.Background()

	b.ResetTimer()
	s, err := database.StreamIds(ctx, benchTable, 0)
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	rows := 0
	for {
		_, err := s.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			b.Fatal(err)
		}
		rows++
	}
	if rows != b.N {
		b.Fatalf("streamed %d rows, expected %d", rows, b.N)
	}
}

// Parallel benchmark with a typical read heavy mix (70% get, 20% save, 10% delete)
func benchmarkMixedUsage(b *testing.B, database db.KeyValueDB) {
	requireFeature(b, database, db.FeatureSaveBatch|db.FeatureGetByIds|db.FeatureDeleteByIds)
	numKeys := 10000
	prepare(b, database, numKeys)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			id := fmt.Sprintf("key-%d", rng.Intn(numKeys))
			var err error
			switch op := rng.Intn(10); {
			case op < 7:
				_, err = database.GetByIds(ctx, benchTable, []string{id})
			case op < 9:
				err = database.SaveBatch(ctx, benchTable, []db.Entry{{ID: id, Value: []byte("updated")}})
			default:
				err = database.DeleteByIds(ctx, benchTable, []string{id})
			}
			if err != nil {
				b.Error(err)
				return
			}
		}
	})
}
