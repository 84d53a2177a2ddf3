// Package db provides a standardized interface for key-value database implementations
// that keep their entries in named tables.
//
// The package focuses on:
//   - A unified interface for table, point, batch and streaming operations
//   - Feature discovery through capability flags
//   - A single typed error carrying an error code
//   - Comprehensive metadata reporting
//
// Key Components:
//
//   - KeyValueDB Interface: The core interface that all database implementations must satisfy.
//     It provides schema operations (CreateTable, DropTable), batch writes (SaveBatch,
//     DeleteByIds, IncrementBatch), point lookups (GetByIds), Count, full table scans
//     (StreamIds, StreamValues, StreamEntries) and explicit transaction demarcation.
//
//   - Stream: A lazy, forward-only sequence of rows. Streams buffer only a bounded number
//     of rows, which makes them the tool of choice to scan tables larger than memory.
//     Every stream must be closed.
//
//   - Feature Flags: The Feature type defines capability flags that implementations
//     advertise through the SupportsFeature method. Generic callers (like the conformance
//     suite in lib/db/testing) use them to skip or expect-fail operations, e.g. the SQLite
//     engine does not support FeatureIncrement and always fails IncrementBatch with
//     ErrUnsupported.
//
//   - Error: All failures surface as *Error with a code (ErrConnection, ErrSchema,
//     ErrPrepare, ErrCursorRead, ErrUnsupported, ...). Use errors.Is with the sentinels
//     or IsCode to branch on them.
//
//   - Database Information: The DatabaseInfo structure provides standardized
//     reporting on database state, including size statistics, implementation type,
//     and implementation-specific metadata.
//
// Note on Transactions:
//   - BeginTransaction/EndTransaction issue explicit statements on the single connection
//     of an implementation. Failed writes inside a transaction do NOT roll it back, the
//     caller has to call RollbackTransaction (or EndTransaction) itself.
//
// Related Packages:
//
// The engines/sqlite package (github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite) implements
// KeyValueDB on top of an embedded SQLite file with a fixed two column table layout
// (id TEXT PRIMARY KEY, v BLOB NOT NULL).
//
// The engines/memory package (github.com/ValentinKolb/sqlkv/lib/db/engines/memory) implements
// KeyValueDB in memory and additionally supports IncrementBatch.
//
// The sqlbuilder package renders the SQL text, the cursor package turns prepared
// statements into streams.
//
// The testing package (github.com/ValentinKolb/sqlkv/lib/db/testing) provides
// standardized tests and benchmarks for database implementations that satisfy the db.KeyValueDB interface.
//   - RunKeyValueDBTests: Runs a standardized test suite to validate implementations
//   - RunKeyValueDBBenchmarks: Provides performance benchmarks for comparing implementations
package db
