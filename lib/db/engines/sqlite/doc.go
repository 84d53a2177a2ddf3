// Package sqlite implements db.KeyValueDB on an embedded SQLite database.
//
// Every table has the fixed layout (id TEXT PRIMARY KEY, v BLOB NOT NULL). Values are stored
// and returned byte for byte, ids are bound as parameters, table names are validated with
// sqlbuilder.ValidIdentifier before they are spliced into a statement.
//
// # Lifecycle
//
// A Store is created unopened with New, becomes usable with Open (or Ping, which opens an
// unopened store) and ends with Close. A closed store can not be reopened, all operations
// on a store that is not open fail with db.ErrState.
//
//	store := sqlite.New(sqlite.Config{Filename: "data.db"})
//	if err := store.Open(ctx); err != nil {
//		return err
//	}
//	defer store.Close()
//
// The store keeps exactly one connection. All statements, cursors and explicit
// transactions (BeginTransaction / EndTransaction / RollbackTransaction) run on it, so a
// transaction started by one caller includes the writes of every other caller until it ends.
// Failed writes never roll a transaction back automatically.
//
// # Streams
//
// StreamIds, StreamValues and StreamEntries open a cursor on a prepared statement and
// return a db.Stream that reads ahead at most Config.StreamBuffer rows. Streams must be
// closed. Close on the store force-finalizes streams that are still open and then reports
// db.ErrCursorLeak.
//
// # Drivers
//
// The default driver is modernc.org/sqlite (pure Go, registered as "sqlite"). With cgo,
// github.com/mattn/go-sqlite3 is available as "sqlite3". Errors of both drivers are
// classified by their SQLite result code.
//
// # Metrics
//
// Operations, latencies, rows and cursors are counted with github.com/VictoriaMetrics/metrics
// and can be exported with WritePrometheus.
//
// # Unsupported
//
// IncrementBatch always fails with db.ErrUnsupported.
package sqlite
