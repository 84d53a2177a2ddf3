package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/db/cursor"
	"github.com/ValentinKolb/sqlkv/lib/db/sqlbuilder"
	"github.com/ValentinKolb/sqlkv/lib/db/util"
	"github.com/ValentinKolb/sqlkv/lib/logging"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

var Logger = logger.GetLogger(logging.NameSQLite)

// valueSamplesPerTable is the number of values GetInfo measures per table
const valueSamplesPerTable = 100

// --------------------------------------------------------------------------
// Lifecycle State
// --------------------------------------------------------------------------

type state int

const (
	stateUnopened state = iota
	stateOpen
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateOpen:
		return "open"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// openStream is the registry entry of a stream whose cursor is not finalized yet
type openStream struct {
	query  string
	opened time.Time
	stream io.Closer
}

// Store implements db.KeyValueDB on a single SQLite file.
//
// All statements and cursors share one connection, which makes in-memory databases and
// explicit transactions work. Operations may be called concurrently, the driver
// serializes them on the connection.
type Store struct {
	cfg Config
	log logger.ILogger

	mu    sync.RWMutex // guards state, sqlDB and conn. Operations hold the read lock while they use conn.
	state state
	sqlDB *sql.DB
	conn  *sql.Conn

	streams *xsync.MapOf[uint64, *openStream] // by cursor id
}

var _ db.KeyValueDB = (*Store)(nil)

// New creates an unopened store. Call Open (or Ping) before using it.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:     cfg,
		log:     cfg.Logger,
		streams: xsync.NewMapOf[uint64, *openStream](),
	}
}

// Config returns the effective configuration of the store (defaults applied)
func (s *Store) Config() Config {
	return s.cfg
}

// Open opens the database file. Opening an open store is a no-op,
// opening a closed store fails with ErrState.
func (s *Store) Open(ctx context.Context) (err error) {
	defer func(start time.Time) { err = observe("open", start, err) }(time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpen:
		return nil
	case stateClosed:
		return db.Errorf(db.CodeState, "open", "store %s is closed and can not be reopened", s.cfg.Filename)
	}

	if err := s.cfg.validate(); err != nil {
		return db.NewError(db.CodeInvalidArgument, "open", err)
	}

	sqlDB, err := sql.Open(s.cfg.Driver, s.cfg.dsn())
	if err != nil {
		return db.NewError(db.CodeConnection, "open", err)
	}
	sqlDB.SetMaxOpenConns(1)

	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		_ = sqlDB.Close()
		return db.NewError(db.CodeConnection, "open", err)
	}

	if err := s.initConn(ctx, conn); err != nil {
		_ = conn.Close()
		_ = sqlDB.Close()
		return db.NewError(db.CodeConnection, "open", err)
	}

	s.sqlDB, s.conn = sqlDB, conn
	s.state = stateOpen
	s.log.Infof("opened %s (driver=%s, mode=%s)", logging.Highlight(s.cfg.Filename), s.cfg.Driver, s.cfg.Mode)
	return nil
}

// initConn configures a fresh connection and makes sure the file is a database
func (s *Store) initConn(ctx context.Context, conn *sql.Conn) error {
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", s.cfg.BusyTimeout.Milliseconds())); err != nil {
		return err
	}
	// the header of the file is only read by the first query
	var n int64
	return conn.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n)
}

// Ping opens the store if it is unopened and checks the connection
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	unopened := s.state == stateUnopened
	s.mu.RUnlock()

	if unopened {
		if err := s.Open(ctx); err != nil {
			return err
		}
	}

	conn, release, err := s.acquire("ping")
	if err != nil {
		return err
	}
	defer release()

	if err := conn.PingContext(ctx); err != nil {
		return db.NewError(db.CodeConnection, "ping", err)
	}
	return nil
}

// Close force-finalizes all cursors that are still open and closes the connection.
// If there were open cursors, the store is closed anyway and ErrCursorLeak is returned.
// Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateClosed:
		return nil
	case stateUnopened:
		s.state = stateClosed
		return nil
	}
	s.state = stateClosed

	// collect first, closing a stream removes it from the registry
	var leaked []*openStream
	s.streams.Range(func(_ uint64, open *openStream) bool {
		leaked = append(leaked, open)
		return true
	})
	for _, open := range leaked {
		s.log.Warningf("closing leaked cursor (open for %s): %s", time.Since(open.opened).Round(time.Millisecond), open.query)
		_ = open.stream.Close()
	}
	cursorsLeaked.Add(len(leaked))

	connErr := s.conn.Close()
	dbErr := s.sqlDB.Close()
	s.log.Infof("closed %s", logging.Highlight(s.cfg.Filename))

	if connErr != nil {
		return db.NewError(db.CodeConnection, "close", connErr)
	}
	if dbErr != nil {
		return db.NewError(db.CodeConnection, "close", dbErr)
	}
	if len(leaked) > 0 {
		return db.Errorf(db.CodeCursorLeak, "close", "%d cursor(s) were still open and have been closed", len(leaked))
	}
	return nil
}

// OpenCursors returns the number of cursors that are not finalized yet
func (s *Store) OpenCursors() int {
	return s.streams.Size()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// acquire returns the connection of an open store. release must be called when the
// caller is done with the connection.
func (s *Store) acquire(op string) (conn *sql.Conn, release func(), err error) {
	s.mu.RLock()
	if s.state != stateOpen {
		st := s.state
		s.mu.RUnlock()
		return nil, nil, db.Errorf(db.CodeState, op, "store is %s", st)
	}
	return s.conn, s.mu.RUnlock, nil
}

func checkTable(op, table string) error {
	if !sqlbuilder.ValidIdentifier(table) {
		return db.Errorf(db.CodeInvalidArgument, op, "invalid table name %q", table)
	}
	return nil
}

func (s *Store) debug(op string, st sqlbuilder.Statement) {
	if s.cfg.Debug {
		s.log.Infof("%s: %s", op, st)
	}
}

func (s *Store) exec(ctx context.Context, conn *sql.Conn, op string, st sqlbuilder.Statement) (sql.Result, error) {
	s.debug(op, st)
	res, err := conn.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, wrap(op, err, db.CodeExec)
	}
	return res, nil
}

// uniqueIds returns ids without duplicates, in order of their first occurrence
func uniqueIds(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// lastWins removes entries whose id occurs again later in the batch
func lastWins(entries []db.Entry) []db.Entry {
	last := make(map[string]int, len(entries))
	order := make([]string, 0, len(entries))
	for i, e := range entries {
		if _, ok := last[e.ID]; !ok {
			order = append(order, e.ID)
		}
		last[e.ID] = i
	}
	out := make([]db.Entry, len(order))
	for i, id := range order {
		out[i] = entries[last[id]]
	}
	return out
}

// --------------------------------------------------------------------------
// Row Decoding
// --------------------------------------------------------------------------

// nonNil makes empty values comparable, drivers return nil or []byte{} for empty blobs
func nonNil(v []byte) []byte {
	if v == nil {
		return []byte{}
	}
	return v
}

func scanID(row cursor.Scanner) (id string, err error) {
	err = row.Scan(&id)
	return id, err
}

func scanValue(row cursor.Scanner) (v []byte, err error) {
	err = row.Scan(&v)
	return nonNil(v), err
}

func scanEntry(row cursor.Scanner) (e db.Entry, err error) {
	err = row.Scan(&e.ID, &e.Value)
	e.Value = nonNil(e.Value)
	return e, err
}

func scanInt(row cursor.Scanner) (n int64, err error) {
	err = row.Scan(&n)
	return n, err
}

// --------------------------------------------------------------------------
// Schema Operations
// --------------------------------------------------------------------------

// CreateTable creates table. With DropIfExists an existing table is dropped first, otherwise
// an existing table fails with ErrSchema. Dropping a table that an open stream still reads
// fails with ErrState, close the stream first.
func (s *Store) CreateTable(ctx context.Context, table string, opts db.CreateTableOptions) (err error) {
	const op = "createTable"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return err
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	if opts.DropIfExists {
		if _, err := s.exec(ctx, conn, op, sqlbuilder.DropTable(table)); err != nil {
			return err
		}
	}
	_, err = s.exec(ctx, conn, op, sqlbuilder.CreateTable(table))
	return err
}

// DropTable drops table. Like CreateTable it fails with ErrState while a stream reads the table.
func (s *Store) DropTable(ctx context.Context, table string) (err error) {
	const op = "dropTable"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return err
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.exec(ctx, conn, op, sqlbuilder.DropTable(table))
	return err
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// SaveBatch upserts all entries. If an id occurs more than once, its last entry wins.
// The upsert is prepared once and executed by up to Config.Concurrency workers. Without an
// explicit transaction every row commits on its own, so a failing batch may be partially applied.
func (s *Store) SaveBatch(ctx context.Context, table string, entries []db.Entry) (err error) {
	const op = "saveBatch"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return err
	}
	for _, e := range entries {
		if e.ID == "" {
			return db.Errorf(db.CodeInvalidArgument, op, "entry without id")
		}
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	if len(entries) == 0 {
		return nil
	}

	batch := lastWins(entries)
	for i := range batch {
		batch[i].Value = nonNil(batch[i].Value)
	}

	// all upserts share one SQL text, it is prepared once
	upserts := sqlbuilder.InsertMany(table, batch)
	s.debug(op, upserts[0])

	stmt, err := conn.PrepareContext(ctx, upserts[0].SQL)
	if err != nil {
		return wrap(op, err, db.CodePrepare)
	}
	defer stmt.Close()

	err = util.PMap(ctx, upserts, s.cfg.Concurrency, func(ctx context.Context, st sqlbuilder.Statement) error {
		_, err := stmt.ExecContext(ctx, st.Args...)
		return err
	})
	if err != nil {
		return wrap(op, err, db.CodeExec)
	}

	rowsWritten.Add(len(upserts))
	return nil
}

func (s *Store) DeleteByIds(ctx context.Context, table string, ids []string) (err error) {
	const op = "deleteByIds"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return err
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	for _, chunk := range util.Chunk(uniqueIds(ids), sqlbuilder.MaxBoundIDs) {
		res, err := s.exec(ctx, conn, op, sqlbuilder.DeleteByIds(table, chunk))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil {
			rowsDeleted.Add(int(n))
		}
	}
	return nil
}

// IncrementBatch is not supported by this engine, it always fails with ErrUnsupported
// and applies nothing.
func (s *Store) IncrementBatch(_ context.Context, _ string, _ []db.Increment) ([]db.Increment, error) {
	return nil, db.Errorf(db.CodeUnsupported, "incrementBatch", "the sqlite engine does not support increments")
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// GetByIds returns the entries of all existing ids, in the order the ids first occur in ids.
func (s *Store) GetByIds(ctx context.Context, table string, ids []string) (entries []db.Entry, err error) {
	const op = "getByIds"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return nil, err
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()

	unique := uniqueIds(ids)
	found := make(map[string][]byte, len(unique))
	for _, chunk := range util.Chunk(unique, sqlbuilder.MaxBoundIDs) {
		st := sqlbuilder.SelectByIds(table, chunk)
		s.debug(op, st)

		c, err := cursor.Open(ctx, conn, st.SQL, scanEntry, st.Args...)
		if err != nil {
			return nil, wrap(op, err, db.CodePrepare)
		}
		for e, err := range c.All() {
			if err != nil {
				return nil, wrap(op, err, db.CodeCursorRead)
			}
			found[e.ID] = e.Value
		}
	}

	entries = make([]db.Entry, 0, len(found))
	for _, id := range unique {
		if v, ok := found[id]; ok {
			entries = append(entries, db.Entry{ID: id, Value: v})
		}
	}
	rowsRead.Add(len(entries))
	return entries, nil
}

func (s *Store) Count(ctx context.Context, table string) (count int64, err error) {
	const op = "count"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return 0, err
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return 0, err
	}
	defer release()

	st := sqlbuilder.Count(table)
	s.debug(op, st)
	if err := conn.QueryRowContext(ctx, st.SQL).Scan(&count); err != nil {
		return 0, wrap(op, err, db.CodeExec)
	}
	return count, nil
}

// --------------------------------------------------------------------------
// Streams
// --------------------------------------------------------------------------

// streamCursor counts the rows read through streams and classifies read errors of op
type streamCursor[T any] struct {
	*cursor.Cursor[T]
	op string
}

func (c streamCursor[T]) Next() (T, bool, error) {
	row, ok, err := c.Cursor.Next()
	if ok {
		rowsRead.Inc()
	}
	return row, ok, wrap(c.op, err, db.CodeCursorRead)
}

// openStreamOf opens a cursor for st and starts a stream over it.
// The cursor stays registered with the store until it is finalized.
func openStreamOf[T any](ctx context.Context, s *Store, op, table string, st sqlbuilder.Statement, scan cursor.ScanFunc[T]) (stream db.Stream[T], err error) {
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	if err := checkTable(op, table); err != nil {
		return nil, err
	}
	conn, release, err := s.acquire(op)
	if err != nil {
		return nil, err
	}
	defer release()

	s.debug(op, st)
	c, err := cursor.Open(ctx, conn, st.SQL, scan, st.Args...)
	if err != nil {
		return nil, wrap(op, err, db.CodePrepare)
	}
	cursorsOpened.Inc()

	// register before the pump starts, it may finalize the cursor right away
	id := c.ID()
	entry := &openStream{query: st.SQL, opened: time.Now()}
	s.streams.Store(id, entry)
	c.OnClose(func() {
		s.streams.Delete(id)
		cursorsClosed.Inc()
	})

	str := cursor.NewStream[T](streamCursor[T]{Cursor: c, op: op}, s.cfg.StreamBuffer)
	entry.stream = str
	return str, nil
}

// StreamIds streams the ids of table. A limit <= 0 streams all rows.
func (s *Store) StreamIds(ctx context.Context, table string, limit int) (db.Stream[string], error) {
	return openStreamOf(ctx, s, "streamIds", table, sqlbuilder.SelectAllIds(table, limit), scanID)
}

// StreamValues streams the values of table. A limit <= 0 streams all rows.
func (s *Store) StreamValues(ctx context.Context, table string, limit int) (db.Stream[[]byte], error) {
	return openStreamOf(ctx, s, "streamValues", table, sqlbuilder.SelectAllValues(table, limit), scanValue)
}

// StreamEntries streams the entries of table. A limit <= 0 streams all rows.
func (s *Store) StreamEntries(ctx context.Context, table string, limit int) (db.Stream[db.Entry], error) {
	return openStreamOf(ctx, s, "streamEntries", table, sqlbuilder.SelectAll(table, limit), scanEntry)
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// BeginTransaction issues BEGIN on the shared connection, all following operations
// (of all callers) run inside the transaction until EndTransaction or RollbackTransaction.
func (s *Store) BeginTransaction(ctx context.Context) (err error) {
	return s.txVerb(ctx, "beginTransaction", sqlbuilder.Begin)
}

// EndTransaction commits the current transaction
func (s *Store) EndTransaction(ctx context.Context) (err error) {
	return s.txVerb(ctx, "endTransaction", sqlbuilder.End)
}

// RollbackTransaction discards the current transaction
func (s *Store) RollbackTransaction(ctx context.Context) (err error) {
	return s.txVerb(ctx, "rollbackTransaction", sqlbuilder.Rollback)
}

func (s *Store) txVerb(ctx context.Context, op, verb string) (err error) {
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	conn, release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	_, err = s.exec(ctx, conn, op, sqlbuilder.Statement{SQL: verb})
	return err
}

// --------------------------------------------------------------------------
// Features and Metadata
// --------------------------------------------------------------------------

const supportedFeatures = db.FeatureCreateTable |
	db.FeatureDropTable |
	db.FeatureGetByIds |
	db.FeatureSaveBatch |
	db.FeatureDeleteByIds |
	db.FeatureCount |
	db.FeatureStreams |
	db.FeatureTransactions

// SupportsFeature checks if this implementation supports a specific KeyValueDB feature
func (s *Store) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

// Metadata is the engine specific part of db.DatabaseInfo
type Metadata struct {
	Filename    string                `json:"filename" yaml:"filename"`
	Driver      string                `json:"driver" yaml:"driver"`
	Mode        Mode                  `json:"mode" yaml:"mode"`
	PageSize    int64                 `json:"page_size" yaml:"page_size"`
	PageCount   int64                 `json:"page_count" yaml:"page_count"`
	JournalMode string                `json:"journal_mode" yaml:"journal_mode"`
	Tables      map[string]int64      `json:"tables" yaml:"tables"` // name -> rows
	TableRows   util.Stats            `json:"table_rows" yaml:"table_rows"`
	ValueSizes  util.HistogramSummary `json:"value_sizes" yaml:"value_sizes"`
	OpenCursors int                   `json:"open_cursors" yaml:"open_cursors"`
	Info        string                `json:"info" yaml:"info"`
}

// GetInfo reports the file size (page_count * page_size), the tables with their row counts
// and the size distribution of a sample of values.
func (s *Store) GetInfo(ctx context.Context) (info db.DatabaseInfo, err error) {
	const op = "getInfo"
	defer func(start time.Time) { err = observe(op, start, err) }(time.Now())

	conn, release, err := s.acquire(op)
	if err != nil {
		return info, err
	}
	defer release()

	meta := &Metadata{
		Filename: s.cfg.Filename,
		Driver:   s.cfg.Driver,
		Mode:     s.cfg.Mode,
		Tables:   map[string]int64{},
		Info:     fmt.Sprintf("value sizes are sampled from up to %d values per table", valueSamplesPerTable),
	}

	for pragma, dst := range map[string]any{
		"PRAGMA page_size":    &meta.PageSize,
		"PRAGMA page_count":   &meta.PageCount,
		"PRAGMA journal_mode": &meta.JournalMode,
	} {
		if err := conn.QueryRowContext(ctx, pragma).Scan(dst); err != nil {
			return info, wrap(op, err, db.CodeExec)
		}
	}

	tables, err := s.collect(ctx, conn, op, sqlbuilder.ListTables())
	if err != nil {
		return info, err
	}
	sort.Strings(tables)

	histogram := util.NewSizeHistogram()
	rows := make([]float64, 0, len(tables))
	for _, table := range tables {
		// tables created outside of this module may have names the builder can not quote
		if !sqlbuilder.ValidIdentifier(table) {
			continue
		}
		var n int64
		if err := conn.QueryRowContext(ctx, sqlbuilder.Count(table).SQL).Scan(&n); err != nil {
			return info, wrap(op, err, db.CodeExec)
		}
		meta.Tables[table] = n
		rows = append(rows, float64(n))

		sizes, err := collectAs(ctx, s, conn, op, sqlbuilder.SampleValueSizes(table, valueSamplesPerTable), scanInt)
		if err != nil {
			// not a key-value table
			if strings.Contains(err.Error(), "no such column") {
				continue
			}
			return info, err
		}
		for _, size := range sizes {
			histogram.AddSample(int(size))
		}
	}
	meta.TableRows = util.NewStats(rows)
	meta.ValueSizes = histogram.Summary()
	meta.OpenCursors = s.OpenCursors()

	return db.DatabaseInfo{
		SizeBytes:         int(meta.PageSize * meta.PageCount),
		DbType:            db.ImplSQLite,
		SupportedFeatures: supportedFeatures.Features(),
		Metadata:          meta,
	}, nil
}

// collect reads all strings selected by st
func (s *Store) collect(ctx context.Context, conn *sql.Conn, op string, st sqlbuilder.Statement) ([]string, error) {
	return collectAs(ctx, s, conn, op, st, scanID)
}

// collectAs reads all rows selected by st into a slice
func collectAs[T any](ctx context.Context, s *Store, conn *sql.Conn, op string, st sqlbuilder.Statement, scan cursor.ScanFunc[T]) ([]T, error) {
	s.debug(op, st)
	c, err := cursor.Open(ctx, conn, st.SQL, scan, st.Args...)
	if err != nil {
		return nil, wrap(op, err, db.CodePrepare)
	}
	var out []T
	for row, err := range c.All() {
		if err != nil {
			return nil, wrap(op, err, db.CodeCursorRead)
		}
		out = append(out, row)
	}
	return out, nil
}
