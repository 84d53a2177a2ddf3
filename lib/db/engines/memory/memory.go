package memory

import (
	"context"
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
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var Logger = logger.GetLogger(logging.NameMemory)

// valueSamplesPerTable is the number of values GetInfo measures per table
const valueSamplesPerTable = 100

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config configures a Store. The zero value is usable.
type Config struct {
	StreamBuffer int            // Rows a stream reads ahead (default: cursor.DefaultBuffer)
	Logger       logger.ILogger // Diagnostic sink (default: logger "memory")
}

func (c Config) withDefaults() Config {
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = cursor.DefaultBuffer
	}
	if c.Logger == nil {
		c.Logger = Logger
	}
	return c
}

// --------------------------------------------------------------------------
// Tables
// --------------------------------------------------------------------------

// table is a namespace of entries
type table struct {
	// increments hold the write lock so that a batch is applied all or nothing,
	// all other writes hold the read lock and rely on the map for atomicity
	mu   sync.RWMutex
	data *xsync.MapOf[string, []byte]
}

func newTable() *table {
	return &table{data: xsync.NewMapOf[string, []byte]()}
}

// snapshot copies all entries of the table, sorted by id. A limit > 0 truncates the result.
func (t *table) snapshot(limit int) []db.Entry {
	var entries []db.Entry
	t.data.Range(func(id string, v []byte) bool {
		entries = append(entries, db.Entry{ID: id, Value: v})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}

// copyValue copies v, values are never shared with callers
func copyValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

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

// Store implements db.KeyValueDB in memory. It supports increments but no transactions.
//
// Thread-safety: All methods are thread-safe and can be called concurrently.
type Store struct {
	cfg Config
	log logger.ILogger

	mu     sync.RWMutex // guards state. Operations hold the read lock.
	state  state
	tables *xsync.MapOf[string, *table]

	nextStream atomic.Uint64
	streams    *xsync.MapOf[uint64, *openStream] // streams whose snapshot is not released yet
}

type openStream struct {
	stream io.Closer
}

var _ db.KeyValueDB = (*Store)(nil)

// New creates an unopened store
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:     cfg,
		log:     cfg.Logger,
		tables:  xsync.NewMapOf[string, *table](),
		streams: xsync.NewMapOf[uint64, *openStream](),
	}
}

// Open makes the store usable. Opening an open store is a no-op,
// opening a closed store fails with ErrState.
func (s *Store) Open(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateOpen:
		return nil
	case stateClosed:
		return db.Errorf(db.CodeState, "open", "store is closed and can not be reopened")
	}
	s.state = stateOpen
	s.log.Debugf("opened in-memory store")
	return nil
}

// Ping opens the store if it is unopened
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	st := s.state
	s.mu.RUnlock()

	switch st {
	case stateUnopened:
		return s.Open(ctx)
	case stateClosed:
		return db.Errorf(db.CodeState, "ping", "store is %s", st)
	}
	return nil
}

// Close closes all streams that are still open, drops all tables and reports
// ErrCursorLeak if there were open streams. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
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
		_ = open.stream.Close()
	}
	s.tables.Clear()

	if len(leaked) > 0 {
		s.log.Warningf("closed %d leaked stream(s)", len(leaked))
		return db.Errorf(db.CodeCursorLeak, "close", "%d stream(s) were still open and have been closed", len(leaked))
	}
	return nil
}

// OpenStreams returns the number of streams whose snapshot is not released yet
func (s *Store) OpenStreams() int {
	return s.streams.Size()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func (s *Store) acquire(op string) (release func(), err error) {
	s.mu.RLock()
	if s.state != stateOpen {
		st := s.state
		s.mu.RUnlock()
		return nil, db.Errorf(db.CodeState, op, "store is %s", st)
	}
	return s.mu.RUnlock, nil
}

// lookup validates the name and returns the table. It holds the read lock of the store on
// success, release must be called when the caller is done.
func (s *Store) lookup(op, name string) (t *table, release func(), err error) {
	if !sqlbuilder.ValidIdentifier(name) {
		return nil, nil, db.Errorf(db.CodeInvalidArgument, op, "invalid table name %q", name)
	}
	release, err = s.acquire(op)
	if err != nil {
		return nil, nil, err
	}
	t, ok := s.tables.Load(name)
	if !ok {
		release()
		return nil, nil, db.Errorf(db.CodeSchema, op, "no such table: %s", name)
	}
	return t, release, nil
}

// --------------------------------------------------------------------------
// Schema Operations
// --------------------------------------------------------------------------

func (s *Store) CreateTable(_ context.Context, name string, opts db.CreateTableOptions) error {
	const op = "createTable"
	if !sqlbuilder.ValidIdentifier(name) {
		return db.Errorf(db.CodeInvalidArgument, op, "invalid table name %q", name)
	}
	release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	if opts.DropIfExists {
		s.tables.Store(name, newTable())
		return nil
	}
	if _, loaded := s.tables.LoadOrStore(name, newTable()); loaded {
		return db.Errorf(db.CodeSchema, op, "table %s already exists", name)
	}
	return nil
}

func (s *Store) DropTable(_ context.Context, name string) error {
	const op = "dropTable"
	if !sqlbuilder.ValidIdentifier(name) {
		return db.Errorf(db.CodeInvalidArgument, op, "invalid table name %q", name)
	}
	release, err := s.acquire(op)
	if err != nil {
		return err
	}
	defer release()

	s.tables.Delete(name)
	return nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

// SaveBatch stores copies of all values. If an id occurs more than once, its last entry wins.
func (s *Store) SaveBatch(_ context.Context, name string, entries []db.Entry) error {
	const op = "saveBatch"
	for _, e := range entries {
		if e.ID == "" {
			return db.Errorf(db.CodeInvalidArgument, op, "entry without id")
		}
	}
	t, release, err := s.lookup(op, name)
	if err != nil {
		return err
	}
	defer release()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range entries {
		t.data.Store(e.ID, copyValue(e.Value))
	}
	return nil
}

func (s *Store) DeleteByIds(_ context.Context, name string, ids []string) error {
	t, release, err := s.lookup("deleteByIds", name)
	if err != nil {
		return err
	}
	defer release()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range ids {
		t.data.Delete(id)
	}
	return nil
}

// IncrementBatch adds each By to the base-10 integer stored under ID (a missing entry counts
// as 0) and returns the new values in the order of increments. If a stored value is not an
// integer the batch fails with ErrInvalidArgument and nothing is applied.
func (s *Store) IncrementBatch(_ context.Context, name string, increments []db.Increment) ([]db.Increment, error) {
	const op = "incrementBatch"
	t, release, err := s.lookup(op, name)
	if err != nil {
		return nil, err
	}
	defer release()

	t.mu.Lock()
	defer t.mu.Unlock()

	// compute everything first, the batch is applied all or nothing
	current := make(map[string]int64, len(increments))
	result := make([]db.Increment, len(increments))
	for i, inc := range increments {
		if inc.ID == "" {
			return nil, db.Errorf(db.CodeInvalidArgument, op, "increment without id")
		}
		n, ok := current[inc.ID]
		if !ok {
			if v, found := t.data.Load(inc.ID); found {
				n, err = strconv.ParseInt(string(v), 10, 64)
				if err != nil {
					return nil, db.Errorf(db.CodeInvalidArgument, op, "value of %s is not an integer: %v", inc.ID, err)
				}
			}
		}
		n += inc.By
		current[inc.ID] = n
		result[i] = db.Increment{ID: inc.ID, By: n}
	}

	for id, n := range current {
		t.data.Store(id, []byte(strconv.FormatInt(n, 10)))
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// GetByIds returns copies of the entries of all existing ids, in the order the ids first occur.
func (s *Store) GetByIds(_ context.Context, name string, ids []string) ([]db.Entry, error) {
	t, release, err := s.lookup("getByIds", name)
	if err != nil {
		return nil, err
	}
	defer release()

	seen := make(map[string]struct{}, len(ids))
	entries := make([]db.Entry, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if v, ok := t.data.Load(id); ok {
			entries = append(entries, db.Entry{ID: id, Value: copyValue(v)})
		}
	}
	return entries, nil
}

func (s *Store) Count(_ context.Context, name string) (int64, error) {
	t, release, err := s.lookup("count", name)
	if err != nil {
		return 0, err
	}
	defer release()
	return int64(t.data.Size()), nil
}

// --------------------------------------------------------------------------
// Streams
// --------------------------------------------------------------------------

// registeredSource removes the stream from the registry of the store once the
// snapshot is released
type registeredSource[T any] struct {
	*cursor.SliceSource[T]
	once       sync.Once
	deregister func()
}

func (r *registeredSource[T]) Close() error {
	err := r.SliceSource.Close()
	r.once.Do(r.deregister)
	return err
}

// openStreamOf streams a snapshot of the table taken when the stream is opened
func openStreamOf[T any](s *Store, op, name string, limit int, project func(db.Entry) T) (db.Stream[T], error) {
	t, release, err := s.lookup(op, name)
	if err != nil {
		return nil, err
	}
	defer release()

	entries := t.snapshot(limit)
	rows := make([]T, len(entries))
	for i, e := range entries {
		rows[i] = project(db.Entry{ID: e.ID, Value: copyValue(e.Value)})
	}

	id := s.nextStream.Add(1)
	src := &registeredSource[T]{
		SliceSource: cursor.NewSliceSource(rows),
		deregister:  func() { s.streams.Delete(id) },
	}

	// register before the pump starts, it may release the snapshot right away.
	// Close can not run before entry.stream is set, it needs the write lock.
	entry := &openStream{}
	s.streams.Store(id, entry)
	stream := cursor.NewStream[T](src, s.cfg.StreamBuffer)
	entry.stream = stream
	return stream, nil
}

// StreamIds streams the ids of a snapshot of the table, sorted. A limit <= 0 streams all rows.
func (s *Store) StreamIds(_ context.Context, name string, limit int) (db.Stream[string], error) {
	return openStreamOf(s, "streamIds", name, limit, func(e db.Entry) string { return e.ID })
}

// StreamValues streams the values of a snapshot of the table, sorted by id. A limit <= 0 streams all rows.
func (s *Store) StreamValues(_ context.Context, name string, limit int) (db.Stream[[]byte], error) {
	return openStreamOf(s, "streamValues", name, limit, func(e db.Entry) []byte { return e.Value })
}

// StreamEntries streams a snapshot of the table, sorted by id. A limit <= 0 streams all rows.
func (s *Store) StreamEntries(_ context.Context, name string, limit int) (db.Stream[db.Entry], error) {
	return openStreamOf(s, "streamEntries", name, limit, func(e db.Entry) db.Entry { return e })
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

func (s *Store) BeginTransaction(_ context.Context) error {
	return db.Errorf(db.CodeUnsupported, "beginTransaction", "the memory engine does not support transactions")
}

func (s *Store) EndTransaction(_ context.Context) error {
	return db.Errorf(db.CodeUnsupported, "endTransaction", "the memory engine does not support transactions")
}

func (s *Store) RollbackTransaction(_ context.Context) error {
	return db.Errorf(db.CodeUnsupported, "rollbackTransaction", "the memory engine does not support transactions")
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
	db.FeatureIncrement

// SupportsFeature checks if this implementation supports a specific KeyValueDB feature
func (s *Store) SupportsFeature(feature db.Feature) bool {
	return supportedFeatures&feature == feature
}

// Metadata is the engine specific part of db.DatabaseInfo
type Metadata struct {
	Tables      map[string]int64      `json:"tables" yaml:"tables"` // name -> rows
	TableRows   util.Stats            `json:"table_rows" yaml:"table_rows"`
	ValueSizes  util.HistogramSummary `json:"value_sizes" yaml:"value_sizes"`
	OpenStreams int                   `json:"open_streams" yaml:"open_streams"`
	Info        string                `json:"info" yaml:"info"`
}

// GetInfo reports the number of stored bytes (ids and values), the tables with their
// row counts and the size distribution of a sample of values.
func (s *Store) GetInfo(_ context.Context) (db.DatabaseInfo, error) {
	release, err := s.acquire("getInfo")
	if err != nil {
		return db.DatabaseInfo{}, err
	}
	defer release()

	start := time.Now()
	meta := &Metadata{Tables: map[string]int64{}}
	histogram := util.NewSizeHistogram()

	var names []string
	s.tables.Range(func(name string, _ *table) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)

	size := 0
	rows := make([]float64, 0, len(names))
	for _, name := range names {
		t, ok := s.tables.Load(name)
		if !ok {
			continue
		}
		sampled := 0
		t.data.Range(func(id string, v []byte) bool {
			size += len(id) + len(v)
			if sampled < valueSamplesPerTable {
				histogram.AddSample(len(v))
				sampled++
			}
			return true
		})
		n := int64(t.data.Size())
		meta.Tables[name] = n
		rows = append(rows, float64(n))
	}

	meta.TableRows = util.NewStats(rows)
	meta.ValueSizes = histogram.Summary()
	meta.OpenStreams = s.OpenStreams()
	meta.Info = fmt.Sprintf("value sizes are sampled from up to %d values per table, collected in %s",
		valueSamplesPerTable, time.Since(start).Round(time.Microsecond))

	return db.DatabaseInfo{
		SizeBytes:         size,
		DbType:            db.ImplMemory,
		SupportedFeatures: supportedFeatures.Features(),
		Metadata:          meta,
	}, nil
}
