package cursor

import (
	"context"
	"database/sql"
	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/logging"
	"github.com/lni/dragonboat/v4/logger"
	"iter"
	"sync"
	"sync/atomic"
)

var Logger = logger.GetLogger(logging.NameCursor)

// --------------------------------------------------------------------------
// Interfaces
// --------------------------------------------------------------------------

// Preparer prepares statements. It is satisfied by *sql.Conn, *sql.DB and *sql.Tx.
type Preparer interface {
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// Scanner is the part of *sql.Rows a ScanFunc needs
type Scanner interface {
	Scan(dest ...any) error
}

// ScanFunc decodes the current row into T
type ScanFunc[T any] func(row Scanner) (T, error)

// Source is a pull-based sequence of rows that must be closed
type Source[T any] interface {
	// Next returns the next row. ok is false after the last row.
	Next() (row T, ok bool, err error)
	// Close releases the source. Safe to call multiple times.
	Close() error
}

// --------------------------------------------------------------------------
// Cursor
// --------------------------------------------------------------------------

var cursorIds atomic.Uint64

// Cursor owns exactly one prepared statement and steps through its result one row per Next call.
// The statement is executed when the cursor is opened, rows are fetched one at a time by Next.
//
// A cursor must be closed, also after Next returned the end of the sequence or an error.
// All methods are safe for concurrent use.
type Cursor[T any] struct {
	id    uint64
	query string
	scan  ScanFunc[T]

	mu      sync.Mutex
	stmt    *sql.Stmt
	rows    *sql.Rows
	done    bool // end of sequence or read error reached
	closed  bool
	onClose []func()
}

// Open prepares and executes query on p. Some drivers defer preparing until the statement
// runs, so both steps fail with ErrPrepare. Cancelling ctx terminates the sequence with a read error.
func Open[T any](ctx context.Context, p Preparer, query string, scan ScanFunc[T], args ...any) (*Cursor[T], error) {
	stmt, err := p.PrepareContext(ctx, query)
	if err != nil {
		return nil, db.NewError(db.CodePrepare, "openCursor", err)
	}
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		_ = stmt.Close()
		return nil, db.NewError(db.CodePrepare, "openCursor", err)
	}

	c := &Cursor[T]{
		id:    cursorIds.Add(1),
		query: query,
		scan:  scan,
		stmt:  stmt,
		rows:  rows,
	}
	Logger.Debugf("opened cursor %d: %s", c.id, query)
	return c, nil
}

// ID returns the process wide unique id of the cursor
func (c *Cursor[T]) ID() uint64 {
	return c.id
}

// Query returns the SQL text of the cursor
func (c *Cursor[T]) Query() string {
	return c.query
}

// OnClose registers fn to run once the cursor is finalized (after the statement was closed).
// If the cursor is already closed, fn runs immediately.
func (c *Cursor[T]) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Next advances the cursor by one row.
//
// It returns (row, true, nil) for every row and (zero, false, nil) after the last row,
// repeated calls keep returning the end of the sequence. An engine error is returned as
// ErrCursorRead exactly once and also ends the sequence. Next on a closed cursor returns ErrState.
func (c *Cursor[T]) Next() (row T, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return row, false, db.Errorf(db.CodeState, "cursorNext", "cursor %d is closed", c.id)
	}
	if c.done {
		return row, false, nil
	}

	if !c.rows.Next() {
		c.done = true
		if err := c.rows.Err(); err != nil {
			return row, false, db.NewError(db.CodeCursorRead, "cursorNext", err)
		}
		return row, false, nil
	}

	row, err = c.scan(c.rows)
	if err != nil {
		c.done = true
		return row, false, db.NewError(db.CodeCursorRead, "cursorNext", err)
	}
	return row, true, nil
}

// Close finalizes the cursor: the result rows first, then the statement.
// The first call returns the finalization error (if any), further calls are no-ops.
func (c *Cursor[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.done = true

	var err error
	if c.rows != nil {
		err = c.rows.Close()
		c.rows = nil
	}
	if sErr := c.stmt.Close(); sErr != nil && err == nil {
		err = sErr
	}
	hooks := c.onClose
	c.onClose = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	Logger.Debugf("closed cursor %d", c.id)

	if err != nil {
		return db.NewError(db.CodeCursorRead, "closeCursor", err)
	}
	return nil
}

// All returns an iterator over the remaining rows. The cursor is closed when the loop ends,
// also when the loop body breaks early. A read error is yielded once as the last element.
func (c *Cursor[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer c.Close()
		for {
			row, ok, err := c.Next()
			if err != nil {
				yield(row, err)
				return
			}
			if !ok || !yield(row, nil) {
				return
			}
		}
	}
}

// --------------------------------------------------------------------------
// Slice Source
// --------------------------------------------------------------------------

// SliceSource serves rows from a slice, e.g. a snapshot taken by an in-memory engine
type SliceSource[T any] struct {
	mu     sync.Mutex
	items  []T
	pos    int
	closed bool
}

// NewSliceSource creates a source over items. The slice must not be modified afterwards.
func NewSliceSource[T any](items []T) *SliceSource[T] {
	return &SliceSource[T]{items: items}
}

func (s *SliceSource[T]) Next() (row T, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.items) {
		return row, false, nil
	}
	row = s.items[s.pos]
	s.pos++
	return row, true, nil
}

func (s *SliceSource[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = nil
	return nil
}
