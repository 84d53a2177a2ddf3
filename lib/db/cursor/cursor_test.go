package cursor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// newConn returns a single connection to a fresh in-memory database with table items(id, v)
func newConn(t *testing.T, rows int) *sql.Conn {
	t.Helper()
	ctx := context.Background()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := sqlDB.Conn(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.ExecContext(ctx, "CREATE TABLE items (id TEXT PRIMARY KEY, v BLOB NOT NULL)")
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = conn.ExecContext(ctx, "INSERT INTO items (id, v) VALUES (?, ?)", fmt.Sprintf("id-%04d", i), []byte{byte(i)})
		require.NoError(t, err)
	}
	return conn
}

func scanID(row Scanner) (string, error) {
	var id string
	err := row.Scan(&id)
	return id, err
}

func scanEntry(row Scanner) (db.Entry, error) {
	var e db.Entry
	err := row.Scan(&e.ID, &e.Value)
	return e, err
}

// --------------------------------------------------------------------------
// Cursor Tests
// --------------------------------------------------------------------------

func TestCursorStepsThroughRows(t *testing.T) {
	conn := newConn(t, 3)

	c, err := Open(context.Background(), conn, "SELECT id, v FROM items ORDER BY id", scanEntry)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e, ok, err := c.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("id-%04d", i), e.ID)
		assert.Equal(t, []byte{byte(i)}, e.Value)
	}

	// end of sequence is sticky
	for i := 0; i < 2; i++ {
		e, ok, err := c.Next()
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, e)
	}

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close must be idempotent")

	_, _, err = c.Next()
	assert.ErrorIs(t, err, db.ErrState)
}

func TestCursorFetchesLazily(t *testing.T) {
	conn := newConn(t, 5)

	scanned := 0
	counting := func(row Scanner) (string, error) {
		scanned++
		return scanID(row)
	}

	c, err := Open(context.Background(), conn, "SELECT id FROM items ORDER BY id", counting)
	require.NoError(t, err)
	defer c.Close()
	assert.Zero(t, scanned, "open must not read rows")

	_, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, scanned)
}

func TestCursorPrepareError(t *testing.T) {
	conn := newConn(t, 0)

	c, err := Open(context.Background(), conn, "SELECT id FROM missing", scanID)
	assert.Nil(t, c)
	require.ErrorIs(t, err, db.ErrPrepare)
	assert.True(t, db.IsCode(err, db.CodePrepare))
	assert.NotErrorIs(t, err, db.ErrCursorRead)

	// bad SQL is rejected by Open as well, not by the first Next
	c, err = Open(context.Background(), conn, "SELEC id FROM items", scanID)
	assert.Nil(t, c)
	require.ErrorIs(t, err, db.ErrPrepare)
}

func TestCursorReadErrorTerminates(t *testing.T) {
	conn := newConn(t, 5)
	decodeErr := errors.New("decode failed")

	calls := 0
	failing := func(row Scanner) (string, error) {
		calls++
		id, err := scanID(row)
		if calls == 2 {
			return "", decodeErr
		}
		return id, err
	}

	c, err := Open(context.Background(), conn, "SELECT id FROM items ORDER BY id", failing)
	require.NoError(t, err)

	_, ok, err := c.Next()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.Next()
	require.ErrorIs(t, err, db.ErrCursorRead)
	require.ErrorIs(t, err, decodeErr)
	assert.False(t, ok)

	// the error is reported once, then the sequence is over
	_, ok, err = c.Next()
	require.NoError(t, err)
	assert.False(t, ok)

	// close is still required and succeeds
	require.NoError(t, c.Close())
}

func TestCursorOnClose(t *testing.T) {
	conn := newConn(t, 1)

	c, err := Open(context.Background(), conn, "SELECT id FROM items", scanID)
	require.NoError(t, err)

	hookCalls := 0
	c.OnClose(func() { hookCalls++ })

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, hookCalls)

	// registering after close runs the hook right away
	c.OnClose(func() { hookCalls++ })
	assert.Equal(t, 2, hookCalls)
}

func TestCursorAllBreakCloses(t *testing.T) {
	conn := newConn(t, 10)

	c, err := Open(context.Background(), conn, "SELECT id FROM items ORDER BY id", scanID)
	require.NoError(t, err)

	var seen []string
	for id, err := range c.All() {
		require.NoError(t, err)
		seen = append(seen, id)
		if len(seen) == 3 {
			break
		}
	}
	assert.Equal(t, []string{"id-0000", "id-0001", "id-0002"}, seen)

	_, _, err = c.Next()
	assert.ErrorIs(t, err, db.ErrState, "All must close the cursor on break")

	// the connection can be closed since the statement is finalized
	require.NoError(t, conn.Close())
}

func TestCursorIDsAreUnique(t *testing.T) {
	conn := newConn(t, 0)

	a, err := Open(context.Background(), conn, "SELECT id FROM items", scanID)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(context.Background(), conn, "SELECT id FROM items", scanID)
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, "SELECT id FROM items", a.Query())
}

func TestSliceSource(t *testing.T) {
	src := NewSliceSource([]int{1, 2})

	v, ok, err := src.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	require.NoError(t, src.Close())
	_, ok, err = src.Next()
	require.NoError(t, err)
	assert.False(t, ok, "a closed source is exhausted")
}
