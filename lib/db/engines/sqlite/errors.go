package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"github.com/ValentinKolb/sqlkv/lib/db"
	modernc "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
	"strings"
)

// --------------------------------------------------------------------------
// Error Classification
// --------------------------------------------------------------------------

// resultCoder extracts the primary SQLite result code from a driver error
type resultCoder func(err error) (code int, ok bool)

// resultCoders knows the error types of all linked drivers
var resultCoders = []resultCoder{moderncResultCode}

func moderncResultCode(err error) (int, bool) {
	var e *modernc.Error
	if !errors.As(err, &e) {
		return 0, false
	}
	// extended codes carry the primary code in the low byte
	return e.Code() & 0xff, true
}

// resultCode returns the primary SQLite result code of err
func resultCode(err error) (int, bool) {
	for _, fn := range resultCoders {
		if code, ok := fn(err); ok {
			return code, true
		}
	}
	return 0, false
}

// classify maps a driver error to an error code. fallback is used for all errors
// that do not point at the connection, the schema or a table locked by an open cursor.
func classify(err error, fallback db.ErrCode) db.ErrCode {
	switch {
	case err == nil:
		return fallback
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fallback
	case errors.Is(err, sql.ErrConnDone):
		return db.CodeConnection
	}

	if code, ok := resultCode(err); ok {
		switch code {
		case sqlitelib.SQLITE_CANTOPEN,
			sqlitelib.SQLITE_PERM,
			sqlitelib.SQLITE_NOTADB,
			sqlitelib.SQLITE_CORRUPT,
			sqlitelib.SQLITE_AUTH:
			return db.CodeConnection
		case sqlitelib.SQLITE_LOCKED:
			// a statement of the shared connection still reads the table
			return db.CodeState
		}
	}

	msg := err.Error()
	if strings.Contains(msg, "already exists") || strings.Contains(msg, "no such table") {
		return db.CodeSchema
	}
	return fallback
}

// wrap turns err into a *db.Error for op.
// Errors that already are *db.Error (e.g. from the cursor package) keep their code,
// unless the underlying driver error points at the schema or the connection.
func wrap(op string, err error, fallback db.ErrCode) error {
	if err == nil {
		return nil
	}

	var dbErr *db.Error
	if errors.As(err, &dbErr) {
		code := classify(dbErr.Err, dbErr.Code)
		if code == dbErr.Code || (code != db.CodeSchema && code != db.CodeConnection) {
			return err
		}
		return &db.Error{Code: code, Op: op, Msg: dbErr.Msg, Err: dbErr.Err}
	}

	return db.NewError(classify(err, fallback), op, err)
}
