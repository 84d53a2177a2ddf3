package sqlbuilder

import (
	"github.com/ValentinKolb/sqlkv/lib/db"
	"regexp"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Transaction verbs. SQLite accepts END TRANSACTION as an alias for COMMIT.
const (
	Begin    = "BEGIN TRANSACTION"
	End      = "END TRANSACTION"
	Rollback = "ROLLBACK TRANSACTION"
)

const (
	// MaxBoundIDs is the number of ids rendered into a single IN (...) list.
	// Callers with more ids split them into several statements.
	MaxBoundIDs = 500

	// MaxIdentifierLength is the longest table name ValidIdentifier accepts
	MaxIdentifierLength = 128
)

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// --------------------------------------------------------------------------
// Statement
// --------------------------------------------------------------------------

// Statement is SQL text plus the values for its ? placeholders
type Statement struct {
	SQL  string
	Args []any
}

// String renders the statement for debug logging
func (s Statement) String() string {
	if len(s.Args) == 0 {
		return s.SQL
	}
	return s.SQL + " -- " + strconv.Itoa(len(s.Args)) + " args"
}

// ValidIdentifier reports whether name may be used as a table name.
//
// Table names are spliced into the SQL text because identifiers can not be bound,
// so every operation of the engines checks the name with this function first.
func ValidIdentifier(name string) bool {
	return len(name) <= MaxIdentifierLength && identifierRe.MatchString(name)
}

// --------------------------------------------------------------------------
// Write Statements
// --------------------------------------------------------------------------

// Insert stores value under id, replacing the value of an existing row
func Insert(table, id string, value []byte) Statement {
	return Statement{
		SQL:  "INSERT INTO " + table + " (id, v) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET v = excluded.v",
		Args: []any{id, value},
	}
}

// InsertMany returns one Insert per entry.
// All returned statements share the same SQL text, so a caller can prepare it once.
func InsertMany(table string, entries []db.Entry) []Statement {
	stmts := make([]Statement, len(entries))
	for i, e := range entries {
		stmts[i] = Insert(table, e.ID, e.Value)
	}
	return stmts
}

// DeleteByIds deletes all rows whose id is in ids
func DeleteByIds(table string, ids []string) Statement {
	return Statement{
		SQL:  "DELETE FROM " + table + " WHERE id IN (" + placeholders(len(ids)) + ")",
		Args: toArgs(ids),
	}
}

// --------------------------------------------------------------------------
// Query Statements
// --------------------------------------------------------------------------

// SelectByIds selects (id, v) of all rows whose id is in ids
func SelectByIds(table string, ids []string) Statement {
	return Statement{
		SQL:  "SELECT id, v FROM " + table + " WHERE id IN (" + placeholders(len(ids)) + ")",
		Args: toArgs(ids),
	}
}

// SelectAll selects (id, v) of all rows. A limit <= 0 selects every row.
func SelectAll(table string, limit int) Statement {
	return Statement{SQL: "SELECT id, v FROM " + table + limitClause(limit)}
}

// SelectAllIds selects the id of all rows. A limit <= 0 selects every row.
func SelectAllIds(table string, limit int) Statement {
	return Statement{SQL: "SELECT id FROM " + table + limitClause(limit)}
}

// SelectAllValues selects the value of all rows. A limit <= 0 selects every row.
func SelectAllValues(table string, limit int) Statement {
	return Statement{SQL: "SELECT v FROM " + table + limitClause(limit)}
}

// SampleValueSizes selects the length of up to n values of table
func SampleValueSizes(table string, n int) Statement {
	return Statement{SQL: "SELECT length(v) FROM " + table + limitClause(n)}
}

// Count counts the rows of table
func Count(table string) Statement {
	return Statement{SQL: "SELECT count(*) FROM " + table}
}

// --------------------------------------------------------------------------
// Schema Statements
// --------------------------------------------------------------------------

// CreateTable creates table with the fixed key-value layout
func CreateTable(table string) Statement {
	return Statement{SQL: "CREATE TABLE " + table + " (id TEXT PRIMARY KEY, v BLOB NOT NULL)"}
}

// DropTable drops table if it exists
func DropTable(table string) Statement {
	return Statement{SQL: "DROP TABLE IF EXISTS " + table}
}

// ListTables lists the user tables of the database (internal sqlite_ tables excluded)
func ListTables() Statement {
	return Statement{SQL: "SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return " LIMIT " + strconv.Itoa(limit)
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
