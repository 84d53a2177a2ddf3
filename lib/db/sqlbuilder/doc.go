// Package sqlbuilder renders the SQL statements of the key-value layout
// (id TEXT PRIMARY KEY, v BLOB NOT NULL).
//
// All functions are pure: they neither touch a database nor fail. Values and ids are
// always passed as bound parameters, only the table name is spliced into the text.
// Table names must therefore be checked with ValidIdentifier before they reach a builder.
//
// Statements with an IN (...) list render one placeholder per id. Callers split long
// id lists into chunks of MaxBoundIDs.
package sqlbuilder
