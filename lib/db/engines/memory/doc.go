// Package memory implements db.KeyValueDB on concurrent hash maps.
//
// The engine keeps one xsync.MapOf per table and supports IncrementBatch on values that hold
// base-10 integers as text. It does not support transactions, BeginTransaction and friends
// fail with db.ErrUnsupported.
//
// Streams serve a snapshot of the table that is taken when the stream is opened, so writes
// that happen while a stream is read are not visible to it. Like the sqlite engine, the store
// tracks streams that were not closed and reports them with db.ErrCursorLeak on Close.
package memory
