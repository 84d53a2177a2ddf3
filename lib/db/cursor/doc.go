// Package cursor turns prepared SQL statements into lazy row sequences.
//
// A Cursor owns one prepared statement. It executes the statement when it is opened, so a
// rejected query fails Open with ErrPrepare, and steps through the result one row per Next
// call, so only the current row is held in memory.
// Close finalizes the result and the statement and must be called on every path,
// including early termination and read errors:
//
//	c, err := cursor.Open(ctx, conn, "SELECT id FROM items", scanID)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	for id, err := range c.All() {
//		...
//	}
//
// A Stream adapts any Source (a Cursor, a SliceSource, ...) to a push model: a background
// goroutine reads ahead into a bounded buffer and the consumer pulls with Recv or ranges
// over All. The source is always closed before the consumer observes the end of the stream.
package cursor
