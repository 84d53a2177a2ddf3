// Package testing provides standardised tests and benchmarks for
// database implementations that satisfy the db.KeyValueDB interface.
//
// The package contains:
//   - testing: A comprehensive test suite for validating conformance to the KeyValueDB interface contract
//   - benchmark: Performance tests for measuring throughput of common database operations
//
// The suite queries SupportsFeature and skips tests of missing features. Increments and
// transactions are checked in both directions: an implementation either supports them or
// must reject them with db.ErrUnsupported without applying anything.
//
// Example usage:
//
//	// Creating a factory function for your implementation
//	factory := func() db.KeyValueDB {
//		return NewMyDatabase()
//	}
//
//	// Running the standard test suite
//	dbtesting.RunKeyValueDBTests(t, "MyDatabase", factory)
//
//	// Running performance benchmarks
//	dbtesting.RunKeyValueDBBenchmarks(b, "MyDatabase", factory)
package testing
