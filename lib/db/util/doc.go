// Package util provides utility components for
// database implementations that satisfy the db.KeyValueDB interface.
//
// The package contains:
//   - statistics: Stats for number sets and a SizeHistogram for tracking value size distributions
//   - functions: PMap (bounded concurrent fan-out on top of errgroup), Chunk and FormatBytes
//
// This package is particularly useful for:
//   - Engines that execute a batch of statements with a fixed worker ceiling
//   - Engines that split id lists to stay below bound parameter limits
//   - Monitoring code that reports value sizes without performing expensive full scans
package util
