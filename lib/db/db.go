package db

import (
	"context"
	"iter"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplSQLite Implementation = "sqlite"
	ImplMemory Implementation = "memory"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureCreateTable   Feature = 1 << iota // Support for CreateTable operations
	FeatureDropTable                         // Support for DropTable operations
	FeatureGetByIds                          // Support for GetByIds operations
	FeatureSaveBatch                         // Support for SaveBatch operations
	FeatureDeleteByIds                       // Support for DeleteByIds operations
	FeatureCount                             // Support for Count operations
	FeatureStreamIds                         // Support for StreamIds operations
	FeatureStreamValues                      // Support for StreamValues operations
	FeatureStreamEntries                     // Support for StreamEntries operations
	FeatureTransactions                      // Support for Begin/End/RollbackTransaction
	FeatureIncrement                         // Support for IncrementBatch operations
)

// FeatureStreams combines all streaming features
const FeatureStreams = FeatureStreamIds | FeatureStreamValues | FeatureStreamEntries

func (f Feature) String() string {
	switch f {
	case FeatureCreateTable:
		return "CreateTable"
	case FeatureDropTable:
		return "DropTable"
	case FeatureGetByIds:
		return "GetByIds"
	case FeatureSaveBatch:
		return "SaveBatch"
	case FeatureDeleteByIds:
		return "DeleteByIds"
	case FeatureCount:
		return "Count"
	case FeatureStreamIds:
		return "StreamIds"
	case FeatureStreamValues:
		return "StreamValues"
	case FeatureStreamEntries:
		return "StreamEntries"
	case FeatureTransactions:
		return "Transactions"
	case FeatureIncrement:
		return "Increment"
	default:
		return "Unknown"
	}
}

// MarshalText renders the feature by name in JSON and YAML documents
func (f Feature) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Features expands a combined feature mask into its single flags (in bit order)
func (f Feature) Features() []Feature {
	var out []Feature
	for bit := FeatureCreateTable; bit <= FeatureIncrement; bit <<= 1 {
		if f&bit == bit {
			out = append(out, bit)
		}
	}
	return out
}

// Entry is a single row of a key-value table.
// The value is opaque, the database never interprets it.
type Entry struct {
	ID    string `json:"id" yaml:"id"`
	Value []byte `json:"v" yaml:"v"`
}

// Increment is a request (By = delta) or a result (By = new value) of IncrementBatch
type Increment struct {
	ID string `json:"id" yaml:"id"`
	By int64  `json:"by" yaml:"by"`
}

// CreateTableOptions configures CreateTable
type CreateTableOptions struct {
	// DropIfExists drops the table (and all its rows) before creating it again
	DropIfExists bool
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes" yaml:"size_bytes"`
	DbType            Implementation `json:"db_type" yaml:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features" yaml:"supported_features"`
	Metadata          interface{}    `json:"metadata" yaml:"metadata"`
}

// --------------------------------------------------------------------------
// Stream Interface
// --------------------------------------------------------------------------

// Stream is a lazy, forward-only sequence of rows produced by a table scan.
// Only a bounded number of rows is buffered, no matter how large the table is.
//
// A stream must always be closed, also after it was drained or returned an error.
type Stream[T any] interface {
	// Recv returns the next row. It returns io.EOF after the last row and keeps
	// returning io.EOF on further calls. A read error terminates the stream.
	Recv() (row T, err error)

	// All returns an iterator over the remaining rows. The stream is closed when
	// the loop ends, also if the loop body breaks early.
	All() iter.Seq2[T, error]

	// Close stops the stream and releases the underlying cursor.
	// Safe to call multiple times.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KeyValueDB defines an interface for key-value database implementations that
// organise entries in named tables.
// Each table is a namespace of entries with a unique string id and an opaque byte value.
// Implementations can vary in their feature support, which can be queried with SupportsFeature.
// Operations an implementation does not support fail with an error matching ErrUnsupported.
type KeyValueDB interface {

	// --------------------------------------------------------------------------
	// Lifecycle
	// --------------------------------------------------------------------------

	// Ping makes sure the database is usable (and opens it if the implementation is lazy).
	Ping(ctx context.Context) (err error)

	// Close closes the database. A closed database can not be reopened.
	Close() (err error)

	// --------------------------------------------------------------------------
	// Schema Operations
	// --------------------------------------------------------------------------

	// CreateTable creates a table. It fails with ErrSchema if the table already exists,
	// unless opts.DropIfExists is set.
	CreateTable(ctx context.Context, table string, opts CreateTableOptions) (err error)

	// DropTable drops a table and all its entries. Dropping a missing table is not an error.
	DropTable(ctx context.Context, table string) (err error)

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// SaveBatch inserts or overwrites all given entries.
	SaveBatch(ctx context.Context, table string, entries []Entry) (err error)

	// DeleteByIds removes the entries with the given ids. Missing ids are ignored.
	DeleteByIds(ctx context.Context, table string, ids []string) (err error)

	// IncrementBatch atomically adds each By to the numeric value stored under ID
	// and returns the new values.
	IncrementBatch(ctx context.Context, table string, increments []Increment) (result []Increment, err error)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// GetByIds returns the entries for the given ids. Ids without an entry are omitted,
	// so the result can be shorter than ids.
	GetByIds(ctx context.Context, table string, ids []string) (entries []Entry, err error)

	// Count returns the number of entries in the table at the time of the call.
	Count(ctx context.Context, table string) (count int64, err error)

	// StreamIds streams the ids of the table. A limit <= 0 means no limit.
	StreamIds(ctx context.Context, table string, limit int) (stream Stream[string], err error)

	// StreamValues streams the values of the table. A limit <= 0 means no limit.
	StreamValues(ctx context.Context, table string, limit int) (stream Stream[[]byte], err error)

	// StreamEntries streams the entries of the table. A limit <= 0 means no limit.
	StreamEntries(ctx context.Context, table string, limit int) (stream Stream[Entry], err error)

	// --------------------------------------------------------------------------
	// Transactions
	// --------------------------------------------------------------------------

	// BeginTransaction starts an explicit transaction. Nothing is rolled back automatically.
	BeginTransaction(ctx context.Context) (err error)

	// EndTransaction commits the transaction started with BeginTransaction.
	EndTransaction(ctx context.Context) (err error)

	// RollbackTransaction discards the transaction started with BeginTransaction.
	RollbackTransaction(ctx context.Context) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Returns true if the feature is supported, false otherwise.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo(ctx context.Context) (info DatabaseInfo, err error)
}
