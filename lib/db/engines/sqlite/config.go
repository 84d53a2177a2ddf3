package sqlite

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

// Mode controls how the database file is opened
type Mode string

const (
	ModeReadWriteCreate Mode = "rwc" // create the file if it does not exist
	ModeReadWrite       Mode = "rw"  // fail if the file does not exist
	ModeReadOnly        Mode = "ro"  // reject all writes
)

// Names of the database/sql drivers
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

// MemoryFilename opens a private in-memory database that lives until the store is closed
const MemoryFilename = ":memory:"

const (
	defaultConcurrency  = 16
	defaultStreamBuffer = 16
	defaultBusyTimeout  = 5 * time.Second
)

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config configures a Store. Only Filename is required.
type Config struct {
	Filename     string         // Path of the database file or MemoryFilename
	Mode         Mode           // Open mode (default: ModeReadWriteCreate)
	Driver       string         // database/sql driver name (default: DriverModernc)
	Debug        bool           // Log every executed statement
	Logger       logger.ILogger // Diagnostic sink (default: logger "sqlite")
	Concurrency  int            // Max in-flight statements of one SaveBatch (default: 16)
	StreamBuffer int            // Rows a stream reads ahead (default: 16)
	BusyTimeout  time.Duration  // How long a statement waits on a locked file (default: 5s)
}

// withDefaults returns a copy of the config with all unset fields filled in
func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeReadWriteCreate
	}
	if c.Driver == "" {
		c.Driver = DriverModernc
	}
	if c.Logger == nil {
		c.Logger = Logger
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = defaultStreamBuffer
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = defaultBusyTimeout
	}
	return c
}

// validate checks a config that went through withDefaults
func (c Config) validate() error {
	if c.Filename == "" {
		return fmt.Errorf("filename is required")
	}
	switch c.Mode {
	case ModeReadWriteCreate, ModeReadWrite, ModeReadOnly:
	default:
		return fmt.Errorf("invalid mode %q, must be one of rwc, rw, ro", c.Mode)
	}
	return nil
}

// IsMemory reports whether the config describes an in-memory database
func (c Config) IsMemory() bool {
	return c.Filename == MemoryFilename
}

// dsn renders the data source name understood by both drivers.
// Files are opened as URI so the mode can be passed to SQLite.
func (c Config) dsn() string {
	if c.IsMemory() {
		return MemoryFilename
	}
	return "file:" + escapePath(c.Filename) + "?mode=" + string(c.Mode)
}

// escapePath escapes the characters with a meaning in SQLite URI filenames
func escapePath(p string) string {
	return strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(p)
}
