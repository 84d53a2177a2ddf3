package util

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// SetupStoreFlags adds the flags that configure the store to a command (and all its children)
func SetupStoreFlags(cmd *cobra.Command) {
	key := "file"
	cmd.PersistentFlags().String(key, "sqlkv.db", WrapString("Path of the database file (or :memory: for a private in-memory database)"))

	key = "driver"
	cmd.PersistentFlags().String(key, sqlite.DriverModernc, WrapString("SQL driver to use: sqlite (pure Go) or sqlite3 (cgo builds only)"))

	key = "mode"
	cmd.PersistentFlags().String(key, string(sqlite.ModeReadWriteCreate), WrapString("How to open the file: rwc (create if missing), rw or ro"))

	key = "debug"
	cmd.PersistentFlags().Bool(key, false, WrapString("Log every executed statement"))

	key = "concurrency"
	cmd.PersistentFlags().Int(key, 16, WrapString("Max statements one batch write runs concurrently"))

	key = "stream-buffer"
	cmd.PersistentFlags().Int(key, 16, WrapString("Rows a stream reads ahead"))

	key = "busy-timeout"
	cmd.PersistentFlags().Duration(key, 0, WrapString("How long a statement waits for a locked file (0 = default of 5s)"))
}

// InitConfig loads .env files and initializes viper to read SQLKV_* environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("sqlkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetStoreConfig reads the store configuration from viper
func GetStoreConfig() sqlite.Config {
	return sqlite.Config{
		Filename:     viper.GetString("file"),
		Driver:       viper.GetString("driver"),
		Mode:         sqlite.Mode(viper.GetString("mode")),
		Debug:        viper.GetBool("debug"),
		Concurrency:  viper.GetInt("concurrency"),
		StreamBuffer: viper.GetInt("stream-buffer"),
		BusyTimeout:  viper.GetDuration("busy-timeout"),
	}
}

// WithStore opens the configured store, runs fn and closes the store again.
// An error of Close is returned if fn succeeded.
func WithStore(ctx context.Context, fn func(store *sqlite.Store) error) (err error) {
	store := sqlite.New(GetStoreConfig())
	if err := store.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(store)
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

var (
	successColor = color.New(color.FgGreen)
	keyColor     = color.New(color.FgCyan)
)

// Success prints a confirmation line
func Success(w io.Writer, format string, args ...interface{}) {
	_, _ = successColor.Fprintf(w, format+"\n", args...)
}

// PrintEntry prints an id and a value on one line
func PrintEntry(w io.Writer, id string, value []byte) {
	_, _ = fmt.Fprintf(w, "%s\t%s\n", keyColor.Sprint(id), FormatValue(value))
}

// FormatValue renders a value for the terminal. Valid UTF-8 is printed as is,
// everything else as quoted Go string.
func FormatValue(v []byte) string {
	if utf8.Valid(v) {
		return string(v)
	}
	return fmt.Sprintf("%q", v)
}

// PrintYAML writes v as YAML document
func PrintYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
