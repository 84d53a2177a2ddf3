package perf

import (
	"encoding/csv"
	"fmt"
	"github.com/ValentinKolb/sqlkv/cmd/util"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	dbutil "github.com/ValentinKolb/sqlkv/lib/db/util"
	"github.com/ValentinKolb/sqlkv/lib/logging"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"io"
	"os"
	"strconv"
	"time"
)

var Logger = logger.GetLogger(logging.NameCLI)

var (
	// PerfCommands represents the perf command group
	PerfCommands = &cobra.Command{
		Use:   "perf",
		Short: "Write and stream large tables to measure the throughput of the store",
	}
)

func init() {
	PerfCommands.AddCommand(generateCmd)
	PerfCommands.AddCommand(streamCmd)

	key := "log-every"
	PerfCommands.PersistentFlags().Int(key, 10_000, util.WrapString("Print a progress line every N rows (0 = never)"))
	key = "csv"
	PerfCommands.PersistentFlags().String(key, "", util.WrapString("Optional path to save the result as CSV"))
}

// --------------------------------------------------------------------------
// Progress
// --------------------------------------------------------------------------

// progress counts rows with a meter and prints a line every `every` rows
type progress struct {
	w     io.Writer
	what  string
	every int64
	next  int64
	meter gometrics.Meter
	start time.Time
}

func newProgress(w io.Writer, what string, every int) *progress {
	return &progress{
		w:     w,
		what:  what,
		every: int64(every),
		next:  int64(every),
		meter: gometrics.NewMeter(),
		start: time.Now(),
	}
}

// add counts n rows. It is not safe for concurrent use.
func (p *progress) add(n int) {
	p.meter.Mark(int64(n))
	if p.every <= 0 {
		return
	}
	count := p.meter.Count()
	if count < p.next {
		return
	}
	for p.next <= count {
		p.next += p.every
	}
	_, _ = fmt.Fprintf(p.w, "%s: %d rows (%.0f rows/sec, %s)\n",
		p.what, count, p.meter.RateMean(), time.Since(p.start).Round(time.Millisecond))
}

// stop stops the meter and returns the number of rows and the elapsed time
func (p *progress) stop() (rows int64, elapsed time.Duration) {
	rows = p.meter.Count()
	p.meter.Stop()
	return rows, time.Since(p.start)
}

// --------------------------------------------------------------------------
// Result
// --------------------------------------------------------------------------

// result summarizes one perf run
type result struct {
	Command  string
	Table    string
	Kind     string
	Rows     int64
	Bytes    int64
	Duration time.Duration
	// value sizes, only for streams of values and entries
	ValueMean float64
	ValueP99  float64
}

func (r result) rowsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Rows) / r.Duration.Seconds()
}

// print writes a human-readable summary
func (r result) print(w io.Writer) {
	util.Success(w, "%s %s: %d rows, %s in %s (%.0f rows/sec)",
		r.Command, r.Table, r.Rows, dbutil.FormatBytes(int(r.Bytes)), r.Duration.Round(time.Millisecond), r.rowsPerSec())
	if r.ValueMean > 0 {
		_, _ = fmt.Fprintf(w, "value size: mean %.0fB, p99 %.0fB\n", r.ValueMean, r.ValueP99)
	}
}

// writeResultToCSV writes the result and the store configuration as CSV file
func writeResultToCSV(csvPath string, r result, cfg sqlite.Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{
		"Command", "Table", "Kind", "Rows", "Bytes", "DurationMs", "RowsPerSec",
		"ValueMean", "ValueP99", "Driver", "Concurrency", "StreamBuffer",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	row := []string{
		r.Command,
		r.Table,
		r.Kind,
		strconv.FormatInt(r.Rows, 10),
		strconv.FormatInt(r.Bytes, 10),
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		fmt.Sprintf("%.0f", r.rowsPerSec()),
		fmt.Sprintf("%.1f", r.ValueMean),
		fmt.Sprintf("%.0f", r.ValueP99),
		cfg.Driver,
		strconv.Itoa(cfg.Concurrency),
		strconv.Itoa(cfg.StreamBuffer),
	}
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("failed to write CSV row: %v", err)
	}

	writer.Flush()
	return writer.Error()
}

// finish prints the result and writes the CSV file if --csv is set
func finish(cmd *cobra.Command, r result) error {
	r.print(cmd.OutOrStdout())
	csvPath, _ := cmd.Flags().GetString("csv")
	if csvPath == "" {
		return nil
	}
	if err := writeResultToCSV(csvPath, r, util.GetStoreConfig()); err != nil {
		return err
	}
	Logger.Infof("result written to %s", logging.Highlight(csvPath))
	return nil
}
