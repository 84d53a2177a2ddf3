package perf

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sqlkv/cmd/util"
	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
)

// Kinds of streams
const (
	KindIds     = "ids"
	KindValues  = "values"
	KindEntries = "entries"
)

var streamCmd = &cobra.Command{
	Use:   "stream [table]",
	Short: "Drains a stream of a table and reports the throughput",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")
		every, _ := cmd.Flags().GetInt("log-every")

		var r result
		err := util.WithStore(cmd.Context(), func(store *sqlite.Store) (err error) {
			r, err = streamTable(cmd.Context(), store, args[0], kind, limit, newProgress(cmd.OutOrStdout(), "stream "+kind, every))
			return err
		})
		if err != nil {
			return err
		}
		return finish(cmd, r)
	},
}

func init() {
	key := "kind"
	streamCmd.Flags().String(key, KindIds, util.WrapString("What to stream: ids, values or entries"))
	key = "limit"
	streamCmd.Flags().Int(key, 0, util.WrapString("Max number of rows to stream (0 = all)"))
}

// streamTable drains one stream of table and measures it
func streamTable(ctx context.Context, database db.KeyValueDB, table, kind string, limit int, p *progress) (result, error) {
	switch kind {
	case KindIds:
		s, err := database.StreamIds(ctx, table, limit)
		if err != nil {
			return result{}, err
		}
		return drain(s, table, kind, p, func(id string) (int, int) { return len(id), -1 })
	case KindValues:
		s, err := database.StreamValues(ctx, table, limit)
		if err != nil {
			return result{}, err
		}
		return drain(s, table, kind, p, func(v []byte) (int, int) { return len(v), len(v) })
	case KindEntries:
		s, err := database.StreamEntries(ctx, table, limit)
		if err != nil {
			return result{}, err
		}
		return drain(s, table, kind, p, func(e db.Entry) (int, int) { return len(e.ID) + len(e.Value), len(e.Value) })
	default:
		return result{}, fmt.Errorf("invalid kind %q, must be one of ids, values, entries", kind)
	}
}

// drain reads s to the end. size returns the bytes of a row and the size of its value
// (negative if the row has no value).
func drain[T any](s db.Stream[T], table, kind string, p *progress, size func(T) (int, int)) (result, error) {
	defer p.stop()
	values := gometrics.NewHistogram(gometrics.NewUniformSample(1028))

	var bytes int64
	for row, err := range s.All() {
		if err != nil {
			return result{}, err
		}
		n, v := size(row)
		bytes += int64(n)
		if v >= 0 {
			values.Update(int64(v))
		}
		p.add(1)
	}

	rows, elapsed := p.stop()
	r := result{Command: "stream", Table: table, Kind: kind, Rows: rows, Bytes: bytes, Duration: elapsed}
	if values.Count() > 0 {
		r.ValueMean = values.Mean()
		r.ValueP99 = values.Percentile(0.99)
	}
	return r, nil
}
