package perf

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/ValentinKolb/sqlkv/cmd/util"
	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	"github.com/spf13/cobra"
)

// testItem is the value written by generate
type testItem struct {
	ID   string `json:"id"`
	N    int    `json:"n"`
	Even bool   `json:"even"`
}

var generateCmd = &cobra.Command{
	Use:   "generate [table]",
	Short: "(Re-)creates a table and fills it with JSON test items inside one transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, _ := cmd.Flags().GetInt("rows")
		batch, _ := cmd.Flags().GetInt("batch")
		every, _ := cmd.Flags().GetInt("log-every")

		var r result
		err := util.WithStore(cmd.Context(), func(store *sqlite.Store) (err error) {
			r, err = generate(cmd.Context(), store, args[0], rows, batch, newProgress(cmd.OutOrStdout(), "generate", every))
			return err
		})
		if err != nil {
			return err
		}
		return finish(cmd, r)
	},
}

func init() {
	key := "rows"
	generateCmd.Flags().Int(key, 1_000_000, util.WrapString("Number of rows to write"))
	key = "batch"
	generateCmd.Flags().Int(key, 1_000, util.WrapString("Number of rows per SaveBatch call"))
}

// generate writes rows items with the ids id_1..id_N into a fresh table. If the database
// supports transactions, all rows are written in one transaction that is rolled back on error.
func generate(ctx context.Context, database db.KeyValueDB, table string, rows, batch int, p *progress) (r result, err error) {
	if rows < 0 {
		return r, fmt.Errorf("rows must not be negative")
	}
	if batch <= 0 {
		batch = 1
	}
	defer p.stop()

	if err := database.CreateTable(ctx, table, db.CreateTableOptions{DropIfExists: true}); err != nil {
		return r, err
	}

	tx := database.SupportsFeature(db.FeatureTransactions)
	if tx {
		if err := database.BeginTransaction(ctx); err != nil {
			return r, err
		}
		defer func() {
			if err == nil {
				err = database.EndTransaction(ctx)
				return
			}
			if rbErr := database.RollbackTransaction(ctx); rbErr != nil {
				Logger.Errorf("rollback failed: %v", rbErr)
			}
		}()
	}

	var bytes int64
	entries := make([]db.Entry, 0, batch)
	for start := 1; start <= rows; start += batch {
		entries = entries[:0]
		for n := start; n < start+batch && n <= rows; n++ {
			item := testItem{ID: fmt.Sprintf("id_%d", n), N: n, Even: n%2 == 0}
			value, err := json.Marshal(item)
			if err != nil {
				return r, err
			}
			entries = append(entries, db.Entry{ID: item.ID, Value: value})
			bytes += int64(len(item.ID) + len(value))
		}
		if err := database.SaveBatch(ctx, table, entries); err != nil {
			return r, err
		}
		p.add(len(entries))
	}

	written, elapsed := p.stop()
	return result{Command: "generate", Table: table, Rows: written, Bytes: bytes, Duration: elapsed}, nil
}
