package kv

import (
	"context"
	"fmt"
	"github.com/ValentinKolb/sqlkv/cmd/util"
	"github.com/ValentinKolb/sqlkv/lib/db"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	"github.com/spf13/cobra"
	"io"
)

var (
	createCmd = &cobra.Command{
		Use:   "create [table]",
		Short: "Creates a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dropIfExists, _ := cmd.Flags().GetBool("drop-if-exists")
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				if err := store.CreateTable(cmd.Context(), args[0], db.CreateTableOptions{DropIfExists: dropIfExists}); err != nil {
					return err
				}
				util.Success(cmd.OutOrStdout(), "created table %s", args[0])
				return nil
			})
		},
	}
	dropCmd = &cobra.Command{
		Use:   "drop [table]",
		Short: "Drops a table and all its entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				if err := store.DropTable(cmd.Context(), args[0]); err != nil {
					return err
				}
				util.Success(cmd.OutOrStdout(), "dropped table %s", args[0])
				return nil
			})
		},
	}
	setCmd = &cobra.Command{
		Use:   "set [table] [id] [value] ([id] [value]...)",
		Short: "Sets the values for one or more ids",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 3 || len(args)%2 != 1 {
				return fmt.Errorf("expected a table and pairs of id and value, got %d args", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			table, pairs := args[0], args[1:]
			entries := make([]db.Entry, 0, len(pairs)/2)
			for i := 0; i < len(pairs); i += 2 {
				entries = append(entries, db.Entry{ID: pairs[i], Value: []byte(pairs[i+1])})
			}
			return withWrite(cmd, func(ctx context.Context, store *sqlite.Store) error {
				if err := store.SaveBatch(ctx, table, entries); err != nil {
					return err
				}
				util.Success(cmd.OutOrStdout(), "set %d entries", len(entries))
				return nil
			})
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [table] [id...]",
		Short: "Reads the values of one or more ids",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				entries, err := store.GetByIds(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				for _, e := range entries {
					util.PrintEntry(cmd.OutOrStdout(), e.ID, e.Value)
				}
				return nil
			})
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [table] [id...]",
		Short: "Deletes one or more ids",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWrite(cmd, func(ctx context.Context, store *sqlite.Store) error {
				if err := store.DeleteByIds(ctx, args[0], args[1:]); err != nil {
					return err
				}
				util.Success(cmd.OutOrStdout(), "deleted %d ids", len(args)-1)
				return nil
			})
		},
	}
	countCmd = &cobra.Command{
		Use:   "count [table]",
		Short: "Counts the entries of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				n, err := store.Count(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	idsCmd = &cobra.Command{
		Use:   "ids [table]",
		Short: "Streams the ids of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				stream, err := store.StreamIds(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printStream(stream, func(id string) {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				})
			})
		},
	}
	valuesCmd = &cobra.Command{
		Use:   "values [table]",
		Short: "Streams the values of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				stream, err := store.StreamValues(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printStream(stream, func(v []byte) {
					fmt.Fprintln(cmd.OutOrStdout(), util.FormatValue(v))
				})
			})
		},
	}
	entriesCmd = &cobra.Command{
		Use:   "entries [table]",
		Short: "Streams the entries of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				stream, err := store.StreamEntries(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printStream(stream, func(e db.Entry) {
					util.PrintEntry(cmd.OutOrStdout(), e.ID, e.Value)
				})
			})
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints information about the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.WithStore(cmd.Context(), func(store *sqlite.Store) error {
				info, err := store.GetInfo(cmd.Context())
				if err != nil {
					return err
				}
				return util.PrintYAML(cmd.OutOrStdout(), info)
			})
		},
	}
)

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// withWrite runs fn on the store. With --tx the write is wrapped in BEGIN / END,
// a failing write is rolled back.
func withWrite(cmd *cobra.Command, fn func(ctx context.Context, store *sqlite.Store) error) error {
	tx, _ := cmd.Flags().GetBool("tx")
	ctx := cmd.Context()
	return util.WithStore(ctx, func(store *sqlite.Store) error {
		if !tx {
			return fn(ctx, store)
		}
		if err := store.BeginTransaction(ctx); err != nil {
			return err
		}
		if err := fn(ctx, store); err != nil {
			if rbErr := store.RollbackTransaction(ctx); rbErr != nil {
				return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
			return err
		}
		return store.EndTransaction(ctx)
	})
}

// printStream prints every row of stream and closes it
func printStream[T any](stream db.Stream[T], emit func(T)) error {
	defer stream.Close()
	for {
		row, err := stream.Recv()
		if err == io.EOF {
			return stream.Close()
		}
		if err != nil {
			return err
		}
		emit(row)
	}
}
