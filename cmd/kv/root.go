package kv

import (
	"github.com/ValentinKolb/sqlkv/cmd/util"
	"github.com/spf13/cobra"
)

var (
	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:   "kv",
		Short: "Perform key-value store operations on the database file",
	}
)

func init() {
	// Add subcommands
	KeyValueCommands.AddCommand(createCmd)
	KeyValueCommands.AddCommand(dropCmd)
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(countCmd)
	KeyValueCommands.AddCommand(idsCmd)
	KeyValueCommands.AddCommand(valuesCmd)
	KeyValueCommands.AddCommand(entriesCmd)
	KeyValueCommands.AddCommand(infoCmd)

	// Add Flags
	key := "drop-if-exists"
	createCmd.Flags().Bool(key, false, util.WrapString("Drop the table first if it already exists"))

	for _, cmd := range []*cobra.Command{setCmd, delCmd} {
		key = "tx"
		cmd.Flags().Bool(key, false, util.WrapString("Run the write inside an explicit transaction, it is rolled back on error"))
	}

	for _, cmd := range []*cobra.Command{idsCmd, valuesCmd, entriesCmd} {
		key = "limit"
		cmd.Flags().Int(key, 0, util.WrapString("Max number of rows to print (0 = all)"))
	}
}
