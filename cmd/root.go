package cmd

import (
	"fmt"
	"github.com/ValentinKolb/sqlkv/cmd/kv"
	"github.com/ValentinKolb/sqlkv/cmd/perf"
	"github.com/ValentinKolb/sqlkv/cmd/util"
	"github.com/ValentinKolb/sqlkv/lib/db/engines/sqlite"
	"github.com/ValentinKolb/sqlkv/lib/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
)

const (
	Version = "0.4.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "sqlkv",
		Short: "key-value tables in a SQLite file",
		Long: fmt.Sprintf(`sqlkv (v%s)

A key-value store on top of an embedded SQLite database. Every table
maps string ids to opaque values, large tables are read with streams.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if viper.GetBool("metrics") {
				sqlite.WritePrometheus(cmd.OutOrStdout())
			}
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of sqlkv",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlkv v%s\n", Version)
		},
	}
)

func init() {
	// run the hooks of all parents, not only the nearest one
	cobra.EnableTraverseRunHooks = true

	// Initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(perf.PerfCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupStoreFlags(RootCmd)
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("Log level (debug, info, warn, error)"))
	key = "metrics"
	RootCmd.PersistentFlags().Bool(key, false, util.WrapString("Print the collected metrics in Prometheus format when the command is done"))
}

// setup binds the flags of the executed command and configures the loggers
func setup(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	level := viper.GetString("log-level")
	if viper.GetBool("debug") {
		level = "debug"
	}
	return logging.InitLoggers(level)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
