package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/deposit/cmd/perf"
	"github.com/ValentinKolb/deposit/cmd/table"
	"github.com/ValentinKolb/deposit/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "deposit",
		Short: "table oriented storage on a key-value or SQLite backend",
		Long: fmt.Sprintf(`deposit (v%s)

Stores JSON records in tables on either an embedded key-value engine
(persisted as snapshot files) or SQLite, with expiry, queries,
transactions and patches.

Settings can be passed as flags, as DEPOSIT_<FLAG> environment variables
(e.g. DEPOSIT_DATA_DIR=/tmp/deposit), in .env files or in the file given
with --config, which also declares the tables.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of deposit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deposit v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(table.Commands...)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupConfigFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
