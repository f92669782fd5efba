package table

import (
	"github.com/ValentinKolb/deposit/cmd/util"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/deposit"
	"github.com/spf13/cobra"
)

var (
	store  *deposit.Deposit
	config common.Config

	// Commands are the data commands, registered directly on the root command
	Commands = []*cobra.Command{getCmd, putCmd, delCmd, allCmd, countCmd, clearCmd, patchCmd, queryCmd, infoCmd, statsCmd}
)

func init() {
	for _, cmd := range Commands {
		cmd.PreRunE = openDeposit
		cmd.PostRunE = closeDeposit
	}
}

// openDeposit reads the configuration and opens the Deposit used by the command
func openDeposit(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	cfg, err := util.GetConfig()
	if err != nil {
		return err
	}
	if err := common.InitLoggers(cfg.LogLevel); err != nil {
		return err
	}

	config = cfg
	store, err = deposit.New(cmd.Context(), cfg)
	return err
}

// closeDeposit closes the Deposit, which writes the kv snapshot
func closeDeposit(_ *cobra.Command, _ []string) error {
	if store == nil {
		return nil
	}
	return store.Close()
}
