package table

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/deposit/cmd/util"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/deposit"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	getCmd = &cobra.Command{
		Use:   "get [table] [key]",
		Short: "Reads the record stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec := store.Get(cmd.Context(), args[0], util.ParseValue(args[1]), nil)
			if rec == nil {
				return fmt.Errorf("no record %s in %s", args[1], args[0])
			}
			return util.Print(os.Stdout, rec)
		},
	}
	putCmd = &cobra.Command{
		Use:   "put [table] [json]",
		Short: "Inserts or replaces a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := util.ParseRecord(args[1])
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			store.Put(cmd.Context(), args[0], rec, ttl)
			util.Success("put into %s", args[0])
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [table] [key]",
		Short: "Deletes the record stored under a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store.Delete(cmd.Context(), args[0], util.ParseValue(args[1]))
			util.Success("deleted %s from %s", args[1], args[0])
			return nil
		},
	}
	allCmd = &cobra.Command{
		Use:   "all [table]",
		Short: "Prints every record of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return util.Print(os.Stdout, store.GetAll(cmd.Context(), args[0]))
		},
	}
	countCmd = &cobra.Command{
		Use:   "count [table]",
		Short: "Prints the number of records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(store.Count(cmd.Context(), args[0]))
			return nil
		},
	}
	clearCmd = &cobra.Command{
		Use:   "clear [table]",
		Short: "Removes every record of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store.Clear(cmd.Context(), args[0])
			util.Success("cleared %s", args[0])
			return nil
		},
	}
	patchCmd = &cobra.Command{
		Use:   "patch [table] [json]",
		Short: "Applies a list of patch operations concurrently",
		Long: util.WrapString(`Applies a JSON list of patch operations, e.g.
[{"op":"put","record":{"id":1}},{"op":"merge","key":2,"merge":{"name":"x"}},{"op":"delete","key":3}].
Operations on the same key are not ordered.`),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ops []deposit.PatchOp
			if err := json.Unmarshal([]byte(args[1]), &ops); err != nil {
				return fmt.Errorf("invalid patch list: %w", err)
			}
			if err := store.Patch(cmd.Context(), args[0], ops); err != nil {
				return err
			}
			util.Success("applied %d operations to %s", len(ops), args[0])
			return nil
		},
	}
	infoCmd = &cobra.Command{
		Use:   "info",
		Short: "Prints the configuration and storage statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(util.Heading("Configuration"))
			fmt.Println(config.String())

			fmt.Println(util.Heading("Tables"))
			for _, name := range store.Schema().Tables() {
				fmt.Printf("  %-22s: %d records\n", name, store.Count(cmd.Context(), name))
			}

			if info, ok := store.EngineInfo(); ok {
				fmt.Println()
				fmt.Println(util.Heading("Engine"))
				return util.Print(os.Stdout, info)
			}
			return nil
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Counts every table and prints the metrics in Prometheus format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range store.Schema().Tables() {
				store.Count(cmd.Context(), name)
			}
			common.WriteMetrics(os.Stdout)
			return nil
		},
	}
)

func init() {
	putCmd.Flags().Duration("ttl", 0, util.WrapString("Time after which the record expires (e.g. 10m, 0 = never)"))
}
