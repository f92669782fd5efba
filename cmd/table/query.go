package table

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ValentinKolb/deposit/cmd/util"
	"github.com/ValentinKolb/deposit/lib/query"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query [table]",
	Short: "Runs a query pipeline over a table",
	Long: util.WrapString(`Runs a query pipeline over a table. Filters are applied first
(--where, --equals, --search), then --order (repeatable, the last one is the primary key),
then --offset, --limit and --page, and finally --group-by.`),
	Example: `  deposit query users --where 'age >= 18' --order name --limit 10
  deposit query users --equals team=a --order age:desc --page 2:20 -o yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conds, err := conditionsFromFlags(cmd)
		if err != nil {
			return err
		}
		b, err := store.Query(args[0]).Build(conds)
		if err != nil {
			return err
		}

		if count, _ := cmd.Flags().GetBool("count"); count {
			n, err := b.Count(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		}

		rows, err := b.ToArray(cmd.Context())
		if err != nil {
			return err
		}
		return util.Print(os.Stdout, rows)
	},
}

func init() {
	addQueryFlags(queryCmd)
}

// addQueryFlags defines the pipeline flags on cmd
func addQueryFlags(cmd *cobra.Command) {
	key := "where"
	cmd.Flags().StringArray(key, nil, util.WrapString("Boolean expression over the record fields (repeatable), e.g. 'age > 18 && team == \"a\"'"))
	key = "equals"
	cmd.Flags().StringArray(key, nil, util.WrapString("field=value equality filter (repeatable), the value is parsed as JSON if possible"))
	key = "search"
	cmd.Flags().String(key, "", util.WrapString("Fuzzy search over the string fields"))
	key = "tone"
	cmd.Flags().Bool(key, false, util.WrapString("Make --search sensitive to diacritics"))
	key = "order"
	cmd.Flags().StringArray(key, nil, util.WrapString("field[:asc|desc] sort key (repeatable)"))
	key = "offset"
	cmd.Flags().Int(key, 0, util.WrapString("Skip this many records, negative values count from the end"))
	key = "limit"
	cmd.Flags().Int(key, 0, util.WrapString("Keep at most this many records, negative values drop from the end"))
	key = "page"
	cmd.Flags().String(key, "", util.WrapString("page:size, 1-indexed"))
	key = "group-by"
	cmd.Flags().String(key, "", util.WrapString("Group the result by a field"))
	key = "count"
	cmd.Flags().Bool(key, false, util.WrapString("Print the number of results instead of the records"))
}

// conditionsFromFlags translates the query flags into a pipeline
func conditionsFromFlags(cmd *cobra.Command) ([]query.Condition, error) {
	var conds []query.Condition
	flags := cmd.Flags()

	wheres, _ := flags.GetStringArray("where")
	for _, w := range wheres {
		conds = append(conds, query.Condition{Type: "expr", Expr: w})
	}

	equals, _ := flags.GetStringArray("equals")
	for _, e := range equals {
		field, value, ok := strings.Cut(e, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid --equals %q, expected field=value", e)
		}
		conds = append(conds, query.Condition{Type: "equals", Field: field, Value: util.ParseValue(value)})
	}

	if q, _ := flags.GetString("search"); q != "" {
		tone, _ := flags.GetBool("tone")
		conds = append(conds, query.Condition{Type: "search", Query: q, Tone: tone})
	}

	orders, _ := flags.GetStringArray("order")
	for _, o := range orders {
		field, dir, _ := strings.Cut(o, ":")
		conds = append(conds, query.Condition{Type: "orderBy", Field: field, Direction: query.Direction(dir)})
	}

	if flags.Changed("offset") {
		n, _ := flags.GetInt("offset")
		conds = append(conds, query.Condition{Type: "offset", N: n})
	}
	if flags.Changed("limit") {
		n, _ := flags.GetInt("limit")
		conds = append(conds, query.Condition{Type: "limit", N: n})
	}

	if p, _ := flags.GetString("page"); p != "" {
		page, size, err := parsePage(p)
		if err != nil {
			return nil, err
		}
		conds = append(conds, query.Condition{Type: "page", Page: page, Size: size})
	}

	if g, _ := flags.GetString("group-by"); g != "" {
		conds = append(conds, query.Condition{Type: "groupBy", Field: g})
	}
	return conds, nil
}

func parsePage(s string) (int, int, error) {
	p, sz, ok := strings.Cut(s, ":")
	page, err1 := strconv.Atoi(p)
	size, err2 := strconv.Atoi(sz)
	if !ok || err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("invalid --page %q, expected page:size", s)
	}
	return page, size, nil
}
