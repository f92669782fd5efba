package perf

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/deposit/cmd/util"
	"github.com/ValentinKolb/deposit/lib/adapter"
	"github.com/ValentinKolb/deposit/lib/common"
	"github.com/ValentinKolb/deposit/lib/deposit"
	"github.com/ValentinKolb/deposit/lib/schema"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const perfTable = "perf"

var (
	// PerfCmd benchmarks a scratch Deposit on the backend selected by --backend
	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the storage backends",
		RunE:    run,
		PreRunE: processPerfConfig,
	}
	perfBackend    = adapter.KindKV
	perfNumThreads = 10
	perfKeySpread  = 1000
	perfSkip       = make([]string, 0)
)

func init() {
	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. put,query)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines used by the parallel benchmarks"))
	key = "keys"
	PerfCmd.Flags().Int(key, 1000, util.WrapString("Number of records in the benchmark table"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	backend, err := adapter.ParseKind(viper.GetString("backend"))
	if err != nil {
		return err
	}
	perfBackend = backend
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

// benchmark is one named measurement against the scratch Deposit
type benchmark struct {
	name string
	fn   func(b *testing.B, d *deposit.Deposit)
}

var benchmarks = []benchmark{
	{"put", func(b *testing.B, d *deposit.Deposit) {
		ctx := context.Background()
		b.SetParallelism(perfNumThreads)
		b.RunParallel(func(pb *testing.PB) {
			for i := 0; pb.Next(); i++ {
				d.Put(ctx, perfTable, record(i), 0)
			}
		})
	}},
	{"get", func(b *testing.B, d *deposit.Deposit) {
		ctx := context.Background()
		b.SetParallelism(perfNumThreads)
		b.RunParallel(func(pb *testing.PB) {
			for i := 0; pb.Next(); i++ {
				d.Get(ctx, perfTable, i%perfKeySpread, nil)
			}
		})
	}},
	{"get-all", func(b *testing.B, d *deposit.Deposit) {
		for i := 0; i < b.N; i++ {
			d.GetAll(context.Background(), perfTable)
		}
	}},
	{"query", func(b *testing.B, d *deposit.Deposit) {
		for i := 0; i < b.N; i++ {
			_, _ = d.Query(perfTable).Between("score", 10, 60).OrderBy("name", "desc").Limit(20).ToArray(context.Background())
		}
	}},
	{"query-memo", func(b *testing.B, d *deposit.Deposit) {
		q := d.Query(perfTable).Between("score", 10, 60).OrderBy("name", "desc").Limit(20)
		b.SetParallelism(perfNumThreads)
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				_, _ = q.ToArray(context.Background())
			}
		})
	}},
	{"patch", func(b *testing.B, d *deposit.Deposit) {
		ops := make([]deposit.PatchOp, 10)
		for i := 0; i < b.N; i++ {
			for j := range ops {
				ops[j] = deposit.PatchOp{Op: deposit.OpMerge, Key: (i*10 + j) % perfKeySpread, Merge: []byte(`{"touched":true}`)}
			}
			_ = d.Patch(context.Background(), perfTable, ops)
		}
	}},
	{"mixed", func(b *testing.B, d *deposit.Deposit) {
		ctx := context.Background()
		b.SetParallelism(perfNumThreads)
		b.RunParallel(func(pb *testing.PB) {
			for i := 0; pb.Next(); i++ {
				switch i % 4 {
				case 0:
					d.Put(ctx, perfTable, record(i), 0)
				case 1:
					d.Get(ctx, perfTable, i%perfKeySpread, nil)
				case 2:
					d.Delete(ctx, perfTable, i%perfKeySpread)
				case 3:
					d.Count(ctx, perfTable)
				}
			}
		})
	}},
}

func run(cmd *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for deposit")

	dir, err := os.MkdirTemp("", "deposit-perf-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	cfg := common.DefaultConfig()
	cfg.Backend = perfBackend
	cfg.DBName = "perf"
	cfg.DataDir = dir
	cfg.LogLevel = "error"
	cfg.Schema = schema.Schema{perfTable: {KeyField: "id", IndexFields: []string{"name"}}}
	if err := common.InitLoggers(cfg.LogLevel); err != nil {
		return err
	}

	// Print configuration
	fmt.Println()
	fmt.Println(util.Heading("Configuration"))
	fmt.Println(cfg.String())
	fmt.Printf("Threads: %d, Records: %d\n\n", perfNumThreads, perfKeySpread)

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks {
		if slices.Contains(perfSkip, bm.name) {
			results[bm.name] = testing.BenchmarkResult{}
			printResult(bm.name, results[bm.name])
			continue
		}

		d, err := deposit.New(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		fill(d)

		result := testing.Benchmark(func(b *testing.B) {
			b.ResetTimer()
			bm.fn(b, d)
		})
		d.Clear(context.Background(), perfTable)
		if err := d.Close(); err != nil {
			return err
		}

		results[bm.name] = result
		printResult(bm.name, result)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		return writeResultsToCSV(csvPath, results)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func record(i int) schema.Record {
	id := i % perfKeySpread
	return schema.Record{"id": id, "name": fmt.Sprintf("record-%05d", id), "score": id % 100}
}

// fill writes perfKeySpread records into the benchmark table
func fill(d *deposit.Deposit) {
	recs := make([]schema.Record, perfKeySpread)
	for i := range recs {
		recs[i] = record(i)
	}
	d.BulkPut(context.Background(), perfTable, recs, 0)
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.N == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped", "Backend", "Threads", "Records"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, bm := range benchmarks {
		result, ok := results[bm.name]
		if !ok {
			continue
		}
		var nsPerOp, opsPerSec float64
		skipped := result.N == 0
		if !skipped {
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			bm.name,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			strconv.FormatBool(skipped),
			string(perfBackend),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", bm.name, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
