package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/translock/translock/internal/metrics"
	"github.com/translock/translock/internal/telemetry"
	"github.com/translock/translock/internal/workload"
	"github.com/translock/translock/pkg/container"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "transbench",
	Short: "transbench benchmarks lock-free transactional containers",
	Long: `transbench drives TransList, TransSkip, TransMap, and their
boosting/STM comparison baselines through randomized batches of
FIND/INSERT/DELETE/UPDATE transactions and reports commit, abort, and
fake-abort counts.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	telemetry.Init(telemetry.Config{
		Level:      telemetry.Level(level),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one benchmark against a single container kind",
	RunE:  runBenchmark,
}

func init() {
	runCmd.Flags().String("set", string(container.KindSkip),
		"Container kind: list, skip, map, boosting-list, boosting-xfast, stm-norec, stm-orec")
	runCmd.Flags().Int("threads", 4, "Worker goroutine count")
	runCmd.Flags().Uint32("test-size", 10000, "Transaction batches per worker")
	runCmd.Flags().Uint32("tran-size", 4, "Operations per transaction batch")
	runCmd.Flags().Uint32("key-range", 1<<16, "Key space size")
	runCmd.Flags().Uint32("insert-pct", 40, "Percent of operations that are INSERT")
	runCmd.Flags().Uint32("delete-pct", 40, "Percent of operations that are DELETE")
	runCmd.Flags().Uint32("update-pct", 0, "Percent of operations that are UPDATE (map only)")
	runCmd.Flags().Bool("json", false, "Print the result as JSON")
	runCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address until the run completes")
	runCmd.Flags().String("workload", "", "Load run parameters from a YAML file (flags override file values)")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	setName, _ := cmd.Flags().GetString("set")
	threads, _ := cmd.Flags().GetInt("threads")
	testSize, _ := cmd.Flags().GetUint32("test-size")
	tranSize, _ := cmd.Flags().GetUint32("tran-size")
	keyRange, _ := cmd.Flags().GetUint32("key-range")
	insertPct, _ := cmd.Flags().GetUint32("insert-pct")
	deletePct, _ := cmd.Flags().GetUint32("delete-pct")
	updatePct, _ := cmd.Flags().GetUint32("update-pct")
	asJSON, _ := cmd.Flags().GetBool("json")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	workloadFile, _ := cmd.Flags().GetString("workload")

	if workloadFile != "" {
		fc, err := loadWorkloadFile(workloadFile)
		if err != nil {
			return fmt.Errorf("failed to load workload file: %w", err)
		}
		if !cmd.Flags().Changed("set") && fc.Set != "" {
			setName = fc.Set
		}
		if !cmd.Flags().Changed("threads") && fc.Threads != 0 {
			threads = fc.Threads
		}
		if !cmd.Flags().Changed("test-size") && fc.TestSize != 0 {
			testSize = fc.TestSize
		}
		if !cmd.Flags().Changed("tran-size") && fc.TranSize != 0 {
			tranSize = fc.TranSize
		}
		if !cmd.Flags().Changed("key-range") && fc.KeyRange != 0 {
			keyRange = fc.KeyRange
		}
		if !cmd.Flags().Changed("insert-pct") && fc.InsertPct != 0 {
			insertPct = fc.InsertPct
		}
		if !cmd.Flags().Changed("delete-pct") && fc.DeletePct != 0 {
			deletePct = fc.DeletePct
		}
		if !cmd.Flags().Changed("update-pct") && fc.UpdatePct != 0 {
			updatePct = fc.UpdatePct
		}
		if !cmd.Flags().Changed("metrics-addr") && fc.MetricsAddr != "" {
			metricsAddr = fc.MetricsAddr
		}
		if !cmd.Flags().Changed("json") && fc.JSON {
			asJSON = fc.JSON
		}
	}

	kind := container.Kind(setName)
	isMap := kind == container.KindMap

	c, err := container.New(kind, container.Config{
		Capacity:    uint64(keyRange) * 2,
		ThreadCount: uint64(threads),
	})
	if err != nil {
		return err
	}

	logger := telemetry.WithContainer(setName)
	logger.Info().
		Int("threads", threads).
		Uint32("testSize", testSize).
		Uint32("tranSize", tranSize).
		Uint32("keyRange", keyRange).
		Msg("starting run")

	var promCounters *metrics.PromCounters
	var srv *http.Server
	if metricsAddr != "" {
		promCounters = metrics.NewPromCounters(setName)
		if err := promCounters.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		logger.Info().Str("addr", metricsAddr).Msg("serving prometheus metrics")
	}

	popWorker := c.NewWorker(0)
	workload.Populate(c, popWorker, keyRange, isMap)

	cfg := workload.Config{
		Threads:  threads,
		TestSize: testSize,
		TranSize: tranSize,
		KeyRange: keyRange,
		Mix: workload.Mix{
			InsertPct: insertPct,
			DeletePct: deletePct,
			UpdatePct: updatePct,
		},
	}

	start := time.Now()
	results := workload.Run(c, cfg, isMap)
	elapsed := time.Since(start)
	total := workload.Total(results)

	if promCounters != nil {
		promCounters.Apply(metrics.Summary{Commits: total.Commits, Aborts: total.Aborts, FakeAborts: total.FakeAborts})
	}
	if srv != nil {
		srv.Close()
	}

	throughput := float64(total.Commits+total.Aborts) / elapsed.Seconds()

	if asJSON {
		out := map[string]any{
			"set":            setName,
			"threads":        threads,
			"commits":        total.Commits,
			"aborts":         total.Aborts,
			"fakeAborts":     total.FakeAborts,
			"elapsedSeconds": elapsed.Seconds(),
			"throughputOpsSec": throughput,
		}
		return json.NewEncoder(os.Stdout).Encode(out)
	}

	fmt.Printf("set=%s threads=%d commits=%d aborts=%d fakeAborts=%d elapsed=%s throughput=%.0f txn/s\n",
		setName, threads, total.Commits, total.Aborts, total.FakeAborts, elapsed, throughput)
	return nil
}
