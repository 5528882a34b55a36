// ReplayFlow - Replay extraction engine for ML datasets
// Converts replay engine snapshots into flat, fixed-schema Parquet tables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/replayflow/replayflow/pkg/batch"
	"github.com/replayflow/replayflow/pkg/checkpoint"
	"github.com/replayflow/replayflow/pkg/config"
	"github.com/replayflow/replayflow/pkg/extract"
	"github.com/replayflow/replayflow/pkg/lifecycle"
	"github.com/replayflow/replayflow/pkg/report"
	"github.com/replayflow/replayflow/pkg/sink"
	"github.com/replayflow/replayflow/pkg/source"
	"github.com/replayflow/replayflow/pkg/telemetry"
	"github.com/replayflow/replayflow/pkg/tui"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

// CLI flags
var (
	verbose bool

	// Extraction flags
	outputDir       string
	modeFlag        string
	strideFlag      int
	compressionFlag string
	batchSizeFlag   int
	bridgeFlag      string
	engineArgsFlag  []string
	matchTimeout    time.Duration

	// Batch flags
	workersFlag  int
	retryPasses  int
	restartEvery int
	resumeFlag   bool
	progressFlag bool
	reportFlag   bool
	drainTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "replayflow",
	Short: "ReplayFlow - Extract replay snapshots into ML-ready Parquet",
	Long: `ReplayFlow drives a replay engine over recorded matches and converts the
stream of state snapshots into flat wide tables: one row per sampled game
loop, one column per tracked entity attribute, plus chat tables and a
schema document per match.

Examples:
  replayflow extract ladder/match.SC2Replay -o out/
  replayflow batch replays/ -o out/ --workers 8 --resume
  replayflow watch --dir incoming/ -o out/
  replayflow verify out/
  replayflow demo -o /tmp/demo`,
	Version:       fmt.Sprintf("%s (%s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var extractCmd = &cobra.Command{
	Use:   "extract [replay]",
	Short: "Extract one replay into wide-table artifacts",
	Long: `Extract a single replay through the engine bridge and write its
game-state wide table, message table, and schema document.

Examples:
  replayflow extract match.SC2Replay -o out/
  replayflow extract match.SC2Replay --mode single_pass --step 16
  replayflow extract match.SC2Replay --compression snappy`,
	Args: cobra.ExactArgs(1),
	RunE: runExtract,
}

var batchCmd = &cobra.Command{
	Use:   "batch [replays or directories...]",
	Short: "Extract a set of replays over a worker pool",
	Long: `Extract many replays concurrently. Each worker owns one engine
instance; a failing match never affects its siblings. Directories are
expanded to the replay files inside them.

The first interrupt drains in-flight matches; a second one forces exit.

Examples:
  replayflow batch replays/ -o out/
  replayflow batch a.SC2Replay b.SC2Replay --workers 8
  replayflow batch replays/ --resume --retry-passes 2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("replayflow %s (%s)\n", version, commit)
		fmt.Printf("artifact format %s\n", sink.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	for _, cmd := range []*cobra.Command{extractCmd, batchCmd, watchCmd, demoCmd} {
		cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory for artifacts")
		cmd.Flags().StringVar(&modeFlag, "mode", "", "Schema mode (two_pass, single_pass)")
		cmd.Flags().IntVar(&strideFlag, "step", 0, "Game loops between sampled rows")
		cmd.Flags().StringVar(&compressionFlag, "compression", "", "Parquet compression (zstd, snappy, gzip, lz4, none)")
		cmd.Flags().IntVar(&batchSizeFlag, "batch-size", 0, "Rows per parquet record batch")
	}
	for _, cmd := range []*cobra.Command{extractCmd, batchCmd, watchCmd} {
		cmd.Flags().StringVar(&bridgeFlag, "bridge", "", "Path to the engine bridge executable")
		cmd.Flags().StringArrayVar(&engineArgsFlag, "engine-arg", nil, "Extra argument passed to the bridge (repeatable)")
		cmd.Flags().DurationVar(&matchTimeout, "timeout", 0, "Wall-clock budget per match")
	}
	for _, cmd := range []*cobra.Command{batchCmd, watchCmd} {
		cmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Concurrent engine instances")
		cmd.Flags().IntVar(&retryPasses, "retry-passes", -1, "Extra passes over retryable failures")
		cmd.Flags().IntVar(&restartEvery, "restart-every", 0, "Matches per engine before a restart")
		cmd.Flags().BoolVar(&progressFlag, "progress", true, "Show a progress bar")
		cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", 30*time.Second, "How long to wait for in-flight matches on shutdown")
	}
	batchCmd.Flags().BoolVar(&resumeFlag, "resume", false, "Skip replays already recorded complete")
	batchCmd.Flags().BoolVar(&reportFlag, "report", true, "Write report.xlsx into the output directory")

	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(versionCmd)
}

// settings is the merged view of config files, environment, and any
// explicitly set flags. Flags win over config; config wins over
// built-in defaults.
type settings struct {
	output       string
	mode         extract.Mode
	stride       int
	compression  string
	batchSize    int
	bridge       string
	engineArgs   []string
	workers      int
	matchTimeout time.Duration
	retryPasses  int
	restartEvery int
}

func resolveSettings(cmd *cobra.Command) (*settings, error) {
	cfg := config.Global().Get()
	s := &settings{
		output:       cfg.Extract.Output,
		mode:         extract.Mode(cfg.Extract.Mode),
		stride:       cfg.Extract.Stride,
		compression:  cfg.Extract.Compression,
		batchSize:    cfg.Extract.BatchSize,
		bridge:       cfg.Engine.Bridge,
		engineArgs:   cfg.Engine.Args,
		workers:      cfg.Batch.Workers,
		matchTimeout: cfg.Batch.MatchTimeout.Std(),
		retryPasses:  cfg.Batch.RetryPasses,
		restartEvery: cfg.Engine.RestartEvery,
	}

	f := cmd.Flags()
	if f.Changed("output") {
		s.output = outputDir
	}
	if f.Changed("mode") {
		mode, err := extract.ParseMode(modeFlag)
		if err != nil {
			return nil, err
		}
		s.mode = mode
	}
	if f.Changed("step") {
		if strideFlag <= 0 {
			return nil, fmt.Errorf("--step must be positive, got %d", strideFlag)
		}
		s.stride = strideFlag
	}
	if f.Changed("compression") {
		switch compressionFlag {
		case sink.CompressionZstd, sink.CompressionSnappy, sink.CompressionGzip,
			sink.CompressionLZ4, sink.CompressionNone:
			s.compression = compressionFlag
		default:
			return nil, fmt.Errorf("unknown compression %q", compressionFlag)
		}
	}
	if f.Changed("batch-size") {
		s.batchSize = batchSizeFlag
	}
	if bridge := f.Lookup("bridge"); bridge != nil && bridge.Changed {
		s.bridge = bridgeFlag
	}
	if ea := f.Lookup("engine-arg"); ea != nil && ea.Changed {
		s.engineArgs = engineArgsFlag
	}
	if to := f.Lookup("timeout"); to != nil && to.Changed {
		s.matchTimeout = matchTimeout
	}
	if w := f.Lookup("workers"); w != nil && w.Changed {
		s.workers = workersFlag
	}
	if rp := f.Lookup("retry-passes"); rp != nil && rp.Changed {
		s.retryPasses = retryPasses
	}
	if re := f.Lookup("restart-every"); re != nil && re.Changed {
		s.restartEvery = restartEvery
	}
	return s, nil
}

func (s *settings) sinkConfig() sink.Config {
	return sink.Config{
		Dir:         s.output,
		Compression: s.compression,
		BatchSize:   s.batchSize,
	}
}

func (s *settings) extractOptions(logger *log.Logger) extract.Options {
	return extract.Options{
		Mode:   s.mode,
		Stride: s.stride,
		Sink:   s.sinkConfig(),
		Logger: logger,
	}
}

func (s *settings) engineFactory() source.Factory {
	return func() (source.Engine, error) {
		return source.NewBridgeEngine(s.bridge, s.engineArgs...), nil
	}
}

// cliLogger returns the logger for pipeline internals: stderr in verbose
// mode, discarded otherwise so reports stay clean.
func cliLogger() *log.Logger {
	if verbose {
		return log.New(os.Stderr, "replayflow ", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// signalContext cancels the returned context on the first SIGINT or
// SIGTERM. Short-lived commands use this; batch and watch go through
// lifecycle.Run for drain semantics instead.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\ninterrupted, cleaning up...")
		cancel()
	}()
	return ctx, cancel
}

// setupTelemetry installs the OTLP exporter when configured and returns
// a flush function for command exit.
func setupTelemetry(ctx context.Context) func() {
	cfg := config.Global().Get()
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint == "" {
		return func() {}
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.Endpoint = cfg.Telemetry.Endpoint
	tcfg.ServiceVersion = version
	tcfg.SamplingRatio = cfg.Telemetry.Sample

	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: telemetry disabled: %v\n", err)
		return func() {}
	}
	return func() {
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(fctx); err != nil {
			fmt.Fprintf(os.Stderr, "warning: telemetry flush: %v\n", err)
		}
	}
}

// checkpointStore builds the configured completion store. Required
// reports whether the command cannot run without one.
func checkpointStore(required bool) (checkpoint.Store, error) {
	cfg := config.Global().Get()

	var store checkpoint.Store
	var err error
	switch cfg.Checkpoint.Backend {
	case "", "file":
		store, err = checkpoint.NewFileStore(cfg.Checkpoint.Dir)
	case "redis":
		rc := checkpoint.DefaultRedisConfig(cfg.Checkpoint.RedisAddr)
		rc.Password = cfg.Checkpoint.RedisPassword
		rc.Database = cfg.Checkpoint.RedisDB
		rc.TTL = cfg.Checkpoint.RedisTTL.Std()
		store, err = checkpoint.NewRedisStore(rc)
	default:
		err = fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}

	if err != nil {
		if required {
			return nil, fmt.Errorf("checkpoint store unavailable: %w", err)
		}
		fmt.Fprintf(os.Stderr, "warning: running without checkpoints: %v\n", err)
		return nil, nil
	}
	return store, nil
}

// gatherReplays expands the argument list into concrete replay files.
// Directory arguments contribute every replay file directly inside them.
func gatherReplays(args []string) ([]string, error) {
	var replays []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("replay does not exist: %s", arg)
		}
		if !info.IsDir() {
			replays = append(replays, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if strings.EqualFold(filepath.Ext(e.Name()), source.ReplayExtension) {
				replays = append(replays, filepath.Join(arg, e.Name()))
			}
		}
	}
	if len(replays) == 0 {
		return nil, fmt.Errorf("no replay files in %s", strings.Join(args, ", "))
	}
	sort.Strings(replays)
	return replays, nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	replay := args[0]
	if _, err := os.Stat(replay); os.IsNotExist(err) {
		return fmt.Errorf("replay does not exist: %s", replay)
	}

	ctx, cancel := signalContext()
	defer cancel()
	flush := setupTelemetry(ctx)
	defer flush()

	engine, err := s.engineFactory()()
	if err != nil {
		return err
	}
	defer engine.Close()

	mctx := ctx
	if s.matchTimeout > 0 {
		var mcancel context.CancelFunc
		mctx, mcancel = context.WithTimeout(ctx, s.matchTimeout)
		defer mcancel()
	}

	res := extract.New(engine, s.extractOptions(cliLogger())).Run(mctx, replay)
	if !res.Succeeded() {
		tui.PrintFailure(replay, res.Err)
		return res.Err
	}

	sinkCfg := s.sinkConfig()
	tui.PrintSuccess(replay, fmt.Sprintf("%s rows over %s ticks in %s",
		tui.FormatNumber(res.Rows), tui.FormatNumber(res.Ticks), tui.FormatDuration(res.Duration)))
	for _, p := range []string{
		sinkCfg.WideTablePath(replay),
		sinkCfg.MessagesPath(replay),
		sinkCfg.SchemaDocPath(replay),
	} {
		fmt.Printf("    %s\n", p)
	}
	if res.WarningCount > 0 {
		fmt.Printf("    %d snapshot warnings (see --verbose)\n", res.WarningCount)
	}
	return nil
}

func runBatch(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd)
	if err != nil {
		return err
	}
	replays, err := gatherReplays(args)
	if err != nil {
		return err
	}

	store, err := checkpointStore(resumeFlag)
	if err != nil {
		return err
	}

	orch, err := batch.New(s.engineFactory(), batch.Options{
		Workers:      s.workers,
		MatchTimeout: s.matchTimeout,
		RestartEvery: s.restartEvery,
		RetryPasses:  s.retryPasses,
		Resume:       resumeFlag,
		Checkpoint:   store,
		Extract:      s.extractOptions(cliLogger()),
		Progress:     progressFlag && !verbose,
		Logger:       cliLogger(),
	})
	if err != nil {
		return err
	}

	if verbose {
		tui.PrintHeader(version)
		fmt.Printf("  %d replays, %d workers, %s per match\n", len(replays), s.workers, s.matchTimeout)
	}

	var sum *batch.Summary
	err = lifecycle.Run(context.Background(), lifecycle.Config{
		DrainTimeout: drainTimeout,
		OnDrain: func(os.Signal) {
			fmt.Fprintln(os.Stderr, "\ndraining in-flight matches, interrupt again to force exit...")
		},
		OnForce: func(reason string) {
			fmt.Fprintf(os.Stderr, "\nforced exit: %s\n", reason)
		},
	}, func(ctx context.Context) error {
		flush := setupTelemetry(ctx)
		defer flush()
		var runErr error
		sum, runErr = orch.Run(ctx, replays)
		return runErr
	})
	if errors.Is(err, lifecycle.ErrForced) {
		// The run goroutine may still be winding down; sum is not safe
		// to read.
		return err
	}
	if sum == nil {
		return err
	}

	printSummary(sum)
	if reportFlag {
		path := filepath.Join(s.output, "report.xlsx")
		if werr := report.Write(path, sum); werr != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", werr)
		} else {
			fmt.Printf("  %s %s\n\n", tui.Muted("Report:"), path)
		}
	}

	if len(sum.Failed) > 0 {
		return fmt.Errorf("%d of %d matches failed", len(sum.Failed), len(replays))
	}
	return nil
}

func printSummary(sum *batch.Summary) {
	for _, f := range sum.Failed {
		tui.PrintFailure(f.Replay, f.Err)
	}
	tui.PrintRunReport(&tui.RunReport{
		Replays:         sum.Attempted() + len(sum.Skipped),
		Succeeded:       len(sum.Successful),
		Failed:          len(sum.Failed),
		Skipped:         len(sum.Skipped),
		Rows:            sum.RowsWritten,
		TotalDuration:   sum.TotalDuration,
		AverageDuration: sum.AverageDuration,
	})
}
