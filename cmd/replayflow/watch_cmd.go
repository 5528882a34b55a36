package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/replayflow/replayflow/pkg/batch"
	"github.com/replayflow/replayflow/pkg/config"
	"github.com/replayflow/replayflow/pkg/lifecycle"
	"github.com/replayflow/replayflow/pkg/tui"
	"github.com/replayflow/replayflow/pkg/watch"
)

var watchDir string

// watchGather is how long after the first announcement the loop keeps
// collecting before starting a batch, so a burst of copied-in replays
// runs as one group instead of one-at-a-time.
const watchGather = 2 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Extract replays as they land in a directory",
	Long: `Watch a drop directory and extract every replay that appears. A file
counts as arrived once it stops growing; files already present when the
watch starts are processed first.

Completion is checkpointed, so a replay dropped twice (or seen again
after a restart) is extracted once.

Examples:
  replayflow watch --dir incoming/ -o out/
  replayflow watch --dir incoming/ --workers 2 --timeout 5m`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchDir, "dir", "", "Directory to watch for replays (required)")
	watchCmd.MarkFlagRequired("dir")
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := resolveSettings(cmd)
	if err != nil {
		return err
	}

	// Watch keeps no in-memory record of past groups, so the checkpoint
	// store is the dedupe and is not optional here.
	store, err := checkpointStore(true)
	if err != nil {
		return err
	}

	orch, err := batch.New(s.engineFactory(), batch.Options{
		Workers:      s.workers,
		MatchTimeout: s.matchTimeout,
		RestartEvery: s.restartEvery,
		RetryPasses:  s.retryPasses,
		Resume:       true,
		Checkpoint:   store,
		Extract:      s.extractOptions(cliLogger()),
		Progress:     progressFlag && !verbose,
		Logger:       cliLogger(),
	})
	if err != nil {
		return err
	}

	wcfg := config.Global().Get().Watch
	w, err := watch.New(watchDir, watch.Options{
		Debounce:       wcfg.Debounce.Std(),
		StableInterval: wcfg.StableInterval.Std(),
		StableChecks:   wcfg.StableChecks,
		Logger:         cliLogger(),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Printf("watching %s, writing artifacts to %s\n", w.Dir(), s.output)

	return lifecycle.Run(context.Background(), lifecycle.Config{
		DrainTimeout: drainTimeout,
		OnDrain: func(os.Signal) {
			fmt.Fprintln(os.Stderr, "\nfinishing in-flight matches, interrupt again to force exit...")
		},
		OnForce: func(reason string) {
			fmt.Fprintf(os.Stderr, "\nforced exit: %s\n", reason)
		},
	}, func(ctx context.Context) error {
		flush := setupTelemetry(ctx)
		defer flush()

		watcherDone := make(chan error, 1)
		go func() { watcherDone <- w.Run(ctx) }()

		if existing, err := w.Existing(); err != nil {
			return err
		} else if len(existing) > 0 {
			if err := runWatchGroup(ctx, orch, existing); err != nil {
				return err
			}
		}

		for {
			select {
			case <-ctx.Done():
				<-watcherDone
				return nil
			case replay, ok := <-w.Replays():
				if !ok {
					err := <-watcherDone
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				}
				group := gatherBurst(ctx, w.Replays(), replay)
				if ctx.Err() != nil {
					<-watcherDone
					return nil
				}
				if err := runWatchGroup(ctx, orch, group); err != nil {
					return err
				}
			}
		}
	})
}

// gatherBurst collects announcements that arrive shortly after the
// first one so one copy operation becomes one batch run.
func gatherBurst(ctx context.Context, replays <-chan string, first string) []string {
	group := []string{first}
	timer := time.NewTimer(watchGather)
	defer timer.Stop()
	for {
		select {
		case r, ok := <-replays:
			if !ok {
				return group
			}
			group = append(group, r)
		case <-timer.C:
			return group
		case <-ctx.Done():
			return group
		}
	}
}

func runWatchGroup(ctx context.Context, orch *batch.Orchestrator, replays []string) error {
	sum, err := orch.Run(ctx, replays)
	if err != nil {
		// A run-level failure in one group (say a stem collision) should
		// not kill the watch loop.
		fmt.Fprintf(os.Stderr, "group failed: %v\n", err)
		return nil
	}
	for _, f := range sum.Failed {
		tui.PrintFailure(f.Replay, f.Err)
	}
	for _, r := range sum.Successful {
		tui.PrintSuccess(r, tui.FormatDuration(sum.Timings[r]))
	}
	if len(sum.Skipped) > 0 && verbose {
		fmt.Printf("  %d already done, skipped\n", len(sum.Skipped))
	}
	return nil
}
