// Command strategy-worker evaluates one Starlark strategy in its own process
// and writes the result envelope to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"runtime/metrics"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"strategy-sandbox/internal/interp"
	"strategy-sandbox/internal/strategy"
)

const heapSampleEvery = 20 * time.Millisecond

type runFlags struct {
	code     string
	data     string
	memoryMB int64
	opts     interp.Options
}

func main() {
	// stderr is captured into the job record; keep it terse.
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "worker").Logger()

	defaults := interp.DefaultOptions()
	f := runFlags{opts: defaults}

	root := &cobra.Command{
		Use:           "strategy-worker",
		Short:         "Evaluate a Starlark strategy against a CSV dataset",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run run_strategy(df) and print the result envelope",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}
	runCmd.Flags().StringVar(&f.code, "code", "", "Strategy source file")
	runCmd.Flags().StringVar(&f.data, "data", "", "CSV dataset file")
	runCmd.Flags().DurationVar(&f.opts.Timeout, "timeout", defaults.Timeout, "Wall-clock limit")
	runCmd.Flags().Int64Var(&f.memoryMB, "memory-mb", 512, "Memory limit in MB")
	runCmd.Flags().Uint64Var(&f.opts.MaxSteps, "max-steps", defaults.MaxSteps, "Interpreter step budget")
	runCmd.Flags().IntVar(&f.opts.MaxRows, "max-rows", defaults.MaxRows, "Maximum dataset rows")
	runCmd.Flags().IntVar(&f.opts.MaxOutputBytes, "max-output-bytes", defaults.MaxOutputBytes, "Maximum encoded trades size")
	runCmd.Flags().IntVar(&f.opts.MaxLogBytes, "max-log-bytes", defaults.MaxLogBytes, "Maximum captured print output")
	_ = runCmd.MarkFlagRequired("code")
	_ = runCmd.MarkFlagRequired("data")
	root.AddCommand(runCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("worker failed")
		os.Exit(2)
	}
}

func run(ctx context.Context, f runFlags) error {
	code, err := os.ReadFile(filepath.Clean(f.code))
	if err != nil {
		return fmt.Errorf("reading code: %w", err)
	}
	data, err := os.ReadFile(filepath.Clean(f.data))
	if err != nil {
		return fmt.Errorf("reading dataset: %w", err)
	}

	if err := limitAddressSpace(f.memoryMB); err != nil {
		log.Warn().Err(err).Msg("address space limit not applied")
	}
	limit := f.memoryMB << 20
	debug.SetMemoryLimit(limit)

	var once sync.Once
	emit := func(env strategy.Envelope) {
		once.Do(func() {
			if err := env.Encode(os.Stdout); err != nil {
				log.Error().Err(err).Msg("writing envelope")
			}
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchHeap(ctx, uint64(limit), func(used uint64) {
		emit(strategy.Failed(strategy.FailureResourceExceeded,
			fmt.Sprintf("memory use %d MB exceeded the %d MB limit", used>>20, f.memoryMB)))
		os.Exit(3)
	})

	emit(interp.Run(ctx, string(code), data, f.opts))
	return nil
}

// watchHeap calls exceeded once the live heap passes limit bytes.
func watchHeap(ctx context.Context, limit uint64, exceeded func(used uint64)) {
	sample := []metrics.Sample{{Name: "/memory/classes/heap/objects:bytes"}}
	ticker := time.NewTicker(heapSampleEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		metrics.Read(sample)
		if sample[0].Value.Kind() != metrics.KindUint64 {
			continue
		}
		if used := sample[0].Value.Uint64(); used > limit {
			exceeded(used)
			return
		}
	}
}
