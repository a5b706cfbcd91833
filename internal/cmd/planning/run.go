package planning

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qwdingyu/testflow/internal/config"
	"github.com/qwdingyu/testflow/internal/orchestrator"
	"github.com/qwdingyu/testflow/internal/plan"
	"github.com/qwdingyu/testflow/internal/planwatch"
)

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a test plan",
	Long: `Execute a test plan against its declared devices.

Tasks start as soon as their dependencies complete; independent tasks run
concurrently. A failing task cancels the rest of the plan unless it is
marked fire_and_forget.

The exit code indicates the result:
  0 - Every required task passed
  1 - The plan failed, or could not be loaded

Examples:
  # Run a plan and print a summary
  testflow run plans/smoke.yaml

  # Stream task progress and serve metrics while running
  testflow run --progress --metrics-addr :9464 plans/soak.yaml

  # Re-run whenever the plan file is saved
  testflow run --watch plans/smoke.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runJSON        bool
	runWatch       bool
	runProgress    bool
	runMetricsAddr string
)

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output the run result as JSON")
	runCmd.Flags().BoolVarP(&runWatch, "watch", "w", false, "Re-run the plan whenever the file changes")
	runCmd.Flags().BoolVar(&runProgress, "progress", false, "Print task events to stderr as they happen")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.listen_addr)")
}

// RegisterRunCmd registers the run command with the given parent command.
func RegisterRunCmd(parent *cobra.Command) {
	parent.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	path := args[0]

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := newEngine(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "shutdown: %v\n", err)
		}
	}()

	addr := runMetricsAddr
	if addr == "" && cfg.Metrics.Enabled {
		addr = cfg.Metrics.ListenAddr
	}
	if addr != "" {
		bound, err := eng.serveMetrics(addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Metrics: http://%s/metrics\n", bound)
	}

	if runProgress {
		printer := newProgressPrinter(cmd.ErrOrStderr())
		id := eng.bus.SubscribeAll(printer.handle)
		defer eng.bus.Unsubscribe(id)
	}

	if !runWatch {
		res, err := runPlanFile(ctx, cmd, eng, path)
		if err != nil {
			return err
		}
		if !res.Success {
			return silent(cmd, "plan failed")
		}
		return nil
	}

	return watchPlanFile(ctx, cmd, eng, path)
}

// runPlanFile loads and executes one plan and prints its result.
func runPlanFile(ctx context.Context, cmd *cobra.Command, eng *engine, path string) (*orchestrator.Result, error) {
	p, err := plan.LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Lint(p) {
		eng.logger.WithPlan(p.Name).Warn("plan lint", "warning", w)
	}

	res, err := eng.execute(ctx, p)
	if err != nil {
		return nil, err
	}
	if runJSON {
		if err := renderJSON(cmd.OutOrStdout(), res); err != nil {
			return nil, err
		}
	} else {
		renderResult(cmd.OutOrStdout(), res)
	}
	return res, nil
}

// watchPlanFile runs the plan now and again after every saved change until
// interrupted. Load errors are reported and the watch continues.
func watchPlanFile(ctx context.Context, cmd *cobra.Command, eng *engine, path string) error {
	w, err := planwatch.New(path, planwatch.WithLogger(eng.logger))
	if err != nil {
		return err
	}
	defer w.Close()

	once := func(ctx context.Context) {
		if _, err := runPlanFile(ctx, cmd, eng, path); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		}
		if ctx.Err() == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "\nWatching %s for changes (Ctrl-C to stop)\n", path)
		}
	}

	once(ctx)
	return w.Run(ctx, once)
}
