package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hoidn/BMAD-METHOD/internal/engine"
	"github.com/hoidn/BMAD-METHOD/internal/logging"
	"github.com/hoidn/BMAD-METHOD/internal/pathsafe"
	"github.com/hoidn/BMAD-METHOD/internal/state"
	"github.com/hoidn/BMAD-METHOD/internal/workflow"
	"github.com/hoidn/BMAD-METHOD/pkg/schema"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := loadConfig()
	logger := newLogger(cfg)

	root := &cobra.Command{
		Use:           "bmad",
		Short:         "File-based workflow runner for multi-agent pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(cfg, logger),
		newResumeCmd(cfg, logger),
		newValidateCmd(),
		newQueueCmd(cfg),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err.Error())
		return exitCodeFor(err)
	}
	return 0
}

func newLogger(cfg Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	if cfg.LogFormat == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}

// finalError carries the run's final status so Execute's error path can map
// it to the right process exit code.
type finalError struct {
	final schema.FinalStatus
	err   error
}

func (f *finalError) Error() string { return f.err.Error() }
func (f *finalError) Unwrap() error { return f.err }

func exitCodeFor(err error) int {
	var fe *finalError
	if errors.As(err, &fe) {
		return fe.final.ExitCode()
	}
	return schema.FinalError.ExitCode()
}

func newRunCmd(cfg Config, logger *slog.Logger) *cobra.Command {
	var contextPairs []string
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Start a new workflow run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cfg, logger, args[0])
			if err != nil {
				return err
			}
			initial, err := parseContextPairs(contextPairs)
			if err != nil {
				return err
			}

			ctx, stop := withCancelSignals(cmd.Context(), eng)
			defer stop()

			final, runID, err := eng.Run(ctx, initial)
			fmt.Fprintln(cmd.OutOrStdout(), "run_id:", runID)
			return report(cmd, final, err)
		},
	}
	cmd.Flags().StringArrayVarP(&contextPairs, "context", "c", nil, "initial context entry key=value (repeatable)")
	return cmd
}

func newResumeCmd(cfg Config, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <workflow.yaml> <run-id>",
		Short: "Resume an interrupted run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(cfg, logger, args[0])
			if err != nil {
				return err
			}
			ctx, stop := withCancelSignals(cmd.Context(), eng)
			defer stop()

			final, err := eng.Resume(ctx, args[1])
			return report(cmd, final, err)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d steps, checksum %.12s)\n",
				wf.Name, len(wf.Steps), wf.Checksum)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bmad", version)
		},
	}
}

func buildEngine(cfg Config, logger *slog.Logger, workflowPath string) (*engine.Engine, error) {
	wf, err := workflow.Load(workflowPath)
	if err != nil {
		return nil, err
	}
	root, err := pathsafe.NewRoot(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	store, err := state.NewStore(cfg.RunsDir)
	if err != nil {
		return nil, err
	}

	// Allowlisted secret values never appear in log output.
	masker := logging.NewMasker()
	for _, name := range wf.Secrets {
		if v := os.Getenv(name); v != "" {
			masker.Add(v)
		}
	}
	for i := range wf.Steps {
		for _, name := range wf.Steps[i].Secrets {
			if v := os.Getenv(name); v != "" {
				masker.Add(v)
			}
		}
	}

	return engine.New(wf, root, store, logger, masker), nil
}

// withCancelSignals maps SIGINT/SIGTERM to cooperative cancellation: the
// engine stops between steps, and an in-flight process finishes under its
// normal timeout handling.
func withCancelSignals(ctx context.Context, eng *engine.Engine) (context.Context, func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			eng.Cancel()
		case <-done:
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
	}
}

func report(cmd *cobra.Command, final schema.FinalStatus, err error) error {
	if err != nil {
		return &finalError{final: final, err: err}
	}
	if final != schema.FinalSuccess {
		return &finalError{final: final, err: fmt.Errorf("run ended with exit code %d", final.ExitCode())}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "status: completed")
	return nil
}

func parseContextPairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := cutPair(p)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfig, "bad context entry %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

func cutPair(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], i > 0
		}
	}
	return "", "", false
}
