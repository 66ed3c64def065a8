package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bugexd"
	"github.com/loykin/bugexd/internal/logger"
)

func createRunCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Analyse one archive in the foreground and print the facts",
		Long: `Supervise a single analysis without the HTTP API. The facts are
printed as JSON once the tool finishes; a failed analysis exits non-zero.

Examples:
  bugexd run --archive /data/program.zip --test-case org.example.StackTest#testPop
  bugexd run --config bugexd.toml --archive a.zip --test-case T#m --timeout 30m`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runOnce(ctx, flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flags.Archive, "archive", "", "path to the program archive (required)")
	cmd.Flags().StringVar(&flags.TestCase, "test-case", "", "failing test case to analyse (required)")
	cmd.Flags().StringVar(&flags.Token, "token", "", "request token (generated when empty)")
	cmd.Flags().StringVar(&flags.Executable, "executable", "", "override [bugex].executable")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "override [monitoring].max_life_time")
	_ = cmd.MarkFlagRequired("archive")
	_ = cmd.MarkFlagRequired("test-case")
	return cmd
}

func runOnce(ctx context.Context, flags *RunFlags, out io.Writer) error {
	cfg, err := bugexd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Executable != "" {
		cfg.BugEx.Executable = flags.Executable
	}
	if flags.Timeout > 0 {
		cfg.Monitoring.MaxLifeTime = flags.Timeout
	}
	// no listener in foreground mode
	cfg.Metrics.Enabled = false
	logger.Setup(cfg.Log.LoggerOptions())

	svc, err := bugexd.New(*cfg)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close(context.Background()) }()

	req, job, err := svc.Submit(ctx, flags.Token, flags.Archive, flags.TestCase)
	if err != nil {
		return err
	}
	select {
	case <-job.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	o, _ := job.Outcome()
	if o.Err != nil {
		return fmt.Errorf("analysis %s %s after %d checks: %w", req.Token(), req.Status(), o.Tries, o.Err)
	}
	if o.Status != bugexd.StatusFinished {
		return fmt.Errorf("analysis %s ended as %s", req.Token(), o.Status)
	}

	facts, err := svc.Facts(ctx, req.Token())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(runReport{
		Token:    req.Token(),
		Duration: o.At.Sub(job.CreatedAt()).Round(time.Millisecond).String(),
		Facts:    facts,
	})
}

type runReport struct {
	Token    string        `json:"token"`
	Duration string        `json:"duration"`
	Facts    []bugexd.Fact `json:"facts"`
}
