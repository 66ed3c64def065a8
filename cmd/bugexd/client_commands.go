package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/bugexd/pkg/client"
)

const defaultAPIUrl = "http://127.0.0.1:8080/api"

func bindAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (default "+defaultAPIUrl+")")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS certificate verification")
}

// newAPIClient connects to the daemon and fails early when it is down.
func newAPIClient(ctx context.Context, f APIFlags) (*client.Client, error) {
	apiUrl := f.APIUrl
	if apiUrl == "" {
		apiUrl = defaultAPIUrl
	}
	c, err := client.New(client.Config{BaseURL: apiUrl, Timeout: f.APITimeout, Insecure: f.Insecure})
	if err != nil {
		return nil, err
	}
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'bugexd serve'", apiUrl)
	}
	return c, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func createSubmitCommand() *cobra.Command {
	flags := &SubmitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit an archive to a running daemon",
		Example: `  bugexd submit --archive /data/program.zip --test-case org.example.StackTest#testPop
  bugexd submit --archive /data/a.zip --test-case T#m --wait --api-url http://host:8080/api`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSubmit(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	bindAPIFlags(cmd, &flags.APIFlags)
	cmd.Flags().StringVar(&flags.Archive, "archive", "", "absolute path of the program archive on the daemon host (required)")
	cmd.Flags().StringVar(&flags.TestCase, "test-case", "", "failing test case to analyse (required)")
	cmd.Flags().StringVar(&flags.Token, "token", "", "request token (generated when empty)")
	cmd.Flags().BoolVar(&flags.Wait, "wait", false, "wait until the request reaches a terminal status")
	cmd.Flags().DurationVar(&flags.Poll, "poll", time.Second, "status poll interval with --wait")
	_ = cmd.MarkFlagRequired("archive")
	_ = cmd.MarkFlagRequired("test-case")
	return cmd
}

func runSubmit(ctx context.Context, f *SubmitFlags, out io.Writer) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	resp, err := c.Submit(ctx, client.SubmitRequest{ArchivePath: f.Archive, TestCase: f.TestCase, Token: f.Token})
	if err != nil {
		return err
	}
	if !f.Wait {
		return printJSON(out, resp)
	}
	req, err := c.Wait(ctx, resp.Token, f.Poll)
	if err != nil {
		return err
	}
	if err := printJSON(out, req); err != nil {
		return err
	}
	if req.Status != "finished" {
		return fmt.Errorf("request %s ended %s", req.Token, req.Status)
	}
	return nil
}

func createStatusCommand() *cobra.Command {
	flags := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status [token]",
		Short: "Show one request, or all requests when no token is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				flags.Token = args[0]
			}
			return runStatus(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	bindAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func runStatus(ctx context.Context, f *StatusFlags, out io.Writer) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if f.Token == "" {
		list, err := c.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, list)
	}
	info, err := c.Get(ctx, f.Token)
	if err != nil {
		return err
	}
	return printJSON(out, info)
}

func createFactsCommand() *cobra.Command {
	flags := &FactsFlags{}
	cmd := &cobra.Command{
		Use:   "facts <token>",
		Short: "Print the facts of a finished request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Token = args[0]
			return runFacts(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	bindAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func runFacts(ctx context.Context, f *FactsFlags, out io.Writer) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	facts, err := c.Facts(ctx, f.Token)
	if err != nil {
		return err
	}
	return printJSON(out, facts)
}

func createDeleteCommand() *cobra.Command {
	flags := &DeleteFlags{}
	cmd := &cobra.Command{
		Use:   "delete <token>",
		Short: "Cancel a running analysis and mark the request deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Token = args[0]
			return runDelete(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}
	bindAPIFlags(cmd, &flags.APIFlags)
	return cmd
}

func runDelete(ctx context.Context, f *DeleteFlags, out io.Writer) error {
	c, err := newAPIClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, f.Token); err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "deleted %s\n", f.Token)
	return err
}
