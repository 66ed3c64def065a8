package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createRunCommand(globalFlags),
		createConfigCommand(globalFlags),
		createSubmitCommand(),
		createStatusCommand(),
		createFactsCommand(),
		createDeleteCommand(),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "bugexd",
		Short: "Supervise BugEx failure analyses",
		Long: `bugexd launches the BugEx analysis tool for submitted program archives,
watches each run until it finishes, fails or outlives its time budget,
and stores the extracted facts.

Examples:
  bugexd config init --config /etc/bugexd.toml
  bugexd serve --config /etc/bugexd.toml
  bugexd run --archive /data/program.zip --test-case org.example.StackTest#testPop
  bugexd submit --archive /data/program.zip --test-case org.example.StackTest#testPop --wait
  bugexd facts <token>`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
