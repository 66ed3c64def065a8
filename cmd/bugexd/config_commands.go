package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	cfg "github.com/loykin/bugexd/internal/config"
)

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(createConfigInitCommand(globalFlags))
	return cmd
}

func createConfigInitCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ConfigInitFlags{}
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			return runConfigInit(flags, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}

func runConfigInit(flags *ConfigInitFlags, out io.Writer) error {
	if flags.ConfigPath == "" {
		flags.ConfigPath = "bugexd.toml"
	}
	if err := cfg.WriteDefault(flags.ConfigPath, flags.Force); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	_, err := fmt.Fprintf(out, "wrote %s\n", flags.ConfigPath)
	return err
}
