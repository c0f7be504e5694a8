// Package cmd implements the verdure-gateway command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "gateway-config.json"

var version = "dev"

// NewRootCmd creates the root command. Bare invocation behaves as "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "verdure-gateway",
		Short: "Verdure gateway: image tools, API tokens and device push",
		Long:  "verdure-gateway serves image generation tools behind API tokens and JWTs, and routes push messages to connected devices.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newTokenCmd())
	root.AddCommand(newDeviceSimCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "verdure-gateway %s\n", version)
		},
	}
}

// resolveConfigPath returns the config path from the positional argument,
// then the --config flag, then the default.
func resolveConfigPath(cmd *cobra.Command, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultConfigPath
}
