// Package commands implements the NanoClaw CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nanoclaw",
		Short: "NanoClaw - chat-driven AI agent host",
		Long: `NanoClaw hosts AI agents for chat groups. Each registered group gets
an isolated sandbox container; the host routes messages, relays sandbox
output back to chat, and runs scheduled tasks.

Examples:
  nanoclaw serve
  nanoclaw serve --config ./config.yaml --verbose`,
		Version: version,
	}

	rootCmd.AddCommand(
		newServeCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
