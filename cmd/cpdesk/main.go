package main

import (
	"fmt"
	"os"

	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/cmd/cpdesk/commands"
	"github.com/CarryPigeon/CarryPigeon-Desktop-sub001/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cpdesk",
	Short: "CarryPigeon Desktop plugin tooling",
	Long: `CarryPigeon Desktop plugin tooling.

Manages versioned plugins per server identity: install, enable,
disable, switch versions with automatic rollback, and inspect the
required-plugin gate.

Examples:
  cpdesk plugins list --server srv.example.org
  cpdesk plugins install markdown --server srv.example.org
  cpdesk plugins enable markdown --server srv.example.org
  cpdesk plugins switch markdown 2.0.0 --server srv.example.org
  cpdesk version`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(false); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(commands.PluginsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
