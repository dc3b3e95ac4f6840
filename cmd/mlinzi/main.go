// Mlinzi — sandbox control plane: lifecycle, admission, and evented telemetry.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mlinzi",
	Short: "Mlinzi — control plane for agent sandboxes.",
	Long: `Mlinzi manages sandbox lifecycles, admits or denies tool execution
against live sandbox state, and carries schema-validated telemetry events
over an ordered per-topic bus with durable catch-up reads.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, mcpCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
