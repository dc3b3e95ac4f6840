package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/mlinzi/internal/config"
	mcpgw "github.com/jkaninda/mlinzi/internal/gateway/mcp"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start the MCP server on stdio",
	RunE:  runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", "", "path to config file (JSON or YAML)")
}

// runMCP serves the control plane over MCP stdio. Logs go to stderr so
// stdout stays clean for the protocol.
func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("MLINZI_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	srv := mcpgw.New(sc.Lifecycle, sc.Admission, sc.Bus, sc.Registry)
	return srv.Serve()
}
