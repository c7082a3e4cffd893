// Package commands provides the CLI commands for SourceCheck.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sourcecheck-ai/sourcecheck/internal/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:   "sourcecheck",
	Short: "SourceCheck - code analysis tool server",
	Long: `SourceCheck exposes static-analysis and formatting tools (flake8,
black, bandit) to editor clients over JSON-RPC 2.0, both as plain
request/response and over a persistent SSE stream.

Run 'sourcecheck serve' to start the server, or 'sourcecheck tools'
to list the registered tools.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env files are optional, matching the original deployment.
		_ = godotenv.Load()

		cfg := logging.DefaultConfig()
		cfg.Level = logging.ParseLevel(logLevel)
		cfg.Pretty = prettyLogs
		logging.Init(cfg)
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty-logs", false, "Human-readable console logs")

	rootCmd.SetVersionTemplate(fmt.Sprintf("sourcecheck %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir resolves the working directory flag, defaulting to the
// process's current directory.
func GetWorkDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return os.Getwd()
}
