package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sourcecheck-ai/sourcecheck/internal/config"
	"github.com/sourcecheck-ai/sourcecheck/internal/tool"
)

var toolsDir string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the registered analysis tools",
	RunE:  runTools,
}

func init() {
	toolsCmd.Flags().StringVar(&toolsDir, "directory", "", "Working directory")
}

func runTools(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(toolsDir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	tools := tool.DefaultRegistry(nil, runnerConfig(cfg))
	for _, desc := range tools.Descriptors() {
		fmt.Printf("%s (%s)\n", desc.Name, desc.Version)
		fmt.Printf("  %s\n", desc.Description)
		fmt.Printf("  capabilities: %s\n", strings.Join(desc.Capabilities, ", "))
	}
	return nil
}
