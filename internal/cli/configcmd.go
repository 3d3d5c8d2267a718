package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rtreit/stockripperv2/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  "Print the configuration after defaults, the config file and AGENT_* environment overrides are applied.",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out, err := config.Render(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
