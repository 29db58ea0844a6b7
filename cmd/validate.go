package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"conductor/internal/config"
)

// newValidateCmd creates the command that checks a configuration directory
// without starting anything.
func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and automation rule files",
		Long: `Loads config.yaml and every rule file under rules/ from the
configuration directory and reports the first problem found. Exits
non-zero when anything is invalid.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.GetDefaultConfigPathOrPanic()
			}
			out := cmd.OutOrStdout()

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("config.yaml: %w", err)
			}
			fmt.Fprintf(out, "%s config.yaml (%d plugin(s))\n",
				text.FgGreen.Sprint("✓"), len(cfg.Plugins))

			rules, err := config.LoadRules(configPath)
			if err != nil {
				return fmt.Errorf("rules: %w", err)
			}
			fmt.Fprintf(out, "%s rules (%d rule(s))\n",
				text.FgGreen.Sprint("✓"), len(rules))

			fmt.Fprintf(out, "%s\n", text.FgGreen.Sprint("Configuration is valid"))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/conductor)")
	return cmd
}
