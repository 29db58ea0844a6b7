package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"conductor/internal/config"
	pkgstrings "conductor/pkg/strings"
)

// newListCmd creates the command that renders the configured plugins and
// automation rules as tables.
func newListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured plugins and automation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = config.GetDefaultConfigPathOrPanic()
			}
			out := cmd.OutOrStdout()

			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			rules, err := config.LoadRules(configPath)
			if err != nil {
				return err
			}

			plugins := table.NewWriter()
			plugins.SetOutputMirror(out)
			plugins.SetStyle(table.StyleLight)
			plugins.AppendHeader(table.Row{"Plugin", "Version", "Instances", "Depends On"})
			for _, plugin := range cfg.Plugins {
				plugins.AppendRow(table.Row{
					plugin.ID,
					orDash(plugin.Version),
					len(plugin.InstanceIDs()),
					orDash(strings.Join(plugin.DependsOn, ", ")),
				})
			}
			fmt.Fprintf(out, "Plugins (%d):\n", len(cfg.Plugins))
			plugins.Render()

			rulesTable := table.NewWriter()
			rulesTable.SetOutputMirror(out)
			rulesTable.SetStyle(table.StyleLight)
			rulesTable.AppendHeader(table.Row{"Rule", "Description", "Enabled", "Triggers", "Actions", "Scope"})
			for _, rule := range rules {
				scope := string(rule.Scope.Kind)
				if rule.Scope.Target != "" {
					scope = fmt.Sprintf("%s:%s", rule.Scope.Kind, rule.Scope.Target)
				}
				description := rule.Description
				if description == "" {
					description = rule.Name
				}
				rulesTable.AppendRow(table.Row{
					rule.ID,
					pkgstrings.TruncateDescription(description, pkgstrings.DefaultDescriptionMaxLen),
					rule.Enabled,
					len(rule.Triggers),
					len(rule.Actions),
					orDash(scope),
				})
			}
			fmt.Fprintf(out, "\nAutomation rules (%d):\n", len(rules))
			rulesTable.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config-path", "", "Configuration directory (default ~/.config/conductor)")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
