package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/choonkeat/termbridge/internal/agent"
)

func newAgentsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "Print the agent table in agents-file format",
		Long: `Print every agent a pane can run, including entries added by the agents
file. The output can be used as a starting point for an agents file.

The "shell" agent is built in and always runs $SHELL without arguments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := a.cfg.AgentTable()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(struct {
				Agents []agent.Agent `yaml:"agents"`
			}{table.Agents()})
		},
	}
}
