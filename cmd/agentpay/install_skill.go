package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(installSkillCmd)
}

// installSkillCmd exists for CLI-contract completeness only. Installing a
// skill into a host agent runtime is explicitly out of scope (the broker
// delivers jobs to a work-performing collaborator, it does not provision
// one), so this command only names that delegation.
var installSkillCmd = &cobra.Command{
	Use:   "install-skill",
	Short: "Delegate skill installation to the host agent runtime (not implemented here)",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("install-skill: skill installation is handled by your agent runtime's own glue, not by agentpay.")
		fmt.Println("agentpay only delivers job payloads to a work collaborator and relays its answer.")
		return nil
	},
}
