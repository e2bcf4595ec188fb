package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkoster/foreman/internal/plan"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan file without applying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	subtasks := 0
	for _, t := range p.Tasks {
		subtasks += len(t.Subtasks)
	}
	fmt.Printf("plan %q is valid: %d tasks, %d subtasks\n", p.Name, len(p.Tasks), subtasks)
	return nil
}
