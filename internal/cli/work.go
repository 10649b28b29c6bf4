package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workCmd = &cobra.Command{
	Use:   "work <issue-id>",
	Short: "Process a single issue once",
	Long: `Run one dispatch cycle for the given issue: resolve its policy and phase,
launch the phase agent, and apply the resulting transition. The worker loop
is not started; this is the manual, one-issue entry point.

Example:
  ashep work 142`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, "work")
		if err != nil {
			return err
		}
		defer eng.Close()

		issueID := args[0]
		if err := eng.ProcessIssue(cmd.Context(), issueID); err != nil {
			return fmt.Errorf("failed to process issue %s: %w", issueID, err)
		}
		fmt.Printf("Issue %s processed\n", issueID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workCmd)
}
