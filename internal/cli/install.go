package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Check prerequisites and set up the home directory",
	Long: `Verify the external binaries ashep shells out to (the tracker CLI and the
agent gateway) are on PATH, then initialize the home directory like 'init'.
Exits 1 when a required binary is missing.`,
	Args: cobra.NoArgs,
	RunE: runInstall,
}

func init() {
	installCmd.Flags().Bool("force", false, "overwrite existing files")
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	// Config may not exist yet; fall back to the stock binary names.
	trackerBin, agentBin := "gh", "opencode"
	if cfg, err := loadConfig(); err == nil {
		if cfg.Tracker.Binary != "" {
			trackerBin = cfg.Tracker.Binary
		}
		if cfg.Agents.Binary != "" {
			agentBin = cfg.Agents.Binary
		}
	}

	missing := 0
	for _, bin := range []string{trackerBin, agentBin} {
		path, err := exec.LookPath(bin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "  missing: %s (not found on PATH)\n", bin)
			missing++
			continue
		}
		fmt.Printf("  found: %s (%s)\n", bin, path)
	}
	if missing > 0 {
		return fmt.Errorf("missing %d required binaries", missing)
	}

	if err := runInit(cmd, args); err != nil {
		return err
	}
	fmt.Println("\nInstall complete.")
	return nil
}
