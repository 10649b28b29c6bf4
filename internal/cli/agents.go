package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashep-ai/ashep/internal/agent/opencode"
	"github.com/ashep-ai/ashep/internal/registry"
)

var syncAgentsCmd = &cobra.Command{
	Use:   "sync-agents",
	Short: "Sync the agent catalogue with the agent gateway",
	Long: `Ask the agent gateway which agents it knows and reconcile agents.yaml:
new ids are added inactive (assign capabilities before activating them),
ids the gateway no longer reports are deactivated. Existing configuration
is never erased.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg, "sync-agents")
		paths, err := resolvePaths()
		if err != nil {
			return err
		}

		reg := registry.New(cfg.Fallback, logger)
		if err := reg.LoadAgents(paths.AgentsFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}

		gw := opencode.New(cfg.Agents.Binary, opencode.WithLogger(logger))
		result, err := reg.SyncWithOpenCode(cmd.Context(), gw)
		if err != nil {
			return err
		}
		if err := reg.SaveAgents(paths.AgentsFile()); err != nil {
			return err
		}

		fmt.Printf("Synced %s: %d added, %d reactivated, %d deactivated\n",
			paths.AgentsFile(), result.Added, result.Updated, result.Removed)
		if result.Added > 0 {
			fmt.Println("New agents start inactive with no capabilities; edit agents.yaml to enable them.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncAgentsCmd)
}
