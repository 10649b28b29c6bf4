package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the ashep home directory",
	Long: `Create the ashep home directory layout (config/ and data/) with starter
configuration: config.yaml, policies.yaml with a default policy, and
agents.yaml with a commented example entry.

Example:
  ashep init
  ashep init --home /srv/ashep --force`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

const starterConfig = `# Ashep configuration.
version: 1

tracker:
  binary: gh
  repository: ""        # owner/repo, required
  auth:
    token_env: GH_TOKEN

agents:
  binary: opencode

worker:
  poll_interval_ms: 5000
  max_concurrent_runs: 3

workflow:
  invalid_label_strategy: error

monitor:
  poll_interval_ms: 10000
  stall_threshold_ms: 300000
  timeout_multiplier: 1.5

ui:
  host: 127.0.0.1
  port: 8787

logging:
  level: info
  format: text
`

const starterPolicies = `# Ashep policies. Each policy is an ordered phase sequence; phases name the
# capabilities the assigned agent must provide.
default_policy: standard

policies:
  standard:
    description: Plan, build, verify
    retry:
      max_attempts: 3
      backoff: exponential
      initial_delay_ms: 30000
    phases:
      - name: plan
        capabilities: [plan]
      - name: build
        capabilities: [code]
      - name: verify
        capabilities: [test]
`

const starterAgents = `# Ashep agent catalogue. IDs must match what the agent gateway reports;
# run 'ashep sync-agents' to pull them in.
agents: []

# Example:
# agents:
#   - id: build-primary
#     name: Primary coding agent
#     capabilities: [plan, code, test]
#     priority: 10
#     active: true
`

func runInit(cmd *cobra.Command, args []string) error {
	paths, err := resolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}

	force, _ := cmd.Flags().GetBool("force")
	files := []struct {
		path    string
		content string
	}{
		{paths.ConfigFile(), starterConfig},
		{paths.PoliciesFile(), starterPolicies},
		{paths.AgentsFile(), starterAgents},
	}
	for _, f := range files {
		path := f.path
		if _, err := os.Stat(path); err == nil && !force {
			fmt.Printf("Kept existing %s\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Printf("Created %s\n", path)
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Set tracker.repository in config.yaml")
	fmt.Println("  2. Export GH_TOKEN (or configure app auth)")
	fmt.Println("  3. Run 'ashep sync-agents' to discover agents")
	fmt.Println("  4. Run 'ashep worker' to start orchestrating")
	return nil
}
