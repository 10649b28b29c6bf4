package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ashep-ai/ashep/internal/engine"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the full orchestrator: worker, monitor, cleanup, and UI",
	Long: `Run the orchestrator loops in one process: the worker polls the tracker
and dispatches ready issues, the monitor supervises live runs, the cleanup
engine enforces retention, and the inspection API serves on the configured
address. Stops gracefully on SIGINT/SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, "worker")
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.Run(cmd.Context(), engine.Options{
			Worker:  true,
			Monitor: true,
			Cleanup: true,
			UI:      true,
		})
	},
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the monitor loop alone",
	Long: `Run only the monitor: resume interrupted runs, then watch live runs for
stalls and wall-clock timeouts. Useful next to a worker running elsewhere
against the same home directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, "monitor")
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.Run(cmd.Context(), engine.Options{Monitor: true})
	},
}

var uiCmd = &cobra.Command{
	Use:   "ui",
	Short: "Serve the read-only inspection API",
	Long: `Serve the inspection API over the run log: recent runs, policies, phase
definitions, decision history, health, and Prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(cmd, "ui")
		if err != nil {
			return err
		}
		defer eng.Close()
		return eng.Run(cmd.Context(), engine.Options{UI: true})
	},
}

func init() {
	uiCmd.Flags().Int("port", 0, "listen port (overrides ui.port)")
	uiCmd.Flags().String("host", "", "listen host (overrides ui.host)")
	_ = viper.BindPFlag("ui.port", uiCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("ui.host", uiCmd.Flags().Lookup("host"))

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(uiCmd)
}
