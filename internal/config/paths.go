package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves the on-disk layout under the ashep home directory.
type Paths struct {
	Home       string
	ConfigDir  string
	DataDir    string
	ArchiveDir string
	// MessagesArchiveDir holds per-issue archived phase message logs.
	MessagesArchiveDir string
}

// ResolvePaths builds the path layout rooted at home. An empty home falls
// back to ASHEP_HOME, then to ~/.ashep.
func ResolvePaths(home string) (Paths, error) {
	if home == "" {
		home = os.Getenv("ASHEP_HOME")
	}
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".ashep")
	}
	return Paths{
		Home:               home,
		ConfigDir:          filepath.Join(home, "config"),
		DataDir:            filepath.Join(home, "data"),
		ArchiveDir:         filepath.Join(home, "data", "archive"),
		MessagesArchiveDir: filepath.Join(home, "data", "messages_archive"),
	}, nil
}

// EnsureDirs creates the directory layout if missing.
func (p Paths) EnsureDirs() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.ArchiveDir, p.MessagesArchiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the path to config.yaml.
func (p Paths) ConfigFile() string { return filepath.Join(p.ConfigDir, "config.yaml") }

// PoliciesFile returns the path to policies.yaml.
func (p Paths) PoliciesFile() string { return filepath.Join(p.ConfigDir, "policies.yaml") }

// AgentsFile returns the path to agents.yaml.
func (p Paths) AgentsFile() string { return filepath.Join(p.ConfigDir, "agents.yaml") }

// RunDB returns the path to the active run index database.
func (p Paths) RunDB() string { return filepath.Join(p.DataDir, "runs.db") }

// RunsLog returns the path to the append-only run event log.
func (p Paths) RunsLog() string { return filepath.Join(p.DataDir, "runs.jsonl") }

// DecisionsLog returns the path to the append-only decision log.
func (p Paths) DecisionsLog() string { return filepath.Join(p.DataDir, "decisions.jsonl") }

// ArchiveDB returns the path to the archive database.
func (p Paths) ArchiveDB() string { return filepath.Join(p.ArchiveDir, "archive.db") }
