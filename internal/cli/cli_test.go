package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/ashep-ai/ashep/internal/policy"
)

func setHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	prev := homeDir
	homeDir = home
	t.Cleanup(func() { homeDir = prev })
	return home
}

func initCommand(t *testing.T, force bool) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.Flags().Bool("force", false, "")
	if force {
		if err := cmd.Flags().Set("force", "true"); err != nil {
			t.Fatalf("set force: %v", err)
		}
	}
	return cmd
}

func TestRunInitCreatesStarterFiles(t *testing.T) {
	home := setHome(t)
	if err := runInit(initCommand(t, false), nil); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	for _, name := range []string{"config.yaml", "policies.yaml", "agents.yaml"} {
		if _, err := os.Stat(filepath.Join(home, "config", name)); err != nil {
			t.Errorf("missing config/%s after init: %v", name, err)
		}
	}
	for _, dir := range []string{"data", filepath.Join("data", "archive"), filepath.Join("data", "messages_archive")} {
		if fi, err := os.Stat(filepath.Join(home, dir)); err != nil || !fi.IsDir() {
			t.Errorf("missing %s/ after init: %v", dir, err)
		}
	}
}

func TestRunInitKeepsExistingWithoutForce(t *testing.T) {
	home := setHome(t)
	path := filepath.Join(home, "config", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(path, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	if err := runInit(initCommand(t, false), nil); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if string(data) != "version: 1\n" {
		t.Error("init overwrote an existing config without --force")
	}

	if err := runInit(initCommand(t, true), nil); err != nil {
		t.Fatalf("runInit --force: %v", err)
	}
	data, _ = os.ReadFile(path)
	if string(data) == "version: 1\n" {
		t.Error("init --force kept the old config")
	}
}

func TestStarterPoliciesParse(t *testing.T) {
	file, err := policy.Parse([]byte(starterPolicies))
	if err != nil {
		t.Fatalf("starter policies do not parse: %v", err)
	}
	if file.DefaultPolicy != "standard" {
		t.Errorf("default policy = %q, want standard", file.DefaultPolicy)
	}
	pol, ok := file.Policies["standard"]
	if !ok || len(pol.Phases) != 3 {
		t.Fatalf("standard policy = %+v, want 3 phases", pol)
	}
	if pol.Retry.MaxAttempts != 3 || pol.Retry.Backoff != "exponential" {
		t.Errorf("retry = %+v, want 3 exponential attempts", pol.Retry)
	}
}

func TestResolvePathsPrecedence(t *testing.T) {
	prev := homeDir
	t.Cleanup(func() { homeDir = prev })

	homeDir = "/from/flag"
	t.Setenv("ASHEP_HOME", "/from/env")
	paths, err := resolvePaths()
	if err != nil {
		t.Fatalf("resolvePaths: %v", err)
	}
	if paths.Home != "/from/flag" {
		t.Errorf("home = %q, want the --home flag value", paths.Home)
	}

	homeDir = ""
	paths, err = resolvePaths()
	if err != nil {
		t.Fatalf("resolvePaths: %v", err)
	}
	if paths.Home != "/from/env" {
		t.Errorf("home = %q, want ASHEP_HOME", paths.Home)
	}

	t.Setenv("ASHEP_HOME", "")
	paths, err = resolvePaths()
	if err != nil {
		t.Fatalf("resolvePaths: %v", err)
	}
	if filepath.Base(paths.Home) != ".ashep" {
		t.Errorf("home = %q, want a ~/.ashep default", paths.Home)
	}
	if paths.ConfigDir != filepath.Join(paths.Home, "config") {
		t.Errorf("config dir = %q, want %q", paths.ConfigDir, filepath.Join(paths.Home, "config"))
	}
}
