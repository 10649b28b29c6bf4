package config

import (
	"os"
	"path/filepath"
	"testing"
)

func validConfig() Config {
	cfg := Config{
		Tracker: TrackerConfig{Repository: "org/repo"},
	}
	applyDefaults(&cfg)
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "missing repository",
			mutate: func(c *Config) {
				c.Tracker.Repository = ""
			},
			wantErr: true,
			errMsg:  "tracker.repository is required",
		},
		{
			name: "invalid label strategy",
			mutate: func(c *Config) {
				c.Workflow.InvalidLabelStrategy = "explode"
			},
			wantErr: true,
			errMsg:  "invalid workflow.invalid_label_strategy",
		},
		{
			name: "invalid custom validation mode",
			mutate: func(c *Config) {
				c.HITL.AllowedReasons.CustomValidation = "regex"
			},
			wantErr: true,
			errMsg:  "custom_validation",
		},
		{
			name: "invalid assistant fallback action",
			mutate: func(c *Config) {
				c.WorkerAssistant.FallbackAction = "panic"
			},
			wantErr: true,
			errMsg:  "invalid worker_assistant.fallback_action",
		},
		{
			name: "assistant enabled without capability",
			mutate: func(c *Config) {
				c.WorkerAssistant.Enabled = true
				c.WorkerAssistant.AgentCapability = ""
			},
			wantErr: true,
			errMsg:  "worker_assistant.agent_capability is required",
		},
		{
			name: "threshold above one",
			mutate: func(c *Config) {
				c.SessionContinuation.DefaultThreshold = 1.2
			},
			wantErr: true,
			errMsg:  "default_threshold",
		},
		{
			name: "negative concurrent runs",
			mutate: func(c *Config) {
				c.Worker.MaxConcurrentRuns = -1
			},
			wantErr: true,
			errMsg:  "max_concurrent_runs",
		},
		{
			name: "cycle length too short",
			mutate: func(c *Config) {
				c.LoopPrevention.Enabled = true
				c.LoopPrevention.CycleDetectionLength = 1
			},
			wantErr: true,
			errMsg:  "cycle_detection_length",
		},
		{
			name: "app auth missing installation id",
			mutate: func(c *Config) {
				c.Tracker.Auth.App = AppAuthConfig{AppID: 123456, PrivateKeyFile: "key.pem"}
			},
			wantErr: true,
			errMsg:  "installation_id is required",
		},
		{
			name: "app auth missing key source",
			mutate: func(c *Config) {
				c.Tracker.Auth.App = AppAuthConfig{AppID: 123456, InstallationID: 789012}
			},
			wantErr: true,
			errMsg:  "private_key_file or private_key_secret",
		},
		{
			name: "app auth with secret path",
			mutate: func(c *Config) {
				c.Tracker.Auth.App = AppAuthConfig{
					AppID:            123456,
					InstallationID:   789012,
					PrivateKeySecret: "projects/test/secrets/key",
				}
			},
			wantErr: false,
		},
		{
			name: "duplicate retention policy names",
			mutate: func(c *Config) {
				c.Retention.Policies = []RetentionPolicy{
					{Name: "default", SizeWarningPercent: 70, SizeCriticalPercent: 85, SizeEmergencyPercent: 95},
					{Name: "default", SizeWarningPercent: 70, SizeCriticalPercent: 85, SizeEmergencyPercent: 95},
				}
			},
			wantErr: true,
			errMsg:  "duplicate retention policy name",
		},
		{
			name: "size thresholds out of order",
			mutate: func(c *Config) {
				c.Retention.Policies = []RetentionPolicy{
					{Name: "default", SizeWarningPercent: 90, SizeCriticalPercent: 85, SizeEmergencyPercent: 95},
				}
			},
			wantErr: true,
			errMsg:  "warning < critical < emergency",
		},
		{
			name: "invalid logging format",
			mutate: func(c *Config) {
				c.Logging.Format = "xml"
			},
			wantErr: true,
			errMsg:  "invalid logging.format",
		},
		{
			name: "template without user prompt",
			mutate: func(c *Config) {
				c.Templates = map[string]TemplateConfig{
					"transition-decision": {Name: "transition-decision", SystemPrompt: "x"},
				}
			},
			wantErr: true,
			errMsg:  "user_prompt_template is required",
		},
		{
			name: "cleanup cron overrides missing interval",
			mutate: func(c *Config) {
				c.Cleanup.Enabled = true
				c.Cleanup.ScheduleIntervalHours = -1
				c.Cleanup.ScheduleCron = "0 3 * * *"
			},
			wantErr: false,
		},
		{
			name: "cleanup enabled without schedule",
			mutate: func(c *Config) {
				c.Cleanup.Enabled = true
				c.Cleanup.ScheduleIntervalHours = -1
			},
			wantErr: true,
			errMsg:  "schedule_interval_hours",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() expected error containing %q, got nil", tt.errMsg)
					return
				}
				if tt.errMsg != "" && !containsString(err.Error(), tt.errMsg) {
					t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.errMsg)
				}
			} else {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	applyDefaults(&cfg)

	if cfg.Worker.PollIntervalMs != 5000 {
		t.Errorf("Worker.PollIntervalMs = %d, want 5000", cfg.Worker.PollIntervalMs)
	}
	if cfg.Worker.MaxConcurrentRuns != 3 {
		t.Errorf("Worker.MaxConcurrentRuns = %d, want 3", cfg.Worker.MaxConcurrentRuns)
	}
	if cfg.Monitor.TimeoutMultiplier != 1.5 {
		t.Errorf("Monitor.TimeoutMultiplier = %v, want 1.5", cfg.Monitor.TimeoutMultiplier)
	}
	if cfg.SessionContinuation.DefaultMaxContextTokens != 130000 {
		t.Errorf("DefaultMaxContextTokens = %d, want 130000", cfg.SessionContinuation.DefaultMaxContextTokens)
	}
	if cfg.SessionContinuation.DefaultThreshold != 0.8 {
		t.Errorf("DefaultThreshold = %v, want 0.8", cfg.SessionContinuation.DefaultThreshold)
	}
	if cfg.LoopPrevention.CycleDetectionLength != 6 {
		t.Errorf("CycleDetectionLength = %d, want 6", cfg.LoopPrevention.CycleDetectionLength)
	}
	if cfg.Tracker.Binary != "gh" {
		t.Errorf("Tracker.Binary = %q, want gh", cfg.Tracker.Binary)
	}
	if cfg.Agents.Binary != "opencode" {
		t.Errorf("Agents.Binary = %q, want opencode", cfg.Agents.Binary)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("Logging defaults = %q/%q, want info/text", cfg.Logging.Level, cfg.Logging.Format)
	}
	if len(cfg.HITL.AllowedReasons.Predefined) == 0 {
		t.Error("expected predefined HITL reasons to be populated")
	}
	if !cfg.HITL.AllowedReasons.AllowCustom {
		t.Error("expected AllowCustom default true when predefined list is defaulted")
	}
}

func TestApplyDefaults_DoesNotOverride(t *testing.T) {
	cfg := Config{
		Worker:  WorkerConfig{PollIntervalMs: 1000, MaxConcurrentRuns: 8},
		Tracker: TrackerConfig{Binary: "tk"},
		Logging: LoggingConfig{Level: "debug", Format: "json"},
	}
	applyDefaults(&cfg)

	if cfg.Worker.PollIntervalMs != 1000 {
		t.Errorf("Worker.PollIntervalMs = %d, want 1000", cfg.Worker.PollIntervalMs)
	}
	if cfg.Worker.MaxConcurrentRuns != 8 {
		t.Errorf("Worker.MaxConcurrentRuns = %d, want 8", cfg.Worker.MaxConcurrentRuns)
	}
	if cfg.Tracker.Binary != "tk" {
		t.Errorf("Tracker.Binary = %q, want tk", cfg.Tracker.Binary)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %q/%q, want debug/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestApplyDefaults_RetentionPolicyThresholds(t *testing.T) {
	cfg := Config{
		Retention: RetentionConfig{
			Policies: []RetentionPolicy{{Name: "default"}},
		},
	}
	applyDefaults(&cfg)

	p := cfg.Retention.Policies[0]
	if p.SizeWarningPercent != 70 || p.SizeCriticalPercent != 85 || p.SizeEmergencyPercent != 95 {
		t.Errorf("size thresholds = %d/%d/%d, want 70/85/95",
			p.SizeWarningPercent, p.SizeCriticalPercent, p.SizeEmergencyPercent)
	}
}

func TestResolvePaths(t *testing.T) {
	home := t.TempDir()
	paths, err := ResolvePaths(home)
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}

	if paths.Home != home {
		t.Errorf("Home = %q, want %q", paths.Home, home)
	}
	if paths.ConfigDir != filepath.Join(home, "config") {
		t.Errorf("ConfigDir = %q", paths.ConfigDir)
	}
	if paths.RunDB() != filepath.Join(home, "data", "runs.db") {
		t.Errorf("RunDB() = %q", paths.RunDB())
	}
	if paths.ArchiveDB() != filepath.Join(home, "data", "archive", "archive.db") {
		t.Errorf("ArchiveDB() = %q", paths.ArchiveDB())
	}
	if paths.MessagesArchiveDir != filepath.Join(home, "data", "messages_archive") {
		t.Errorf("MessagesArchiveDir = %q", paths.MessagesArchiveDir)
	}

	if err := paths.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs() error: %v", err)
	}
	for _, dir := range []string{paths.ConfigDir, paths.DataDir, paths.ArchiveDir, paths.MessagesArchiveDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Errorf("expected directory %s: %v", dir, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("%s is not a directory", dir)
		}
	}
}

func TestResolvePaths_EnvFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("ASHEP_HOME", home)

	paths, err := ResolvePaths("")
	if err != nil {
		t.Fatalf("ResolvePaths() error: %v", err)
	}
	if paths.Home != home {
		t.Errorf("Home = %q, want %q from ASHEP_HOME", paths.Home, home)
	}
}

func containsString(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		(len(s) > 0 && len(substr) > 0 && findSubstring(s, substr)))
}

func findSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
