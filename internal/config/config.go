// Package config loads and validates the ashep engine configuration from
// config.yaml, with environment overrides applied through viper.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config represents the full ashep configuration.
type Config struct {
	Version             int                       `mapstructure:"version"`
	Worker              WorkerConfig              `mapstructure:"worker"`
	Monitor             MonitorConfig             `mapstructure:"monitor"`
	UI                  UIConfig                  `mapstructure:"ui"`
	Fallback            FallbackConfig            `mapstructure:"fallback"`
	Workflow            WorkflowConfig            `mapstructure:"workflow"`
	HITL                HITLConfig                `mapstructure:"hitl"`
	WorkerAssistant     WorkerAssistantConfig     `mapstructure:"worker_assistant"`
	LoopPrevention      LoopPreventionConfig      `mapstructure:"loop_prevention"`
	SessionContinuation SessionContinuationConfig `mapstructure:"session_continuation"`
	Cleanup             CleanupConfig             `mapstructure:"cleanup"`
	Retention           RetentionConfig           `mapstructure:"retention"`
	Tracker             TrackerConfig             `mapstructure:"tracker"`
	Agents              AgentGatewayConfig        `mapstructure:"agents"`
	Logging             LoggingConfig             `mapstructure:"logging"`
	Templates           map[string]TemplateConfig `mapstructure:"templates"`
}

// WorkerConfig controls the dispatch loop.
type WorkerConfig struct {
	PollIntervalMs    int `mapstructure:"poll_interval_ms"`
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
}

// MonitorConfig controls the supervisory loop.
type MonitorConfig struct {
	PollIntervalMs    int     `mapstructure:"poll_interval_ms"`
	StallThresholdMs  int64   `mapstructure:"stall_threshold_ms"`
	TimeoutMultiplier float64 `mapstructure:"timeout_multiplier"`
}

// UIConfig controls the inspection HTTP server.
type UIConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

// FallbackConfig names the agent used when capability selection finds nothing.
type FallbackConfig struct {
	Enabled      bool              `mapstructure:"enabled"`
	DefaultAgent string            `mapstructure:"default_agent"`
	Mappings     map[string]string `mapstructure:"mappings"`
}

// WorkflowConfig controls handling of unknown phase labels.
type WorkflowConfig struct {
	InvalidLabelStrategy string `mapstructure:"invalid_label_strategy"`
}

// HITLConfig configures human-in-the-loop reason validation.
type HITLConfig struct {
	AllowedReasons AllowedReasonsConfig `mapstructure:"allowed_reasons"`
}

// AllowedReasonsConfig is the HITL reason rule set.
type AllowedReasonsConfig struct {
	Predefined       []string `mapstructure:"predefined"`
	AllowCustom      bool     `mapstructure:"allow_custom"`
	CustomValidation string   `mapstructure:"custom_validation"`
}

// WorkerAssistantConfig configures the post-outcome assistant call.
type WorkerAssistantConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	AgentCapability string `mapstructure:"agent_capability"`
	TimeoutMs       int64  `mapstructure:"timeout_ms"`
	FallbackAction  string `mapstructure:"fallback_action"`
}

// LoopPreventionConfig carries the global visit/transition/cycle limits.
type LoopPreventionConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	MaxVisitsDefault      int  `mapstructure:"max_visits_default"`
	MaxTransitionsDefault int  `mapstructure:"max_transitions_default"`
	CycleDetectionLength  int  `mapstructure:"cycle_detection_length"`
}

// SessionContinuationConfig carries the token-window budget defaults.
type SessionContinuationConfig struct {
	DefaultMaxContextTokens int     `mapstructure:"default_max_context_tokens"`
	DefaultThreshold        float64 `mapstructure:"default_threshold"`
}

// CleanupConfig controls the retention/cleanup scheduler. ScheduleCron, when
// set, takes precedence over ScheduleIntervalHours.
type CleanupConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	RunOnStartup          bool   `mapstructure:"run_on_startup"`
	ScheduleIntervalHours int    `mapstructure:"schedule_interval_hours"`
	ScheduleCron          string `mapstructure:"schedule_cron"`
}

// RetentionConfig holds the named retention policies.
type RetentionConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Policies []RetentionPolicy `mapstructure:"policies"`
}

// RetentionPolicy decides what gets archived or deleted and when.
type RetentionPolicy struct {
	Name                 string `mapstructure:"name"`
	AgeDays              int    `mapstructure:"age_days"`
	MaxRuns              int    `mapstructure:"max_runs"`
	MaxSizeMB            int    `mapstructure:"max_size_mb"`
	ArchiveEnabled       bool   `mapstructure:"archive_enabled"`
	ArchiveAfterDays     int    `mapstructure:"archive_after_days"`
	DeleteAfterDays      int    `mapstructure:"delete_after_days"`
	KeepSuccessfulRuns   bool   `mapstructure:"keep_successful_runs"`
	KeepFailedRuns       bool   `mapstructure:"keep_failed_runs"`
	SizeWarningPercent   int    `mapstructure:"size_warning_percent"`
	SizeCriticalPercent  int    `mapstructure:"size_critical_percent"`
	SizeEmergencyPercent int    `mapstructure:"size_emergency_percent"`
}

// TrackerConfig configures the issue tracker gateway.
type TrackerConfig struct {
	Binary     string            `mapstructure:"binary"`
	Repository string            `mapstructure:"repository"`
	Auth       TrackerAuthConfig `mapstructure:"auth"`
}

// TrackerAuthConfig selects the tracker auth mode: a token taken from the
// environment, or an app-auth flow exchanging a signed JWT for a token.
type TrackerAuthConfig struct {
	TokenEnv string        `mapstructure:"token_env"`
	App      AppAuthConfig `mapstructure:"app"`
}

// AppAuthConfig carries GitHub-App-style credentials. The private key comes
// from a local file or from a Secret Manager path, never from config text.
type AppAuthConfig struct {
	AppID            int64  `mapstructure:"app_id"`
	InstallationID   int64  `mapstructure:"installation_id"`
	PrivateKeyFile   string `mapstructure:"private_key_file"`
	PrivateKeySecret string `mapstructure:"private_key_secret"`
}

// AgentGatewayConfig configures the agent subprocess gateway.
type AgentGatewayConfig struct {
	Binary string `mapstructure:"binary"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TemplateConfig is one decision prompt template, keyed by capability name.
type TemplateConfig struct {
	Name               string `mapstructure:"name"`
	Description        string `mapstructure:"description"`
	SystemPrompt       string `mapstructure:"system_prompt"`
	UserPromptTemplate string `mapstructure:"user_prompt_template"`
}

// Load unmarshals the configuration from the initialized viper instance and
// applies defaults. Callers run Validate separately so soft mode can decide
// what to do with the error.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Worker.PollIntervalMs == 0 {
		cfg.Worker.PollIntervalMs = 5000
	}
	if cfg.Worker.MaxConcurrentRuns == 0 {
		cfg.Worker.MaxConcurrentRuns = 3
	}
	if cfg.Monitor.PollIntervalMs == 0 {
		cfg.Monitor.PollIntervalMs = 10000
	}
	if cfg.Monitor.StallThresholdMs == 0 {
		cfg.Monitor.StallThresholdMs = 300000
	}
	if cfg.Monitor.TimeoutMultiplier == 0 {
		cfg.Monitor.TimeoutMultiplier = 1.5
	}
	if cfg.UI.Port == 0 {
		cfg.UI.Port = 8787
	}
	if cfg.UI.Host == "" {
		cfg.UI.Host = "127.0.0.1"
	}
	if cfg.Workflow.InvalidLabelStrategy == "" {
		cfg.Workflow.InvalidLabelStrategy = "error"
	}
	if len(cfg.HITL.AllowedReasons.Predefined) == 0 {
		cfg.HITL.AllowedReasons.Predefined = []string{
			"approval", "max-retries", "loop-detected", "no-agent", "assistant-block", "error",
		}
		cfg.HITL.AllowedReasons.AllowCustom = true
	}
	if cfg.HITL.AllowedReasons.CustomValidation == "" {
		cfg.HITL.AllowedReasons.CustomValidation = "alphanumeric-dash-underscore"
	}
	if cfg.WorkerAssistant.TimeoutMs == 0 {
		cfg.WorkerAssistant.TimeoutMs = 60000
	}
	if cfg.WorkerAssistant.FallbackAction == "" {
		cfg.WorkerAssistant.FallbackAction = "block"
	}
	if cfg.LoopPrevention.MaxVisitsDefault == 0 {
		cfg.LoopPrevention.MaxVisitsDefault = 5
	}
	if cfg.LoopPrevention.MaxTransitionsDefault == 0 {
		cfg.LoopPrevention.MaxTransitionsDefault = 3
	}
	if cfg.LoopPrevention.CycleDetectionLength == 0 {
		cfg.LoopPrevention.CycleDetectionLength = 6
	}
	if cfg.SessionContinuation.DefaultMaxContextTokens == 0 {
		cfg.SessionContinuation.DefaultMaxContextTokens = 130000
	}
	if cfg.SessionContinuation.DefaultThreshold == 0 {
		cfg.SessionContinuation.DefaultThreshold = 0.8
	}
	if cfg.Cleanup.ScheduleIntervalHours == 0 {
		cfg.Cleanup.ScheduleIntervalHours = 24
	}
	for i := range cfg.Retention.Policies {
		p := &cfg.Retention.Policies[i]
		if p.SizeWarningPercent == 0 {
			p.SizeWarningPercent = 70
		}
		if p.SizeCriticalPercent == 0 {
			p.SizeCriticalPercent = 85
		}
		if p.SizeEmergencyPercent == 0 {
			p.SizeEmergencyPercent = 95
		}
	}
	if cfg.Tracker.Binary == "" {
		cfg.Tracker.Binary = "gh"
	}
	if cfg.Tracker.Auth.TokenEnv == "" {
		cfg.Tracker.Auth.TokenEnv = "GH_TOKEN"
	}
	if cfg.Agents.Binary == "" {
		cfg.Agents.Binary = "opencode"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks enum fields and ranges. A non-nil error means the
// configuration cannot drive the engine; startup fails unless soft mode
// downgrades it to a warning.
func (c *Config) Validate() error {
	if c.Worker.PollIntervalMs < 100 {
		return fmt.Errorf("worker.poll_interval_ms must be at least 100, got %d", c.Worker.PollIntervalMs)
	}
	if c.Worker.MaxConcurrentRuns < 1 {
		return fmt.Errorf("worker.max_concurrent_runs must be at least 1, got %d", c.Worker.MaxConcurrentRuns)
	}
	if c.Monitor.PollIntervalMs < 100 {
		return fmt.Errorf("monitor.poll_interval_ms must be at least 100, got %d", c.Monitor.PollIntervalMs)
	}
	if c.Monitor.TimeoutMultiplier <= 0 {
		return fmt.Errorf("monitor.timeout_multiplier must be positive, got %v", c.Monitor.TimeoutMultiplier)
	}
	if c.UI.Port < 1 || c.UI.Port > 65535 {
		return fmt.Errorf("ui.port must be in 1..65535, got %d", c.UI.Port)
	}

	validStrategies := map[string]bool{"error": true, "warning": true, "ignore": true}
	if !validStrategies[c.Workflow.InvalidLabelStrategy] {
		return fmt.Errorf("invalid workflow.invalid_label_strategy: %s (must be error, warning, or ignore)",
			c.Workflow.InvalidLabelStrategy)
	}

	validValidation := map[string]bool{"none": true, "alphanumeric": true, "alphanumeric-dash-underscore": true}
	if !validValidation[c.HITL.AllowedReasons.CustomValidation] {
		return fmt.Errorf("invalid hitl.allowed_reasons.custom_validation: %s", c.HITL.AllowedReasons.CustomValidation)
	}

	validActions := map[string]bool{"advance": true, "retry": true, "block": true}
	if !validActions[c.WorkerAssistant.FallbackAction] {
		return fmt.Errorf("invalid worker_assistant.fallback_action: %s (must be advance, retry, or block)",
			c.WorkerAssistant.FallbackAction)
	}
	if c.WorkerAssistant.Enabled && c.WorkerAssistant.AgentCapability == "" {
		return fmt.Errorf("worker_assistant.agent_capability is required when worker_assistant.enabled")
	}

	if c.SessionContinuation.DefaultThreshold <= 0 || c.SessionContinuation.DefaultThreshold > 1 {
		return fmt.Errorf("session_continuation.default_threshold must be in (0,1], got %v",
			c.SessionContinuation.DefaultThreshold)
	}
	if c.SessionContinuation.DefaultMaxContextTokens < 1 {
		return fmt.Errorf("session_continuation.default_max_context_tokens must be positive, got %d",
			c.SessionContinuation.DefaultMaxContextTokens)
	}

	if c.LoopPrevention.Enabled {
		if c.LoopPrevention.MaxVisitsDefault < 1 {
			return fmt.Errorf("loop_prevention.max_visits_default must be at least 1")
		}
		if c.LoopPrevention.MaxTransitionsDefault < 1 {
			return fmt.Errorf("loop_prevention.max_transitions_default must be at least 1")
		}
		if c.LoopPrevention.CycleDetectionLength < 2 {
			return fmt.Errorf("loop_prevention.cycle_detection_length must be at least 2")
		}
	}

	if c.Cleanup.Enabled && c.Cleanup.ScheduleCron == "" && c.Cleanup.ScheduleIntervalHours < 1 {
		return fmt.Errorf("cleanup.schedule_interval_hours must be at least 1 when no schedule_cron is set")
	}

	seen := map[string]bool{}
	for _, p := range c.Retention.Policies {
		if p.Name == "" {
			return fmt.Errorf("retention policy with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate retention policy name: %s", p.Name)
		}
		seen[p.Name] = true
		if p.SizeWarningPercent >= p.SizeCriticalPercent || p.SizeCriticalPercent >= p.SizeEmergencyPercent {
			return fmt.Errorf("retention policy %s: size thresholds must be warning < critical < emergency", p.Name)
		}
	}

	if c.Tracker.Repository == "" {
		return fmt.Errorf("tracker.repository is required")
	}
	app := c.Tracker.Auth.App
	if app.AppID != 0 {
		if app.InstallationID == 0 {
			return fmt.Errorf("tracker.auth.app.installation_id is required with app_id")
		}
		if app.PrivateKeyFile == "" && app.PrivateKeySecret == "" {
			return fmt.Errorf("tracker.auth.app requires private_key_file or private_key_secret")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warning": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be text or json)", c.Logging.Format)
	}

	for name, tpl := range c.Templates {
		if tpl.UserPromptTemplate == "" {
			return fmt.Errorf("template %s: user_prompt_template is required", name)
		}
	}

	return nil
}
