package validator

import (
	"testing"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/registry"
)

func newRegistry(t *testing.T, agents ...registry.Agent) *registry.Registry {
	t.Helper()
	reg := registry.New(config.FallbackConfig{}, nil)
	if err := reg.ReplaceAll(agents); err != nil {
		t.Fatalf("replace agents: %v", err)
	}
	return reg
}

func linearPolicy(name string, phases ...policy.PhaseConfig) *policy.File {
	return &policy.File{
		DefaultPolicy: name,
		Policies:      map[string]*policy.Policy{name: {Name: name, Phases: phases}},
	}
}

func TestValidateResolvesCapabilities(t *testing.T) {
	reg := newRegistry(t,
		registry.Agent{ID: "coder", Capabilities: []string{"code", "test"}, Active: true},
		registry.Agent{ID: "retired", Capabilities: []string{"review"}, Active: false},
	)
	v := New(reg, config.FallbackConfig{})

	policies := linearPolicy("default",
		policy.PhaseConfig{Name: "implement", Capabilities: []string{"code"}},
		policy.PhaseConfig{Name: "verify", Capabilities: []string{"test"}},
	)

	report, err := v.Validate(policies, false)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.Valid {
		t.Errorf("report invalid: %+v", report.Findings)
	}
	if report.Summary.CapabilitiesChecked != 2 {
		t.Errorf("capabilities checked = %d, want 2", report.Summary.CapabilitiesChecked)
	}
	if report.Summary.ActiveAgents != 1 || report.Summary.InactiveAgents != 1 {
		t.Errorf("agent counts = %d/%d, want 1/1",
			report.Summary.ActiveAgents, report.Summary.InactiveAgents)
	}
	// The inactive agent is a warning, never a validation failure.
	found := false
	for _, f := range report.Findings {
		if f.Kind == KindInactiveAgent && f.AgentID == "retired" && f.Severity == SeverityWarning {
			found = true
		}
	}
	if !found {
		t.Errorf("expected inactive-agent warning, got %+v", report.Findings)
	}
}

func TestValidateDeadEndCapability(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "coder", Capabilities: []string{"code"}, Active: true})
	v := New(reg, config.FallbackConfig{})

	policies := linearPolicy("default",
		policy.PhaseConfig{Name: "review", Capabilities: []string{"review"}},
	)

	report, err := v.Validate(policies, false)
	if err == nil {
		t.Fatal("expected validation error for dead-end capability")
	}
	if report.Valid || report.Summary.DeadEnds != 1 {
		t.Errorf("report = valid=%v deadEnds=%d, want invalid with 1 dead end",
			report.Valid, report.Summary.DeadEnds)
	}
	errs := report.Errors()
	if len(errs) != 1 || errs[0].Kind != KindDeadEndCapability || errs[0].Capability != "review" {
		t.Errorf("findings = %+v", errs)
	}
}

func TestValidateSoftModeReturnsNoError(t *testing.T) {
	reg := newRegistry(t)
	v := New(reg, config.FallbackConfig{})
	policies := linearPolicy("default",
		policy.PhaseConfig{Name: "review", Capabilities: []string{"review"}},
	)

	report, err := v.Validate(policies, true)
	if err != nil {
		t.Fatalf("soft mode should not error: %v", err)
	}
	if report.Valid {
		t.Error("report should still be marked invalid in soft mode")
	}
}

func TestValidateFallbackResolvesDeadEnd(t *testing.T) {
	reg := func(fb config.FallbackConfig) *Validator {
		r := registry.New(fb, nil)
		_ = r.ReplaceAll([]registry.Agent{
			{ID: "generalist", Capabilities: []string{"anything"}, Active: true},
			{ID: "specialist", Capabilities: []string{"niche"}, Active: false},
		})
		return New(r, fb)
	}
	policies := linearPolicy("default",
		policy.PhaseConfig{Name: "special", Capabilities: []string{"special"}},
	)

	tests := []struct {
		name      string
		fallback  config.FallbackConfig
		wantValid bool
	}{
		{
			name:      "fallback disabled",
			fallback:  config.FallbackConfig{DefaultAgent: "generalist"},
			wantValid: false,
		},
		{
			name:      "default agent covers",
			fallback:  config.FallbackConfig{Enabled: true, DefaultAgent: "generalist"},
			wantValid: true,
		},
		{
			name: "mapping to active agent covers",
			fallback: config.FallbackConfig{
				Enabled:  true,
				Mappings: map[string]string{"special": "generalist"},
			},
			wantValid: true,
		},
		{
			name: "mapping to inactive agent does not cover",
			fallback: config.FallbackConfig{
				Enabled:  true,
				Mappings: map[string]string{"special": "specialist"},
			},
			wantValid: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, _ := reg(tt.fallback).Validate(policies, true)
			if report.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v (findings %+v)", report.Valid, tt.wantValid, report.Findings)
			}
		})
	}
}

func TestValidateDynamicDestinations(t *testing.T) {
	reg := newRegistry(t,
		registry.Agent{ID: "coder", Capabilities: []string{"code", "decide"}, Active: true},
	)
	v := New(reg, config.FallbackConfig{})

	policies := linearPolicy("default",
		policy.PhaseConfig{Name: "implement", Capabilities: []string{"code"}},
		policy.PhaseConfig{
			Name:         "triage",
			Capabilities: []string{"code"},
			DynamicDecision: &policy.DynamicDecisionConfig{
				Enabled:             true,
				Capability:          "decide",
				AllowedDestinations: []string{"implement", "nowhere"},
			},
		},
	)

	report, err := v.Validate(policies, false)
	if err == nil {
		t.Fatal("expected error for unknown dynamic destination")
	}
	errs := report.Errors()
	if len(errs) != 1 || errs[0].Kind != KindUnknownDestination {
		t.Errorf("findings = %+v, want one unknown_destination", errs)
	}
}

func TestValidateDuplicatePhase(t *testing.T) {
	reg := newRegistry(t, registry.Agent{ID: "coder", Capabilities: []string{"code"}, Active: true})
	v := New(reg, config.FallbackConfig{})

	policies := linearPolicy("default",
		policy.PhaseConfig{Name: "implement", Capabilities: []string{"code"}},
		policy.PhaseConfig{Name: "implement", Capabilities: []string{"code"}},
	)

	report, _ := v.Validate(policies, true)
	errs := report.Errors()
	if len(errs) != 1 || errs[0].Kind != KindDuplicatePhase {
		t.Errorf("findings = %+v, want one duplicate_phase", errs)
	}
}

func TestValidateEmptyPolicy(t *testing.T) {
	v := New(newRegistry(t), config.FallbackConfig{})
	policies := linearPolicy("default")

	report, _ := v.Validate(policies, true)
	errs := report.Errors()
	if len(errs) != 1 || errs[0].Kind != KindEmptyPolicy {
		t.Errorf("findings = %+v, want one empty_policy", errs)
	}
}
