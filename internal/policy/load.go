package policy

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Session reuse keywords accepted by reuse_session_from_phase.
const (
	ReuseSelf     = "@self"
	ReusePrevious = "@previous"
	ReuseFirst    = "@first"
	ReuseShared   = "@shared"
)

// LoadFile reads and validates policies.yaml.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies file: %w", err)
	}
	return Parse(data)
}

// Parse unmarshals a policies document, applies defaults, and validates it.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse policies file: %w", err)
	}
	for name, p := range f.Policies {
		if p == nil {
			return nil, fmt.Errorf("policy %s: empty definition", name)
		}
		p.Name = name
		applyPolicyDefaults(p)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func applyPolicyDefaults(p *Policy) {
	if p.Retry.MaxAttempts == 0 {
		p.Retry.MaxAttempts = 2
	}
	if p.Retry.InitialDelayMs == 0 {
		p.Retry.InitialDelayMs = 1000
	}
	if p.Retry.Backoff == "" {
		p.Retry.Backoff = "fixed"
	}
	if p.Retry.MaxDelayMs == 0 {
		p.Retry.MaxDelayMs = 60000
	}
	if p.TimeoutBaseMs == 0 {
		p.TimeoutBaseMs = 600000
	}
	for i := range p.Phases {
		if p.Phases[i].TimeoutMultiplier == 0 {
			p.Phases[i].TimeoutMultiplier = 1.0
		}
	}
}

// Validate checks structural integrity: phase names, retry strategy, session
// reuse references, dynamic decision destinations, and transition rules.
func (f *File) Validate() error {
	if len(f.Policies) == 0 {
		return fmt.Errorf("no policies defined")
	}
	if f.DefaultPolicy == "" {
		return fmt.Errorf("default_policy is required")
	}
	if _, ok := f.Policies[f.DefaultPolicy]; !ok {
		return fmt.Errorf("default_policy %q is not defined", f.DefaultPolicy)
	}

	names := make([]string, 0, len(f.Policies))
	for name := range f.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := f.Policies[name].validate(); err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
	}
	return nil
}

func (p *Policy) validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("at least one phase is required")
	}

	validBackoff := map[string]bool{"fixed": true, "linear": true, "exponential": true}
	if !validBackoff[p.Retry.Backoff] {
		return fmt.Errorf("invalid retry.backoff: %s (must be fixed, linear, or exponential)", p.Retry.Backoff)
	}
	if p.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", p.Retry.MaxAttempts)
	}

	phaseNames := make(map[string]bool, len(p.Phases))
	for _, ph := range p.Phases {
		if ph.Name == "" {
			return fmt.Errorf("phase with empty name")
		}
		if phaseNames[ph.Name] {
			return fmt.Errorf("duplicate phase name: %s", ph.Name)
		}
		phaseNames[ph.Name] = true
	}

	for _, ph := range p.Phases {
		if len(ph.Capabilities) == 0 {
			return fmt.Errorf("phase %s: at least one capability is required", ph.Name)
		}
		if ph.ContextWindowThreshold < 0 || ph.ContextWindowThreshold > 1 {
			return fmt.Errorf("phase %s: context_window_threshold must be in [0,1]", ph.Name)
		}
		if err := p.validateReuse(ph, phaseNames); err != nil {
			return err
		}
		if err := validateDynamicConfig(ph, phaseNames); err != nil {
			return err
		}
	}

	for _, tr := range p.TransitionRules {
		if !phaseNames[tr.From] {
			return fmt.Errorf("transition rule references unknown phase: %s", tr.From)
		}
		if !phaseNames[tr.To] {
			return fmt.Errorf("transition rule references unknown phase: %s", tr.To)
		}
		if tr.MaxTransitions < 1 {
			return fmt.Errorf("transition rule %s->%s: max_transitions must be at least 1", tr.From, tr.To)
		}
	}
	return nil
}

func (p *Policy) validateReuse(ph PhaseConfig, phaseNames map[string]bool) error {
	reuse := ph.ReuseSessionFromPhase
	if reuse == "" {
		return nil
	}
	switch reuse {
	case ReuseSelf, ReusePrevious, ReuseFirst:
		return nil
	case ReuseShared:
		if !p.SharedSession {
			return fmt.Errorf("phase %s: @shared requires shared_session: true", ph.Name)
		}
		return nil
	}
	if strings.HasPrefix(reuse, "@") {
		return fmt.Errorf("phase %s: unknown session reuse keyword: %s", ph.Name, reuse)
	}
	if !phaseNames[reuse] {
		return fmt.Errorf("phase %s: reuse_session_from_phase references unknown phase: %s", ph.Name, reuse)
	}
	return nil
}

func validateDynamicConfig(ph PhaseConfig, phaseNames map[string]bool) error {
	dd := ph.DynamicDecision
	if dd == nil || !dd.Enabled {
		return nil
	}
	if dd.Capability == "" {
		return fmt.Errorf("phase %s: dynamic_decision.capability is required", ph.Name)
	}
	for _, dest := range dd.AllowedDestinations {
		if !phaseNames[dest] {
			return fmt.Errorf("phase %s: dynamic_decision destination references unknown phase: %s", ph.Name, dest)
		}
	}
	c := dd.Confidence
	if c.AutoAdvance < 0 || c.AutoAdvance > 1 || c.RequireApproval < 0 || c.RequireApproval > 1 {
		return fmt.Errorf("phase %s: confidence thresholds must be in [0,1]", ph.Name)
	}
	if c.AutoAdvance != 0 && c.RequireApproval != 0 && c.AutoAdvance < c.RequireApproval {
		return fmt.Errorf("phase %s: confidence.auto_advance must be >= confidence.require_approval", ph.Name)
	}
	return nil
}
