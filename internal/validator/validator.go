// Package validator runs the offline policy-chain check: every capability a
// policy phase names must resolve to an active agent or the fallback, and the
// phase graph must stay acyclic in the advance direction.
package validator

import (
	"fmt"
	"sort"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/registry"
)

// Finding kinds.
const (
	KindDeadEndCapability  = "dead_end_capability"
	KindCycle              = "cycle"
	KindUnknownDestination = "unknown_destination"
	KindDuplicatePhase     = "duplicate_phase"
	KindInactiveAgent      = "inactive_agent"
	KindEmptyPolicy        = "empty_policy"
)

// Finding severities. Warnings never fail validation; errors fail it unless
// soft mode is on.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Finding is one problem the validator found.
type Finding struct {
	Kind       string `json:"kind"`
	Severity   string `json:"severity"`
	Policy     string `json:"policy,omitempty"`
	Phase      string `json:"phase,omitempty"`
	Capability string `json:"capability,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	Message    string `json:"message"`
}

// Summary counts what the validation pass covered.
type Summary struct {
	PoliciesChecked     int `json:"policies_checked"`
	PhasesChecked       int `json:"phases_checked"`
	CapabilitiesChecked int `json:"capabilities_checked"`
	ActiveAgents        int `json:"active_agents"`
	InactiveAgents      int `json:"inactive_agents"`
	DeadEnds            int `json:"dead_ends"`
}

// Report is the full result of one validation pass.
type Report struct {
	Valid    bool      `json:"valid"`
	Findings []Finding `json:"findings,omitempty"`
	Summary  Summary   `json:"summary"`
}

// Errors returns only the error-severity findings.
func (r *Report) Errors() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			out = append(out, f)
		}
	}
	return out
}

// Validator checks policy files against the agent registry.
type Validator struct {
	registry *registry.Registry
	fallback config.FallbackConfig
}

// New creates a validator over the given registry and fallback config.
func New(reg *registry.Registry, fallback config.FallbackConfig) *Validator {
	return &Validator{registry: reg, fallback: fallback}
}

// Validate runs all checks over every policy. The returned error is non-nil
// when error-severity findings exist and soft is false.
func (v *Validator) Validate(policies *policy.File, soft bool) (*Report, error) {
	report := &Report{Valid: true}

	names := make([]string, 0, len(policies.Policies))
	for name := range policies.Policies {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]bool)
	for _, name := range names {
		pol := policies.Policies[name]
		report.Summary.PoliciesChecked++
		v.checkPolicy(name, pol, seen, report)
	}
	v.checkAgents(report)

	for _, f := range report.Findings {
		if f.Severity == SeverityError {
			report.Valid = false
		}
	}
	if !report.Valid && !soft {
		errs := report.Errors()
		return report, fmt.Errorf("policy chain validation failed with %d error(s): %s", len(errs), errs[0].Message)
	}
	return report, nil
}

func (v *Validator) checkPolicy(name string, pol *policy.Policy, seenCaps map[string]bool, report *Report) {
	if len(pol.Phases) == 0 {
		report.Findings = append(report.Findings, Finding{
			Kind:     KindEmptyPolicy,
			Severity: SeverityError,
			Policy:   name,
			Message:  fmt.Sprintf("policy %s has no phases", name),
		})
		return
	}

	index := make(map[string]int, len(pol.Phases))
	for i, phase := range pol.Phases {
		report.Summary.PhasesChecked++
		if prev, dup := index[phase.Name]; dup {
			report.Findings = append(report.Findings, Finding{
				Kind:     KindDuplicatePhase,
				Severity: SeverityError,
				Policy:   name,
				Phase:    phase.Name,
				Message: fmt.Sprintf("policy %s declares phase %s twice (positions %d and %d)",
					name, phase.Name, prev, i),
			})
			continue
		}
		index[phase.Name] = i
	}

	for _, phase := range pol.Phases {
		for _, cap := range phase.Capabilities {
			if !seenCaps[cap] {
				seenCaps[cap] = true
				report.Summary.CapabilitiesChecked++
			}
			v.checkCapability(name, phase.Name, cap, report)
		}
		if dd := phase.DynamicDecision; dd != nil && dd.Enabled {
			if dd.Capability != "" {
				if !seenCaps[dd.Capability] {
					seenCaps[dd.Capability] = true
					report.Summary.CapabilitiesChecked++
				}
				v.checkCapability(name, phase.Name, dd.Capability, report)
			}
			for _, dest := range dd.AllowedDestinations {
				if _, ok := index[dest]; !ok {
					report.Findings = append(report.Findings, Finding{
						Kind:     KindUnknownDestination,
						Severity: SeverityError,
						Policy:   name,
						Phase:    phase.Name,
						Message: fmt.Sprintf("policy %s phase %s allows dynamic destination %s, which is not a phase",
							name, phase.Name, dest),
					})
				}
			}
		}
	}

	v.checkAdvanceAcyclic(name, pol, index, report)
}

// checkCapability verifies one capability resolves to an active agent or to
// the enabled fallback chain.
func (v *Validator) checkCapability(policyName, phaseName, capability string, report *Report) {
	if v.registry.HasActiveProvider(capability) {
		return
	}
	if v.fallback.Enabled {
		if mapped, ok := v.fallback.Mappings[capability]; ok {
			if agent, found := v.registry.GetAgent(mapped); found && agent.Active {
				return
			}
		}
		if v.fallback.DefaultAgent != "" {
			if agent, found := v.registry.GetAgent(v.fallback.DefaultAgent); found && agent.Active {
				return
			}
		}
	}
	report.Summary.DeadEnds++
	report.Findings = append(report.Findings, Finding{
		Kind:       KindDeadEndCapability,
		Severity:   SeverityError,
		Policy:     policyName,
		Phase:      phaseName,
		Capability: capability,
		Message: fmt.Sprintf("capability %s (policy %s, phase %s) has no active provider and no usable fallback",
			capability, policyName, phaseName),
	})
}

// checkAdvanceAcyclic walks the advance-direction graph: the linear
// next-phase edge plus forward dynamic jumps. jump_back edges point backward
// by construction and are excluded.
func (v *Validator) checkAdvanceAcyclic(policyName string, pol *policy.Policy, index map[string]int, report *Report) {
	edges := make(map[string][]string, len(pol.Phases))
	for i, phase := range pol.Phases {
		if i+1 < len(pol.Phases) {
			edges[phase.Name] = append(edges[phase.Name], pol.Phases[i+1].Name)
		}
		if dd := phase.DynamicDecision; dd != nil && dd.Enabled {
			for _, dest := range dd.AllowedDestinations {
				j, ok := index[dest]
				if !ok || j <= i {
					continue
				}
				edges[phase.Name] = append(edges[phase.Name], dest)
			}
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(pol.Phases))
	var walk func(string) bool
	walk = func(name string) bool {
		switch state[name] {
		case visiting:
			return false
		case done:
			return true
		}
		state[name] = visiting
		for _, next := range edges[name] {
			if !walk(next) {
				report.Findings = append(report.Findings, Finding{
					Kind:     KindCycle,
					Severity: SeverityError,
					Policy:   policyName,
					Phase:    name,
					Message: fmt.Sprintf("policy %s has an advance-direction cycle through phase %s",
						policyName, name),
				})
				state[name] = done
				return true
			}
		}
		state[name] = done
		return true
	}
	for _, phase := range pol.Phases {
		walk(phase.Name)
	}
}

// checkAgents counts active agents and reports inactive ones as warnings.
func (v *Validator) checkAgents(report *Report) {
	for _, agent := range v.registry.All() {
		if agent.Active {
			report.Summary.ActiveAgents++
			continue
		}
		report.Summary.InactiveAgents++
		report.Findings = append(report.Findings, Finding{
			Kind:     KindInactiveAgent,
			Severity: SeverityWarning,
			AgentID:  agent.ID,
			Message:  fmt.Sprintf("agent %s is registered but inactive", agent.ID),
		})
	}
}
