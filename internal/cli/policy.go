package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashep-ai/ashep/internal/policy"
	"github.com/ashep-ai/ashep/internal/registry"
	"github.com/ashep-ai/ashep/internal/validator"
)

var validatePolicyChainCmd = &cobra.Command{
	Use:   "validate-policy-chain",
	Short: "Validate policies against the agent catalogue",
	Long: `Check every policy for structural problems (duplicate phases, unknown
dynamic destinations, empty policies) and every required capability for an
active provider, honoring the fallback mapping. Exits 1 on any error-severity
finding.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, reg, err := loadPoliciesAndAgents()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		soft, _ := cmd.Flags().GetBool("soft")

		report, verr := validator.New(reg, cfg.Fallback).Validate(file, true)
		for _, f := range report.Findings {
			scope := f.Policy
			if f.Phase != "" {
				scope += "/" + f.Phase
			}
			fmt.Printf("  %-7s %-22s %-20s %s\n", f.Severity, f.Kind, scope, f.Message)
		}
		fmt.Printf("Checked %d policies, %d phases, %d capabilities (%d active agents)\n",
			report.Summary.PoliciesChecked, report.Summary.PhasesChecked,
			report.Summary.CapabilitiesChecked, report.Summary.ActiveAgents)
		if verr != nil {
			return verr
		}
		if !report.Valid {
			if soft {
				fmt.Printf("Policy chain has %d error(s) (soft mode, not failing)\n", len(report.Errors()))
				return nil
			}
			return fmt.Errorf("policy chain validation failed with %d error(s)", len(report.Errors()))
		}
		fmt.Println("Policy chain OK")
		return nil
	},
}

var showPolicyTreeCmd = &cobra.Command{
	Use:   "show-policy-tree",
	Short: "Print the policy and phase structure",
	Long: `Print every policy with its phase sequence, capabilities, session reuse,
and dynamic-decision destinations. With --format json the same structure is
emitted as JSON for tooling.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _, err := loadPoliciesAndAgents()
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		switch format {
		case "json":
			return printPolicyJSON(file)
		case "text", "":
			printPolicyTree(file)
			return nil
		default:
			return fmt.Errorf("unknown format %q (want text or json)", format)
		}
	},
}

func init() {
	validatePolicyChainCmd.Flags().Bool("soft", false, "report findings without failing")
	showPolicyTreeCmd.Flags().String("format", "text", "output format (text, json)")
	rootCmd.AddCommand(validatePolicyChainCmd)
	rootCmd.AddCommand(showPolicyTreeCmd)
}

// loadPoliciesAndAgents loads just the files the policy commands need, no
// stores or gateways.
func loadPoliciesAndAgents() (*policy.File, *registry.Registry, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	paths, err := resolvePaths()
	if err != nil {
		return nil, nil, err
	}

	file, err := policy.LoadFile(paths.PoliciesFile())
	if err != nil {
		return nil, nil, err
	}
	reg := registry.New(cfg.Fallback, newLogger(cfg, "policy"))
	if err := reg.LoadAgents(paths.AgentsFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	return file, reg, nil
}

func printPolicyTree(file *policy.File) {
	eng := policy.NewEngine(file)
	for _, name := range eng.PolicyNames() {
		pol, ok := eng.GetPolicy(name)
		if !ok {
			continue
		}
		marker := ""
		if name == file.DefaultPolicy {
			marker = " (default)"
		}
		fmt.Printf("%s%s\n", name, marker)
		if pol.Description != "" {
			fmt.Printf("  %s\n", pol.Description)
		}
		for i, ph := range pol.Phases {
			branch := "├─"
			if i == len(pol.Phases)-1 {
				branch = "└─"
			}
			fmt.Printf("  %s %s [%s]\n", branch, ph.Name, strings.Join(ph.Capabilities, ", "))
			if ph.ReuseSessionFromPhase != "" {
				fmt.Printf("  │    session: %s\n", ph.ReuseSessionFromPhase)
			}
			if ph.DynamicDecision != nil && ph.DynamicDecision.Enabled {
				fmt.Printf("  │    dynamic → %s\n", strings.Join(ph.DynamicDecision.AllowedDestinations, ", "))
			}
		}
	}
}

func printPolicyJSON(file *policy.File) error {
	type phaseOut struct {
		Name                string   `json:"name"`
		Capabilities        []string `json:"capabilities"`
		ReuseSession        string   `json:"reuse_session_from_phase,omitempty"`
		RequireApproval     bool     `json:"require_approval,omitempty"`
		DynamicDestinations []string `json:"dynamic_destinations,omitempty"`
	}
	type policyOut struct {
		Name        string     `json:"name"`
		Description string     `json:"description,omitempty"`
		Default     bool       `json:"default,omitempty"`
		MaxAttempts int        `json:"max_attempts"`
		Phases      []phaseOut `json:"phases"`
	}

	eng := policy.NewEngine(file)
	out := make([]policyOut, 0, len(file.Policies))
	for _, name := range eng.PolicyNames() {
		pol, ok := eng.GetPolicy(name)
		if !ok {
			continue
		}
		po := policyOut{
			Name:        name,
			Description: pol.Description,
			Default:     name == file.DefaultPolicy,
			MaxAttempts: pol.Retry.MaxAttempts,
		}
		for _, ph := range pol.Phases {
			entry := phaseOut{
				Name:            ph.Name,
				Capabilities:    ph.Capabilities,
				ReuseSession:    ph.ReuseSessionFromPhase,
				RequireApproval: ph.RequireApproval,
			}
			if ph.DynamicDecision != nil && ph.DynamicDecision.Enabled {
				entry.DynamicDestinations = ph.DynamicDecision.AllowedDestinations
			}
			po.Phases = append(po.Phases, entry)
		}
		out = append(out, po)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
