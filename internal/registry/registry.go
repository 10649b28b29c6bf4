// Package registry catalogues agents and selects them by capability: a phase
// names the capabilities it needs, the registry returns the best active
// provider or the configured fallback.
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ashep-ai/ashep/internal/agent"
	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
)

// Agent is one catalogued agent.
type Agent struct {
	ID           string       `yaml:"id"`
	Name         string       `yaml:"name"`
	Capabilities []string     `yaml:"capabilities"`
	Priority     int          `yaml:"priority"`
	Constraints  *Constraints `yaml:"constraints"`
	Active       bool         `yaml:"active"`
}

// Constraints narrow where an agent may be used.
type Constraints struct {
	PerformanceTier string   `yaml:"performance_tier"`
	Domains         []string `yaml:"domains"`
}

// SelectionConstraints filter SelectAgent candidates.
type SelectionConstraints struct {
	PerformanceTier string
	Domain          string
}

// SyncResult reports what SyncWithOpenCode changed.
type SyncResult struct {
	Added   int
	Updated int
	Removed int
}

// agentsFile is the parsed agents.yaml document.
type agentsFile struct {
	Agents []Agent `yaml:"agents"`
}

// Registry holds the agent set. It is read-mostly: LoadAgents and ReplaceAll
// swap the whole set under the write lock.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	fallback config.FallbackConfig
	logger   logging.Logger
}

// New creates an empty registry.
func New(fallback config.FallbackConfig, logger logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		agents:   make(map[string]*Agent),
		fallback: fallback,
		logger:   logger,
	}
}

// LoadAgents reads agents.yaml and replaces the registry contents.
func (r *Registry) LoadAgents(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse agents file: %w", err)
	}
	return r.ReplaceAll(f.Agents)
}

// SaveAgents writes the current agent set back to agents.yaml, sorted by id
// so repeated syncs produce stable diffs.
func (r *Registry) SaveAgents(path string) error {
	all := r.All()
	f := agentsFile{Agents: make([]Agent, 0, len(all))}
	for _, a := range all {
		f.Agents = append(f.Agents, *a)
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("failed to marshal agents file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write agents file: %w", err)
	}
	return nil
}

// ReplaceAll swaps in a new agent set atomically after validating it.
func (r *Registry) ReplaceAll(agents []Agent) error {
	set := make(map[string]*Agent, len(agents))
	for i := range agents {
		a := agents[i]
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if _, dup := set[a.ID]; dup {
			return fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		// Sync writes discovered agents inactive with no capabilities; an
		// operator assigns them before activating. Active agents must be
		// selectable, so they need at least one.
		if a.Active && len(a.Capabilities) == 0 {
			return fmt.Errorf("agent %s: an active agent requires at least one capability", a.ID)
		}
		set[a.ID] = &a
	}

	r.mu.Lock()
	r.agents = set
	r.mu.Unlock()
	return nil
}

// GetAgent returns the agent with the given id.
func (r *Registry) GetAgent(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	clone := *a
	return &clone, true
}

// All returns every agent sorted by id.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		clone := *a
		result = append(result, &clone)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FindByCapabilities returns every active agent whose capability set covers
// all required capabilities, sorted by id.
func (r *Registry) FindByCapabilities(required []string) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []*Agent
	for _, a := range r.agents {
		if a.Active && covers(a.Capabilities, required) {
			clone := *a
			matches = append(matches, &clone)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches
}

// SelectAgent picks the highest-priority active agent covering the required
// capabilities, breaking ties by lexicographic id. When nothing matches and
// the fallback is enabled, the capability mapping (or the default agent) is
// consulted.
func (r *Registry) SelectAgent(required []string, constraints *SelectionConstraints) (*Agent, error) {
	matches := r.FindByCapabilities(required)
	if constraints != nil {
		matches = filterByConstraints(matches, constraints)
	}
	if len(matches) > 0 {
		best := matches[0]
		for _, a := range matches[1:] {
			if a.Priority > best.Priority || (a.Priority == best.Priority && a.ID < best.ID) {
				best = a
			}
		}
		return best, nil
	}

	if !r.fallback.Enabled {
		return nil, fmt.Errorf("no capable agent for capabilities %v and fallback is disabled", required)
	}
	for _, capability := range required {
		if mapped, ok := r.fallback.Mappings[capability]; ok {
			if a, found := r.GetAgent(mapped); found && a.Active {
				return a, nil
			}
		}
	}
	if a, found := r.GetAgent(r.fallback.DefaultAgent); found && a.Active {
		return a, nil
	}
	return nil, fmt.Errorf("no capable agent for capabilities %v and fallback agent %q is missing or inactive",
		required, r.fallback.DefaultAgent)
}

// HasActiveProvider reports whether any active agent advertises the
// capability, or the fallback covers it.
func (r *Registry) HasActiveProvider(capability string) bool {
	if len(r.FindByCapabilities([]string{capability})) > 0 {
		return true
	}
	if !r.fallback.Enabled {
		return false
	}
	if mapped, ok := r.fallback.Mappings[capability]; ok {
		if a, found := r.GetAgent(mapped); found && a.Active {
			return true
		}
	}
	a, found := r.GetAgent(r.fallback.DefaultAgent)
	return found && a.Active
}

// SyncWithOpenCode diffs the registry against the agent ids the gateway
// knows. Unknown ids are added inactive with no capabilities (an operator
// assigns them), known ids keep their config, and ids the provider no longer
// reports are marked inactive. History is never erased.
func (r *Registry) SyncWithOpenCode(ctx context.Context, gw agent.Gateway) (SyncResult, error) {
	known, err := gw.ListKnownAgents(ctx)
	if err != nil {
		return SyncResult{}, fmt.Errorf("failed to list provider agents: %w", err)
	}

	knownIDs := make(map[string]bool, len(known))
	for _, k := range known {
		knownIDs[k.ID] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result SyncResult
	for _, k := range known {
		if existing, ok := r.agents[k.ID]; ok {
			// Reactivate only configured agents; an id without capabilities
			// is still waiting on the operator.
			if !existing.Active && len(existing.Capabilities) > 0 {
				existing.Active = true
				result.Updated++
			}
			continue
		}
		r.agents[k.ID] = &Agent{
			ID:           k.ID,
			Name:         k.ID,
			Capabilities: []string{},
			Active:       false,
		}
		result.Added++
	}
	for id, a := range r.agents {
		if !knownIDs[id] && a.Active {
			a.Active = false
			result.Removed++
		}
	}

	r.logger.Info("Agent sync: %d added, %d updated, %d deactivated", result.Added, result.Updated, result.Removed)
	return result, nil
}

func covers(have, required []string) bool {
	if len(required) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}

func filterByConstraints(agents []*Agent, c *SelectionConstraints) []*Agent {
	var out []*Agent
	for _, a := range agents {
		if c.PerformanceTier != "" {
			if a.Constraints == nil || a.Constraints.PerformanceTier != c.PerformanceTier {
				continue
			}
		}
		if c.Domain != "" {
			if a.Constraints == nil || !containsString(a.Constraints.Domains, c.Domain) {
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

func containsString(xs []string, want string) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
