package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/ashep-ai/ashep/internal/config"
	"github.com/ashep-ai/ashep/internal/logging"
)

// CommandRunner executes one tracker CLI invocation and returns stdout.
// It exists so tests can fake the binary.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, string, error)

// TokenSource supplies the tracker auth token injected into the subprocess
// environment. The github package implements it for app auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

const (
	retryAttempts  = 3
	retryBaseDelay = 250 * time.Millisecond
)

// CLIGateway shells out to the tracker binary (gh by default) with --json
// output and parses the results.
type CLIGateway struct {
	binary     string
	repository string
	tokenEnv   string
	tokens     TokenSource
	run        CommandRunner
	logger     logging.Logger
}

// Option configures a CLIGateway.
type Option func(*CLIGateway)

// WithRunner replaces the subprocess runner (tests).
func WithRunner(run CommandRunner) Option {
	return func(g *CLIGateway) { g.run = run }
}

// WithTokenSource sets the auth token provider.
func WithTokenSource(ts TokenSource) Option {
	return func(g *CLIGateway) { g.tokens = ts }
}

// WithLogger sets the gateway logger.
func WithLogger(l logging.Logger) Option {
	return func(g *CLIGateway) { g.logger = l }
}

// NewCLIGateway builds a gateway for the configured tracker.
func NewCLIGateway(cfg config.TrackerConfig, opts ...Option) *CLIGateway {
	g := &CLIGateway{
		binary:     cfg.Binary,
		repository: cfg.Repository,
		tokenEnv:   cfg.Auth.TokenEnv,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.run == nil {
		g.run = g.execRunner
	}
	return g
}

func (g *CLIGateway) execRunner(ctx context.Context, name string, args ...string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = g.env(ctx)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	return out, stderr.String(), err
}

func (g *CLIGateway) env(ctx context.Context) []string {
	env := os.Environ()
	if g.tokens != nil {
		if token, err := g.tokens.Token(ctx); err == nil && token != "" {
			env = append(env, g.tokenEnv+"="+token)
		} else if err != nil {
			g.logger.Warning("failed to resolve tracker token: %v", err)
		}
	}
	return env
}

// exec runs the tracker binary, retrying transient failures with bounded
// exponential backoff.
func (g *CLIGateway) exec(ctx context.Context, args ...string) ([]byte, error) {
	var lastErr error
	delay := retryBaseDelay
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		out, stderr, err := g.run(ctx, g.binary, args...)
		if err == nil {
			return out, nil
		}
		lastErr = classifyError(err, stderr)
		if !errors.Is(lastErr, ErrTrackerUnavailable) {
			return nil, lastErr
		}
		g.logger.Warning("tracker call failed (attempt %d/%d): %v", attempt+1, retryAttempts, lastErr)
	}
	return nil, lastErr
}

// issueJSON is the gh issue JSON shape the gateway requests.
type issueJSON struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	CreatedAt time.Time `json:"createdAt"`
	IssueType *struct {
		Name string `json:"name"`
	} `json:"issueType"`
}

func (j *issueJSON) toIssue() *Issue {
	labels := make([]string, len(j.Labels))
	for i, l := range j.Labels {
		labels[i] = l.Name
	}
	issue := &Issue{
		ID:        fmt.Sprintf("%d", j.Number),
		Title:     j.Title,
		Body:      j.Body,
		Status:    strings.ToLower(j.State),
		Labels:    labels,
		Priority:  priorityFromLabels(labels),
		CreatedAt: j.CreatedAt,
	}
	if j.IssueType != nil {
		issue.Type = j.IssueType.Name
	}
	if issue.Status == "open" && PhaseFromLabels(labels) != "" {
		issue.Status = StatusInProgress
	}
	if HITLReasonFromLabels(labels) != "" {
		issue.Status = StatusBlocked
	}
	return issue
}

// ListReady returns open issues ordered by priority descending, then age
// ascending. Excluded issues are filtered out here so the worker never sees
// them.
func (g *CLIGateway) ListReady(ctx context.Context) ([]*Issue, error) {
	out, err := g.exec(ctx, "issue", "list",
		"--repo", g.repository,
		"--state", "open",
		"--limit", "200",
		"--json", "number,title,body,state,labels,createdAt")
	if err != nil {
		return nil, err
	}

	var raw []issueJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed issue list: %v", ErrTrackerProtocol, err)
	}

	var issues []*Issue
	for i := range raw {
		issue := raw[i].toIssue()
		if HasLabel(issue.Labels, ExcludedLabel) {
			continue
		}
		issues = append(issues, issue)
	}
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Priority != issues[j].Priority {
			return issues[i].Priority > issues[j].Priority
		}
		return issues[i].CreatedAt.Before(issues[j].CreatedAt)
	})
	return issues, nil
}

// Get fetches one issue.
func (g *CLIGateway) Get(ctx context.Context, id string) (*Issue, error) {
	out, err := g.exec(ctx, "issue", "view", id,
		"--repo", g.repository,
		"--json", "number,title,body,state,labels,createdAt")
	if err != nil {
		return nil, err
	}
	var raw issueJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed issue %s: %v", ErrTrackerProtocol, id, err)
	}
	return raw.toIssue(), nil
}

// editLabels applies adds and removals in one tracker call, so a phase label
// replace is atomic from the tracker's point of view.
func (g *CLIGateway) editLabels(ctx context.Context, id string, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return nil
	}
	args := []string{"issue", "edit", id, "--repo", g.repository}
	for _, l := range add {
		args = append(args, "--add-label", l)
	}
	for _, l := range remove {
		args = append(args, "--remove-label", l)
	}
	_, err := g.exec(ctx, args...)
	return err
}

// SetPhaseLabel replaces any existing phase label with the new one.
func (g *CLIGateway) SetPhaseLabel(ctx context.Context, id, phase string) error {
	issue, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	newLabel := PhaseLabelPrefix + phase
	var remove []string
	for _, l := range issue.Labels {
		if strings.HasPrefix(l, PhaseLabelPrefix) && l != newLabel {
			remove = append(remove, l)
		}
	}
	if HasLabel(issue.Labels, newLabel) && len(remove) == 0 {
		return nil
	}
	return g.editLabels(ctx, id, []string{newLabel}, remove)
}

// ClearPhaseLabels removes every phase label.
func (g *CLIGateway) ClearPhaseLabels(ctx context.Context, id string) error {
	return g.clearByPrefix(ctx, id, PhaseLabelPrefix)
}

// SetHITLLabel replaces any existing HITL label with the given reason.
func (g *CLIGateway) SetHITLLabel(ctx context.Context, id, reason string) error {
	issue, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	newLabel := HITLLabelPrefix + reason
	var remove []string
	for _, l := range issue.Labels {
		if strings.HasPrefix(l, HITLLabelPrefix) && l != newLabel {
			remove = append(remove, l)
		}
	}
	if HasLabel(issue.Labels, newLabel) && len(remove) == 0 {
		return nil
	}
	return g.editLabels(ctx, id, []string{newLabel}, remove)
}

// ClearHITLLabels removes every HITL label.
func (g *CLIGateway) ClearHITLLabels(ctx context.Context, id string) error {
	return g.clearByPrefix(ctx, id, HITLLabelPrefix)
}

func (g *CLIGateway) clearByPrefix(ctx context.Context, id, prefix string) error {
	issue, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	var remove []string
	for _, l := range issue.Labels {
		if strings.HasPrefix(l, prefix) {
			remove = append(remove, l)
		}
	}
	return g.editLabels(ctx, id, nil, remove)
}

// HasExcludedLabel reports whether the issue opted out of orchestration.
func (g *CLIGateway) HasExcludedLabel(ctx context.Context, id string) (bool, error) {
	issue, err := g.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return HasLabel(issue.Labels, ExcludedLabel), nil
}

// GetCurrentPhase returns the issue's phase label value, empty when absent.
func (g *CLIGateway) GetCurrentPhase(ctx context.Context, id string) (string, error) {
	issue, err := g.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return PhaseFromLabels(issue.Labels), nil
}

// GetHITLReason returns the issue's HITL reason, empty when absent.
func (g *CLIGateway) GetHITLReason(ctx context.Context, id string) (string, error) {
	issue, err := g.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return HITLReasonFromLabels(issue.Labels), nil
}

// CloseIssue closes the issue in the tracker.
func (g *CLIGateway) CloseIssue(ctx context.Context, id string) error {
	_, err := g.exec(ctx, "issue", "close", id, "--repo", g.repository)
	return err
}

var _ Gateway = (*CLIGateway)(nil)
