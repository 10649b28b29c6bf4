// Package prompt renders phase, worker-assistant, and dynamic-decision
// prompts from configured templates, and parses the JSON responses decision
// agents send back.
package prompt

import (
	"fmt"
	"sync"

	"github.com/ashep-ai/ashep/internal/config"
)

// FallbackTemplateName keys the built-in template used when a capability has
// no configured one.
const FallbackTemplateName = "fallback"

// Template is one named prompt template.
type Template struct {
	Name               string
	Description        string
	SystemPrompt       string
	UserPromptTemplate string
}

// Prompt is a rendered system/user prompt pair.
type Prompt struct {
	SystemPrompt string
	UserPrompt   string
}

// builtinFallback is always available, so BuildPrompt never fails on an
// unknown capability.
var builtinFallback = Template{
	Name:        FallbackTemplateName,
	Description: "Generic phase execution prompt",
	SystemPrompt: "You are an autonomous coding agent working on one phase of an issue. " +
		"Work carefully, keep changes minimal, and report what you did.",
	UserPromptTemplate: "Issue #{{issue.id}}: {{issue.title}}\n\n" +
		"{{issue.description}}\n\n" +
		"Current phase: {{phase.name}}\n" +
		"{{#phase.description}}Phase goal: {{phase.description}}\n{{/phase.description}}" +
		"Required capabilities:\n{{#each phase.capabilities}}- {{this}}\n{{/each}}" +
		"{{#messages}}\nContext from earlier phases:\n{{messages}}\n{{/messages}}",
}

// Builder holds the template set and the per-process decision analytics.
type Builder struct {
	mu        sync.RWMutex
	templates map[string]Template
	analytics Analytics
}

// NewBuilder loads templates from config, installing the built-in fallback
// when none is configured under that name.
func NewBuilder(configured map[string]config.TemplateConfig) *Builder {
	templates := make(map[string]Template, len(configured)+1)
	templates[FallbackTemplateName] = builtinFallback
	for name, tc := range configured {
		tpl := Template{
			Name:               tc.Name,
			Description:        tc.Description,
			SystemPrompt:       tc.SystemPrompt,
			UserPromptTemplate: tc.UserPromptTemplate,
		}
		if tpl.Name == "" {
			tpl.Name = name
		}
		templates[name] = tpl
	}
	return &Builder{
		templates: templates,
		analytics: newAnalytics(),
	}
}

// GetTemplate returns the template for a capability name, falling back to
// the built-in when the name is unknown.
func (b *Builder) GetTemplate(name string) Template {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if tpl, ok := b.templates[name]; ok {
		return tpl
	}
	return b.templates[FallbackTemplateName]
}

// BuildPrompt renders the named template over the context.
func (b *Builder) BuildPrompt(name string, context map[string]interface{}) (Prompt, error) {
	tpl := b.GetTemplate(name)
	system, err := Render(tpl.SystemPrompt, context)
	if err != nil {
		return Prompt{}, fmt.Errorf("template %s: %w", tpl.Name, err)
	}
	user, err := Render(tpl.UserPromptTemplate, context)
	if err != nil {
		return Prompt{}, fmt.Errorf("template %s: %w", tpl.Name, err)
	}
	return Prompt{SystemPrompt: system, UserPrompt: user}, nil
}

// BuildCustomPrompt renders an inline template string (a phase's
// custom_prompt) with the fallback's system prompt.
func (b *Builder) BuildCustomPrompt(userTemplate string, context map[string]interface{}) (Prompt, error) {
	system, err := Render(b.GetTemplate(FallbackTemplateName).SystemPrompt, context)
	if err != nil {
		return Prompt{}, err
	}
	user, err := Render(userTemplate, context)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{SystemPrompt: system, UserPrompt: user}, nil
}
