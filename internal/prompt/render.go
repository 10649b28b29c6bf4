package prompt

import (
	"fmt"
	"reflect"
	"strings"
)

// RenderResult carries the rendered text plus every placeholder path that
// resolved to nothing.
type RenderResult struct {
	Output  string
	Missing []string
}

// Render substitutes the template subset over the context: dotted field
// paths ({{issue.title}}), iteration ({{#each xs}}…{{this}}…{{/each}}), and
// optional blocks ({{#block}}…{{/block}}). Unknown paths render empty.
func Render(template string, context map[string]interface{}) (string, error) {
	res, err := RenderDetailed(template, context)
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

// RenderDetailed renders and reports missing placeholder paths.
func RenderDetailed(template string, context map[string]interface{}) (RenderResult, error) {
	r := &renderer{}
	out, err := r.render(template, []interface{}{context})
	if err != nil {
		return RenderResult{}, err
	}
	return RenderResult{Output: out, Missing: r.missing}, nil
}

type renderer struct {
	missing []string
}

func (r *renderer) render(template string, scopes []interface{}) (string, error) {
	var sb strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			sb.WriteString(rest)
			return sb.String(), nil
		}
		sb.WriteString(rest[:open])
		rest = rest[open:]

		close := strings.Index(rest, "}}")
		if close < 0 {
			return "", fmt.Errorf("unclosed placeholder near %q", truncate(rest, 40))
		}
		tag := strings.TrimSpace(rest[2:close])
		rest = rest[close+2:]

		switch {
		case strings.HasPrefix(tag, "#each "):
			name := strings.TrimSpace(strings.TrimPrefix(tag, "#each "))
			body, remainder, err := extractBlock(rest, "each")
			if err != nil {
				return "", err
			}
			rendered, err := r.renderEach(name, body, scopes)
			if err != nil {
				return "", err
			}
			sb.WriteString(rendered)
			rest = remainder
		case strings.HasPrefix(tag, "#"):
			name := strings.TrimSpace(strings.TrimPrefix(tag, "#"))
			body, remainder, err := extractBlock(rest, name)
			if err != nil {
				return "", err
			}
			rendered, err := r.renderOptional(name, body, scopes)
			if err != nil {
				return "", err
			}
			sb.WriteString(rendered)
			rest = remainder
		case strings.HasPrefix(tag, "/"):
			return "", fmt.Errorf("unexpected closing tag {{%s}}", tag)
		default:
			value, found := lookupPath(tag, scopes)
			if !found {
				r.missing = append(r.missing, tag)
			}
			sb.WriteString(stringify(value))
		}
	}
}

// extractBlock finds the matching {{/name}} for an opened block, honoring
// nested blocks of the same name. It returns the body and the remainder
// after the closing tag.
func extractBlock(rest, name string) (string, string, error) {
	openToken := "{{#" + name
	openEach := "{{#each " + name
	closeToken := "{{/" + name + "}}"
	depth := 1
	search := rest
	offset := 0
	for {
		idxClose := strings.Index(search, closeToken)
		if idxClose < 0 {
			return "", "", fmt.Errorf("unclosed block {{#%s}}", name)
		}
		idxOpen := indexBlockOpen(search[:idxClose], openToken, openEach, name)
		if idxOpen >= 0 {
			depth++
			advance := idxOpen + len(openToken)
			offset += advance
			search = search[advance:]
			continue
		}
		depth--
		if depth == 0 {
			end := offset + idxClose
			return rest[:end], rest[end+len(closeToken):], nil
		}
		advance := idxClose + len(closeToken)
		offset += advance
		search = search[advance:]
	}
}

// indexBlockOpen locates a nested opening tag for the same block name, for
// either form ({{#name}} or {{#each name}}).
func indexBlockOpen(s, openToken, openEach, name string) (idx int) {
	idx = -1
	if name == "each" {
		// A nested {{#each x}} reopens the "each" block kind.
		if i := strings.Index(s, "{{#each "); i >= 0 {
			idx = i
		}
		return idx
	}
	if i := strings.Index(s, openToken+"}}"); i >= 0 {
		idx = i
	}
	if i := strings.Index(s, openEach); i >= 0 && (idx < 0 || i < idx) {
		idx = i
	}
	return idx
}

func (r *renderer) renderEach(name, body string, scopes []interface{}) (string, error) {
	value, found := lookupPath(name, scopes)
	if !found || value == nil {
		r.missing = append(r.missing, name)
		return "", nil
	}
	items := toSlice(value)
	var sb strings.Builder
	for _, item := range items {
		itemScope := map[string]interface{}{"this": item}
		rendered, err := r.render(body, append(scopes, itemScope))
		if err != nil {
			return "", err
		}
		sb.WriteString(rendered)
	}
	return sb.String(), nil
}

func (r *renderer) renderOptional(name, body string, scopes []interface{}) (string, error) {
	value, found := lookupPath(name, scopes)
	if !found || !truthy(value) {
		return "", nil
	}
	// Map values open an inner scope so block lookups resolve against them
	// first.
	if inner, ok := value.(map[string]interface{}); ok {
		return r.render(body, append(scopes, inner))
	}
	return r.render(body, scopes)
}

// lookupPath resolves a dotted path against the scope stack, innermost
// scope first.
func lookupPath(path string, scopes []interface{}) (interface{}, bool) {
	parts := strings.Split(path, ".")
	for i := len(scopes) - 1; i >= 0; i-- {
		if value, ok := resolve(scopes[i], parts); ok {
			return value, true
		}
	}
	return nil, false
}

func resolve(root interface{}, parts []string) (interface{}, bool) {
	current := root
	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		case map[string]string:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			current = next
		default:
			// "this" resolves to the scope's bound item itself.
			if part == "this" {
				continue
			}
			return nil, false
		}
	}
	return current, true
}

func toSlice(value interface{}) []interface{} {
	if items, ok := value.([]interface{}); ok {
		return items
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	items := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		items[i] = rv.Index(i).Interface()
	}
	return items
}

func truthy(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case map[string]interface{}:
		return len(v) > 0
	case []interface{}:
		return len(v) > 0
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	}
	return true
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
