package variable

import "regexp"

var (
	varPattern  = regexp.MustCompile(`\{\{([A-Z_][A-Z0-9_]*)\}\}`)
	condPattern = regexp.MustCompile(`(?s)\{\{#if ([A-Z_][A-Z0-9_]*)\}\}(.*?)\{\{/if\}\}`)
)

// Render substitutes {{VAR}} placeholders. {{#if VAR}}...{{/if}} blocks are
// kept only when VAR is set and non-empty. Unknown placeholders are left as
// written and returned in missing, in order of appearance.
func Render(template string, vars VariableSet) (out string, missing []string) {
	if template == "" {
		return template, nil
	}
	result := processConditionals(template, vars)
	result = varPattern.ReplaceAllStringFunc(result, func(match string) string {
		name := match[2 : len(match)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		missing = append(missing, name)
		return match
	})
	return result, missing
}

func processConditionals(content string, vars VariableSet) string {
	return condPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := condPattern.FindStringSubmatch(match)
		if value, ok := vars[sub[1]]; ok && value != "" {
			return sub[2]
		}
		return ""
	})
}
