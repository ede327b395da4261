// Package script renders the tutoring system instruction from a scenario.
package script

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"lateraltutor/internal/types"
)

//go:embed instruction.tmpl
var defaultInstruction string

// DefaultTemplate returns the built-in instruction template.
func DefaultTemplate() string { return defaultInstruction }

// Render fills the instruction template with the scenario texts.
func Render(tmpl string, scenario types.Scenario) (string, error) {
	t, err := template.New("instruction").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse instruction template: %w", err)
	}
	var b strings.Builder
	if err := t.Execute(&b, scenario); err != nil {
		return "", fmt.Errorf("failed to render instruction: %w", err)
	}
	return b.String(), nil
}

// Load renders the instruction from path, or the built-in template when path
// is empty.
func Load(path string, scenario types.Scenario) (string, error) {
	tmpl := defaultInstruction
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read instruction file: %w", err)
		}
		tmpl = string(data)
	}
	return Render(tmpl, scenario)
}
