// Package prompts holds the built-in system prompt for research runs.
package prompts

import (
	_ "embed"
	"strings"
)

//go:embed system_research.txt
var research string

// Research returns the built-in research system prompt.
func Research() string {
	return strings.TrimSpace(research)
}

// Combine appends an operator-supplied extension to the built-in prompt.
func Combine(extra string) string {
	extra = strings.TrimSpace(extra)
	if extra == "" {
		return Research()
	}
	return Research() + "\n\n" + extra
}
