// Package prompts carries the system prompts as embedded files so the
// binary is self-contained.
package prompts

import (
	"fmt"
	"strings"
)

// Prompts contains all the prompts loaded from embedded files.
type Prompts struct {
	ClassifyIntent string // Intent classification for the agent graph
	FilterSpec     string // Filter specification generation
	CodeGen        string // Analytical SQL generation with chart contract
}

// Load loads all prompts from the embedded filesystem.
func Load() (*Prompts, error) {
	p := &Prompts{}

	var err error
	if p.ClassifyIntent, err = loadPrompt("CLASSIFY_INTENT.md"); err != nil {
		return nil, fmt.Errorf("failed to load CLASSIFY_INTENT: %w", err)
	}
	if p.FilterSpec, err = loadPrompt("FILTER_SPEC.md"); err != nil {
		return nil, fmt.Errorf("failed to load FILTER_SPEC: %w", err)
	}
	if p.CodeGen, err = loadPrompt("CODEGEN.md"); err != nil {
		return nil, fmt.Errorf("failed to load CODEGEN: %w", err)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}
