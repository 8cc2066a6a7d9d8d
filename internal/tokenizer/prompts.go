package tokenizer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/triton-loadgen/triton-loadgen/pkg/models"
)

// DefaultPrompts is the built-in load-test prompt set
var DefaultPrompts = []string{
	"Explain what Python is in 2 sentences.",
	"What is machine learning? Brief answer.",
	"Count from 1 to 10.",
	"Say hello in 3 different languages.",
	"What is 2 + 2? Just the number.",
}

// PromptSpec is one entry of a prompt file. Tokens, when set, skip tokenization.
type PromptSpec struct {
	Text   string  `yaml:"text"`
	Tokens []int32 `yaml:"tokens,omitempty"`
}

// Pretokenized reports whether the prompt carries its own ids
func (p PromptSpec) Pretokenized() bool {
	return p.Tokens != nil
}

// TokenSequence returns the pre-tokenized ids
func (p PromptSpec) TokenSequence() models.TokenSequence {
	return models.TokenSequence(p.Tokens).Clone()
}

// PromptFile is the YAML layout accepted by --prompts
type PromptFile struct {
	Prompts []PromptSpec `yaml:"prompts"`
	// EndTokens are ids at which decoded output is cut
	EndTokens []int32 `yaml:"end_tokens,omitempty"`
}

// DefaultPromptFile wraps DefaultPrompts
func DefaultPromptFile() *PromptFile {
	pf := &PromptFile{Prompts: make([]PromptSpec, len(DefaultPrompts))}
	for i, text := range DefaultPrompts {
		pf.Prompts[i] = PromptSpec{Text: text}
	}
	return pf
}

// LoadPromptFile reads a YAML prompt file
func LoadPromptFile(path string) (*PromptFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file: %w", err)
	}

	var pf PromptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}
	if len(pf.Prompts) == 0 {
		return nil, fmt.Errorf("prompt file %s has no prompts", path)
	}
	for i, p := range pf.Prompts {
		if p.Text == "" && !p.Pretokenized() {
			return nil, fmt.Errorf("prompt %d in %s has neither text nor tokens", i, path)
		}
	}
	return &pf, nil
}

// NeedsTokenizer reports whether any prompt must be tokenized at startup
func (pf *PromptFile) NeedsTokenizer() bool {
	for _, p := range pf.Prompts {
		if !p.Pretokenized() {
			return true
		}
	}
	return false
}
