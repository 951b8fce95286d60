// Package models contains shared data models used across the PromptBatch codebase.
package models

import "context"

// TextGenerator is the capability the batch runner calls once per prompt.
// Never call specific AI providers directly; always inject this interface.
type TextGenerator interface {
	// Generate turns a single prompt into generated text. Implementations must
	// honor ctx cancellation and deadlines.
	Generate(ctx context.Context, req GenerationRequest) (Generation, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// GenerationRequest is the input to a single generation call.
type GenerationRequest struct {
	Prompt string
	Model  string
	Config GenerationConfig
}

// Generation is the output of a single generation call.
type Generation struct {
	Content string `json:"content"`
	Tokens  int    `json:"tokens"`
}
