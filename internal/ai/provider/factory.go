// Package provider builds the configured text generator.
package provider

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/anthropic"
	"github.com/kiranshivaraju/promptbatch/internal/ai/mock"
	"github.com/kiranshivaraju/promptbatch/internal/ai/ollama"
	"github.com/kiranshivaraju/promptbatch/internal/ai/openai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/vllm"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

// mockDelay stands in for network latency when AI_PROVIDER is mock.
const mockDelay = 500 * time.Millisecond

// New constructs the text generator selected by cfg.Provider.
// Called once at startup.
func New(cfg config.AIConfig) (models.TextGenerator, error) {
	common := ai.ClientConfig{
		MaxRetries:        cfg.MaxRetries,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}

	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama, common), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM, common), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI, common), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic, common), nil
	case "mock":
		return mock.NewSlowGenerator(mockDelay), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic, mock", cfg.Provider)
	}
}

// DefaultModel is the model recorded on jobs created without one.
func DefaultModel(cfg config.AIConfig) string {
	switch cfg.Provider {
	case "ollama":
		return cfg.Ollama.Model
	case "vllm":
		return cfg.VLLM.Model
	case "openai":
		return cfg.OpenAI.Model
	case "anthropic":
		return cfg.Anthropic.Model
	case "mock":
		return "mock-v1"
	default:
		return ""
	}
}
