package vllm

import (
	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/ai/openai"
	"github.com/kiranshivaraju/promptbatch/internal/config"
)

// NewProvider returns a generator for a vLLM server's OpenAI-compatible API.
func NewProvider(cfg config.VLLMConfig, common ai.ClientConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model, common)
}
