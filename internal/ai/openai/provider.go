package openai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const chatCompletionsPath = "/v1/chat/completions"

// Provider implements models.TextGenerator against the OpenAI chat completions
// API or any server that speaks the same wire format.
type Provider struct {
	name   string
	model  string
	client *ai.Client
}

func NewProvider(cfg config.OpenAIConfig, common ai.ClientConfig) *Provider {
	return NewCompatible("openai", cfg.BaseURL, cfg.APIKey, cfg.Model, common)
}

// NewCompatible builds a Provider for an OpenAI-compatible endpoint. apiKey may
// be empty for servers without authentication.
func NewCompatible(name, baseURL, apiKey, model string, common ai.ClientConfig) *Provider {
	common.Provider = name
	common.BaseURL = baseURL
	if apiKey != "" {
		common.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	return &Provider{name: name, model: model, client: ai.NewClient(common)}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatRequest{
		Model:       model,
		Temperature: req.Config.Temperature,
		TopP:        req.Config.TopP,
		Stop:        req.Config.Stop,
	}
	if req.Config.MaxTokens > 0 {
		body.MaxTokens = req.Config.MaxTokens
	}
	if req.Config.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.Config.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	var resp chatResponse
	if err := p.client.PostJSON(ctx, chatCompletionsPath, body, &resp); err != nil {
		return models.Generation{}, err
	}
	if resp.Error != nil {
		return models.Generation{}, fmt.Errorf("%w: %s: %s", ai.ErrInvalidResponse, p.name, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return models.Generation{}, fmt.Errorf("%w: %s: no choices returned", ai.ErrInvalidResponse, p.name)
	}

	return models.Generation{
		Content: resp.Choices[0].Message.Content,
		Tokens:  resp.Usage.TotalTokens,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var _ models.TextGenerator = (*Provider)(nil)
