package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const (
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Provider implements models.TextGenerator using the Anthropic messages API.
type Provider struct {
	model  string
	client *ai.Client
}

func NewProvider(cfg config.AnthropicConfig, common ai.ClientConfig) *Provider {
	common.Provider = "anthropic"
	common.BaseURL = cfg.BaseURL
	common.Headers = map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": apiVersion,
	}
	return &Provider{model: cfg.Model, client: ai.NewClient(common)}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := messagesRequest{
		Model:         model,
		MaxTokens:     maxTokens,
		System:        req.Config.SystemPrompt,
		Messages:      []message{{Role: "user", Content: req.Prompt}},
		Temperature:   req.Config.Temperature,
		TopP:          req.Config.TopP,
		StopSequences: req.Config.Stop,
	}

	var resp messagesResponse
	if err := p.client.PostJSON(ctx, messagesPath, body, &resp); err != nil {
		return models.Generation{}, err
	}
	if resp.Type == "error" && resp.Error != nil {
		return models.Generation{}, fmt.Errorf("%w: anthropic: %s", ai.ErrInvalidResponse, resp.Error.Message)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if len(resp.Content) == 0 {
		return models.Generation{}, fmt.Errorf("%w: anthropic: empty content", ai.ErrInvalidResponse)
	}

	return models.Generation{
		Content: text.String(),
		Tokens:  resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	System        string    `json:"system,omitempty"`
	Messages      []message `json:"messages"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
}

type messagesResponse struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var _ models.TextGenerator = (*Provider)(nil)
