package ollama

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/promptbatch/internal/ai"
	"github.com/kiranshivaraju/promptbatch/internal/config"
	"github.com/kiranshivaraju/promptbatch/pkg/models"
)

const chatPath = "/api/chat"

// Provider implements models.TextGenerator using a local Ollama server.
type Provider struct {
	model  string
	client *ai.Client
}

func NewProvider(cfg config.OllamaConfig, common ai.ClientConfig) *Provider {
	common.Provider = "ollama"
	common.BaseURL = cfg.BaseURL
	return &Provider{model: cfg.Model, client: ai.NewClient(common)}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Generate(ctx context.Context, req models.GenerationRequest) (models.Generation, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	body := chatRequest{
		Model:  model,
		Stream: false,
		Options: options{
			Temperature: req.Config.Temperature,
			TopP:        req.Config.TopP,
			NumPredict:  req.Config.MaxTokens,
			Stop:        req.Config.Stop,
		},
	}
	if req.Config.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.Config.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	var resp chatResponse
	if err := p.client.PostJSON(ctx, chatPath, body, &resp); err != nil {
		return models.Generation{}, err
	}
	if resp.Error != "" {
		return models.Generation{}, fmt.Errorf("%w: ollama: %s", ai.ErrInvalidResponse, resp.Error)
	}

	return models.Generation{
		Content: resp.Message.Content,
		Tokens:  resp.PromptEvalCount + resp.EvalCount,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type options struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  options       `json:"options"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

var _ models.TextGenerator = (*Provider)(nil)
