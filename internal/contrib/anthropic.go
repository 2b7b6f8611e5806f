package contrib

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

func init() {
	Register("anthropic", newAnthropicClient)
}

type anthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropicClient(options map[string]string) (Client, error) {
	apiKey, ok := options["api_key"]
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("contrib(anthropic): options.api_key is required")
	}
	model := options["model"]
	if model == "" {
		model = string(anthropic.ModelClaude3_5SonnetLatest)
	}
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}, nil
}

func (c *anthropicClient) Synthesise(ctx context.Context, req SynthesisRequest) (SynthesisResponse, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.SourceChunks))
	for _, chunk := range req.SourceChunks {
		blocks = append(blocks, anthropic.NewTextBlock(chunk))
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(req.MaxOutputTokens),
		System: []anthropic.TextBlockParam{
			{Text: req.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return SynthesisResponse{}, fmt.Errorf("contrib(anthropic): messages.new: %w", err)
	}
	if len(msg.Content) == 0 {
		return SynthesisResponse{}, fmt.Errorf("contrib(anthropic): empty response")
	}
	return SynthesisResponse{Document: msg.Content[0].Text}, nil
}
