package contrib

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

func init() {
	Register("openai", newOpenAIClient)
}

type openaiClient struct {
	client openai.Client
	model  string
}

func newOpenAIClient(options map[string]string) (Client, error) {
	apiKey, ok := options["api_key"]
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("contrib(openai): options.api_key is required")
	}
	model := options["model"]
	if model == "" {
		model = "gpt-4.1-mini"
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := options["base_url"]; baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openaiClient{client: openai.NewClient(opts...), model: model}, nil
}

func (c *openaiClient) Synthesise(ctx context.Context, req SynthesisRequest) (SynthesisResponse, error) {
	userContent := strings.Join(req.SourceChunks, "\n\n---\n\n")

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(userContent),
		},
		MaxTokens: openai.Int(int64(req.MaxOutputTokens)),
	})
	if err != nil {
		return SynthesisResponse{}, fmt.Errorf("contrib(openai): chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return SynthesisResponse{}, fmt.Errorf("contrib(openai): empty response")
	}
	return SynthesisResponse{Document: resp.Choices[0].Message.Content}, nil
}
