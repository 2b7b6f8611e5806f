package contrib

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

func init() {
	Register("gemini", newGeminiClient)
}

type geminiClient struct {
	apiKey string
	model  string
}

func newGeminiClient(options map[string]string) (Client, error) {
	apiKey, ok := options["api_key"]
	if !ok || apiKey == "" {
		return nil, fmt.Errorf("contrib(gemini): options.api_key is required")
	}
	model := options["model"]
	if model == "" {
		model = "gemini-1.5-pro"
	}
	return &geminiClient{apiKey: apiKey, model: model}, nil
}

// Synthesise opens a short-lived genai.Client per call rather than
// holding one for the process lifetime: L2 synthesis runs at most once
// per residential day, so the connection-setup cost is immaterial next
// to the savings in not keeping a live client around between calls.
func (c *geminiClient) Synthesise(ctx context.Context, req SynthesisRequest) (SynthesisResponse, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return SynthesisResponse{}, fmt.Errorf("contrib(gemini): new client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(c.model)
	model.SystemInstruction = genai.NewUserContent(genai.Text(req.SystemPrompt))
	model.SetMaxOutputTokens(int32(req.MaxOutputTokens))

	prompt := genai.Text(strings.Join(req.SourceChunks, "\n\n---\n\n"))
	resp, err := model.GenerateContent(ctx, prompt)
	if err != nil {
		return SynthesisResponse{}, fmt.Errorf("contrib(gemini): generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return SynthesisResponse{}, fmt.Errorf("contrib(gemini): empty response")
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return SynthesisResponse{}, fmt.Errorf("contrib(gemini): unexpected response part type")
	}
	return SynthesisResponse{Document: string(text)}, nil
}
