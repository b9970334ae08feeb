package ai

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

type GeminiProvider struct {
	client *genai.Client
	model  string
}

func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, newError("gemini", KindConfig, errors.New("api key is required"))
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, newError("gemini", KindConfig, err)
	}
	return &GeminiProvider{client: gc, model: model}, nil
}

// Chat maps system messages onto SystemInstruction and assistant turns onto
// the "model" role.
func (p *GeminiProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	system, contents := toGeminiContents(messages)
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return "", statusError("gemini", apiErr.Code, apiErr.Message)
		}
		return "", transportError("gemini", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", newError("gemini", KindMalformed, errors.New("no candidates"))
	}
	return resp.Text(), nil
}

func toGeminiContents(messages []Message) (string, []*genai.Content) {
	var system []string
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			out = append(out, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			out = append(out, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return strings.Join(system, "\n\n"), out
}
