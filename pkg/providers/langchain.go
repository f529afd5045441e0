package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// LangChainProvider adapts a langchaingo model to Provider.
type LangChainProvider struct {
	name  string
	model llms.Model
}

func NewLangChainProvider(name string, model llms.Model) *LangChainProvider {
	return &LangChainProvider{name: name, model: model}
}

func newOpenAIModel(apiKey, apiBase, model string) (llms.Model, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OpenAI API key required (set provider.api_key or CHATAI_PROVIDER_API_KEY)")
	}
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model))
	}
	if apiBase != "" {
		opts = append(opts, openai.WithBaseURL(apiBase))
	}
	m, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return m, nil
}

func newAnthropicModel(apiKey, model string) (llms.Model, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("Anthropic API key required (set provider.api_key or CHATAI_PROVIDER_API_KEY)")
	}
	opts := []anthropic.Option{anthropic.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, anthropic.WithModel(model))
	}
	m, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return m, nil
}

func newOllamaModel(host, model string) (llms.Model, error) {
	opts := []ollama.Option{}
	if model != "" {
		opts = append(opts, ollama.WithModel(model))
	}
	if host != "" {
		opts = append(opts, ollama.WithServerURL(host))
	}
	m, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return m, nil
}

func (p *LangChainProvider) Name() string { return p.name }

func (p *LangChainProvider) GenerateText(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := p.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, llms.WithTemperature(temperature))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", newError(p.name, ErrProvider, err, "generate")
		}
		return "", newError(p.name, classify(err.Error()), err, "generate")
	}
	if len(resp.Choices) == 0 {
		return "", newError(p.name, ErrInvalidResponse, nil, "no response choices")
	}
	choice := resp.Choices[0]
	if strings.EqualFold(choice.StopReason, "content_filter") || strings.EqualFold(choice.StopReason, "safety") {
		return "", newError(p.name, ErrContentBlocked, nil, "stop reason %q", choice.StopReason)
	}
	content := strings.TrimSpace(choice.Content)
	if content == "" {
		return "", newError(p.name, ErrInvalidResponse, nil, "no text in response")
	}
	return content, nil
}
