package provider

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Langchain proposes actions through any langchaingo model.
type Langchain struct {
	llm llms.Model
}

// NewLangchain wraps an existing langchaingo model.
func NewLangchain(llm llms.Model) *Langchain {
	return &Langchain{llm: llm}
}

// NewOllama creates a provider backed by a local Ollama server in JSON mode.
func NewOllama(baseURL, model string) (*Langchain, error) {
	llm, err := ollama.New(
		ollama.WithModel(model),
		ollama.WithServerURL(baseURL),
		ollama.WithFormat("json"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return NewLangchain(llm), nil
}

// Propose generates a reply for the thought and decodes the proposed actions.
func (p *Langchain) Propose(ctx context.Context, req Request) (Response, error) {
	system, user := BuildPrompt(req)
	out := Response{RawPrompt: transcript(system, user)}

	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	resp, err := p.llm.GenerateContent(ctx, messages, llms.WithTemperature(0.2), llms.WithJSONMode())
	if err != nil {
		return out, fmt.Errorf("generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return out, fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	out.RawResponse = choice.Content
	out.Usage.PromptTokens = infoInt(choice.GenerationInfo, "PromptTokens")
	out.Usage.CompletionTokens = infoInt(choice.GenerationInfo, "CompletionTokens")
	out.Usage.TotalTokens = infoInt(choice.GenerationInfo, "TotalTokens")
	if out.Usage.TotalTokens == 0 {
		out.Usage.TotalTokens = out.Usage.PromptTokens + out.Usage.CompletionTokens
	}

	out.Actions, err = ParseActions(choice.Content)
	if err != nil {
		return out, err
	}
	return out, nil
}

func infoInt(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
