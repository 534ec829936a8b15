package llm

import (
	"context"
	"fmt"
)

// Provider constants for LLM provider selection.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Finish reasons normalized across providers.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// Config holds LLM client configuration.
type Config struct {
	Provider string // "openai" or "anthropic"
	APIKey   string // Required: API key for the provider
	BaseURL  string // Optional: custom API endpoint
	Model    string
}

// StreamClient streams a single completion, reporting text as it arrives.
type StreamClient interface {
	Stream(ctx context.Context, req StreamRequest, onDelta DeltaFunc) (*StreamResult, error)
	Model() string
}

// DeltaFunc receives incremental text. Returning an error aborts the stream.
type DeltaFunc func(text string) error

type StreamRequest struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Message represents a conversation message.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

type StreamResult struct {
	Content          string
	FinishReason     string // "stop", "length", or the provider's raw value
	PromptTokens     int
	CompletionTokens int
}

// NewStreamClient selects a provider based on cfg.Provider.
// Defaults to Anthropic if no provider is specified.
func NewStreamClient(cfg Config) (StreamClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	provider := cfg.Provider
	if provider == "" {
		provider = ProviderAnthropic
	}

	switch provider {
	case ProviderAnthropic:
		return newAnthropicClient(cfg), nil
	case ProviderOpenAI:
		return newOpenAIClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", provider)
	}
}
