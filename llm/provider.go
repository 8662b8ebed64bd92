package llm

import (
	"context"
	"fmt"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Auto-register common providers.
	_ "github.com/petal-labs/iris/providers/anthropic"
	_ "github.com/petal-labs/iris/providers/ollama"
	_ "github.com/petal-labs/iris/providers/openai"
)

// ChatProvider is the part of an iris provider the summarizer needs.
type ChatProvider interface {
	ID() string
	Chat(ctx context.Context, req *iriscore.ChatRequest) (*iriscore.ChatResponse, error)
}

// NewProvider creates the named iris provider.
func NewProvider(name, apiKey string) (ChatProvider, error) {
	provider, err := providers.Create(name, apiKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", name, err)
	}
	return provider, nil
}
