// Package llm provides the reasoning handles a session is assembled
// with: Ollama for local models and Groq for hosted ones.
package llm

import "context"

// Client is the interface that all LLM providers must implement. A
// client is bound to one model and one set of options at construction;
// construction never touches the network.
type Client interface {
	// Name returns the provider name ("ollama", "groq").
	Name() string

	// Model returns the model the client was built for.
	Model() string

	// Chat sends a chat completion request and returns the response.
	// Network and authentication failures surface as
	// *provider.UnavailableError.
	Chat(ctx context.Context, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
