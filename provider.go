package tabletalk

import "context"

// Provider abstracts the model backend. The turn engine only sees this
// interface; tool definitions ride along on the request.
type Provider interface {
	// Chat sends a request and returns a complete response, which may
	// contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai-compatible").
	Name() string
}
