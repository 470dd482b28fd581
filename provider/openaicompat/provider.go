package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tabletalk/tabletalk"
)

// Provider implements tabletalk.Provider for any OpenAI-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

var _ tabletalk.Provider = (*Provider)(nil)

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via
// WithName).
func (p *Provider) Name() string { return p.name }

// Chat sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain
// ToolCalls.
func (p *Provider) Chat(ctx context.Context, req tabletalk.ChatRequest) (tabletalk.ChatResponse, error) {
	body := BuildBody(req.Messages, req.Tools, p.model, p.opts...)

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return tabletalk.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return tabletalk.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return tabletalk.ChatResponse{}, fmt.Errorf("%s: decode response: %w", p.name, err)
	}
	if p.logger != nil && chatResp.Usage != nil {
		p.logger.Debug("provider: chat completed",
			"provider", p.name, "model", p.model,
			"input_tokens", chatResp.Usage.PromptTokens,
			"output_tokens", chatResp.Usage.CompletionTokens)
	}
	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and posts it to the chat
// completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: send request: %w", p.name, err)
	}
	return resp, nil
}

// httpErr reads the error body and wraps it with the status code.
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s: api error: status %d: %s", p.name, resp.StatusCode, body)
}
