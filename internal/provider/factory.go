package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmapi/internal/config"
)

// ErrMissingCredential is matched by every *MissingCredentialError.
var ErrMissingCredential = errors.New("missing model credential")

// MissingCredentialError is returned by Factory.New when no API key is
// configured.
type MissingCredentialError struct {
	Env string // the variable an operator is expected to set
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("%s is not configured as an environment variable", e.Env)
}

// Is reports whether target is ErrMissingCredential.
func (e *MissingCredentialError) Is(target error) bool {
	return target == ErrMissingCredential
}

// Factory builds a Client per request from configuration injected once at
// startup. It holds no per-request state.
type Factory struct {
	cfg        config.ModelConfig
	httpClient *http.Client
}

// NewFactory creates a Factory. A nil httpClient means http.DefaultClient.
func NewFactory(cfg config.ModelConfig, httpClient *http.Client) *Factory {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Factory{cfg: cfg, httpClient: httpClient}
}

// Model returns the fixed model identifier every client is bound to.
func (f *Factory) Model() string {
	return f.cfg.Name
}

// New returns a Client configured with the given temperature and maximum
// output tokens. It fails with *MissingCredentialError when the credential
// is empty and never performs network I/O.
func (f *Factory) New(ctx context.Context, temperature float64, maxTokens int) (*Client, error) {
	if f.cfg.APIKey == "" {
		return nil, &MissingCredentialError{Env: config.CredentialEnv}
	}

	var p Provider
	switch f.cfg.Backend {
	case config.BackendGenAI:
		gp, err := NewGenAIProvider(ctx, f.cfg.APIKey, f.cfg.BaseURL, f.httpClient)
		if err != nil {
			return nil, err
		}
		p = gp
	default:
		p = NewGoogleProvider(f.cfg.APIKey, f.cfg.BaseURL, f.httpClient)
	}

	return &Client{
		provider:    p,
		model:       f.cfg.Name,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Client is a configured handle on the remote model for one request.
type Client struct {
	provider    Provider
	model       string
	temperature float64
	maxTokens   int
}

// NewClient wraps an arbitrary Provider, bypassing the credential check.
func NewClient(p Provider, model string, temperature float64, maxTokens int) *Client {
	return &Client{provider: p, model: model, temperature: temperature, maxTokens: maxTokens}
}

// Model returns the model identifier.
func (c *Client) Model() string { return c.model }

// Backend returns the provider name.
func (c *Client) Backend() string { return c.provider.Name() }

func (c *Client) request(msgs []Message, schema *Schema) *ChatRequest {
	return &ChatRequest{
		Model:          c.model,
		Messages:       msgs,
		Temperature:    c.temperature,
		MaxTokens:      c.maxTokens,
		ResponseSchema: schema,
	}
}

// Generate invokes the model once and returns its text.
func (c *Client) Generate(ctx context.Context, msgs []Message) (*ChatResponse, error) {
	return c.provider.ChatCompletion(ctx, c.request(msgs, nil))
}

// GenerateStructured invokes the model constrained to schema. The returned
// Content is the raw JSON text; it may be empty.
func (c *Client) GenerateStructured(ctx context.Context, msgs []Message, schema *Schema) (*ChatResponse, error) {
	return c.provider.ChatCompletion(ctx, c.request(msgs, schema))
}

// Stream invokes the model and returns its output as chunks.
func (c *Client) Stream(ctx context.Context, msgs []Message) (<-chan StreamChunk, error) {
	return c.provider.ChatCompletionStream(ctx, c.request(msgs, nil))
}
