// Package provider defines the Provider interface, the Gemini adapters that
// implement it, and the per-request client factory.
//
// Handlers never talk to a backend directly. They ask the Factory for a
// Client bound to one temperature/max-tokens pair, hand it the messages
// built by BuildMessages, and get text back.
package provider

import "context"

// Provider is the interface every model backend satisfies.
type Provider interface {
	// Name returns the backend identifier, e.g. "google" or "genai".
	Name() string

	// ChatCompletion sends a request and returns the complete response.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatCompletionStream sends a request and returns a channel that
	// delivers response chunks as they arrive. The channel is closed when
	// the stream ends; a chunk with a non-nil Error is always the last one.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// ChatRequest is the backend-neutral representation of one model call.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int

	// ResponseSchema, when set, constrains the model to emit JSON that
	// conforms to it.
	ResponseSchema *Schema
}

// Message is a single role-tagged message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // the message text
}

// Schema is the subset of the OpenAPI schema object that Gemini accepts as a
// response schema. Type names use Gemini's upper-case spelling.
type Schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// Schema type names.
const (
	TypeObject  = "OBJECT"
	TypeString  = "STRING"
	TypeInteger = "INTEGER"
)

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is a complete (non-streaming) model response.
type ChatResponse struct {
	Model        string // the model that generated the response
	Content      string // the generated text; may be empty
	FinishReason string
	Usage        Usage
}

// Usage holds token counts reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one piece of a streaming response.
type StreamChunk struct {
	Model string
	Delta string // new text in this chunk
	Done  bool   // true on the final chunk

	// Usage is only populated on the final chunk.
	Usage *Usage

	// Error is set when the stream failed mid-way. It is always sent with
	// Done set and is the last value on the channel.
	Error error
}
