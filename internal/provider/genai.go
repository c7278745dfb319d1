package provider

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// GenAIProvider implements Provider on top of the Google Gen AI SDK.
type GenAIProvider struct {
	client *genai.Client
}

// NewGenAIProvider creates a GenAIProvider for the Gemini API backend.
// Construction does not touch the network. An empty baseURL keeps the SDK
// default endpoint.
func NewGenAIProvider(ctx context.Context, apiKey, baseURL string, httpClient *http.Client) (*GenAIProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	return &GenAIProvider{client: client}, nil
}

// Name returns the provider identifier.
func (p *GenAIProvider) Name() string {
	return "genai"
}

// toGenAI splits the unified request into SDK contents and config.
func toGenAI(req *ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.ResponseSchema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = toGenAISchema(req.ResponseSchema)
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			if cfg.SystemInstruction == nil {
				cfg.SystemInstruction = &genai.Content{}
			}
			cfg.SystemInstruction.Parts = append(cfg.SystemInstruction.Parts, genai.NewPartFromText(msg.Content))
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

func toGenAISchema(s *Schema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(s.Type),
		Description: s.Description,
		Required:    s.Required,
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGenAISchema(prop)
		}
	}
	return out
}

func genaiUsage(u *genai.GenerateContentResponseUsageMetadata) *Usage {
	if u == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     int(u.PromptTokenCount),
		CompletionTokens: int(u.CandidatesTokenCount),
		TotalTokens:      int(u.TotalTokenCount),
	}
}

// ChatCompletion calls Models.GenerateContent.
func (p *GenAIProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	contents, cfg := toGenAI(req)

	result, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("genai generate content: %w", err)
	}

	if len(result.Candidates) == 0 {
		if fb := result.PromptFeedback; fb != nil && fb.BlockReason != "" {
			return nil, fmt.Errorf("gemini blocked the prompt: %s", fb.BlockReason)
		}
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	resp := &ChatResponse{
		Model:        req.Model,
		Content:      result.Text(),
		FinishReason: string(result.Candidates[0].FinishReason),
	}
	if u := genaiUsage(result.UsageMetadata); u != nil {
		resp.Usage = *u
	}
	return resp, nil
}

// ChatCompletionStream calls Models.GenerateContentStream and forwards each
// response as a StreamChunk.
func (p *GenAIProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	contents, cfg := toGenAI(req)

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)

		for result, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
			var chunk StreamChunk
			if err != nil {
				chunk = StreamChunk{Done: true, Error: fmt.Errorf("genai stream: %w", err)}
			} else {
				chunk = StreamChunk{Model: req.Model, Delta: result.Text()}
				if len(result.Candidates) > 0 && result.Candidates[0].FinishReason != "" {
					chunk.Done = true
					chunk.Usage = genaiUsage(result.UsageMetadata)
				}
			}

			select {
			case ch <- chunk:
			case <-ctx.Done():
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return ch, nil
}
