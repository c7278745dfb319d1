package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ---------------------------------------------------------------------------
// GoogleProvider struct + constructor
// ---------------------------------------------------------------------------

// GoogleProvider implements Provider against Gemini's REST API. It
// translates the unified ChatRequest into Gemini's format, makes the HTTP
// call, and translates the response back.
type GoogleProvider struct {
	apiKey  string       // Gemini API key, sent in the x-goog-api-key header
	baseURL string       // e.g. "https://generativelanguage.googleapis.com/v1beta"
	client  *http.Client // shared HTTP client (connection pooling)
}

// NewGoogleProvider creates a GoogleProvider. The *http.Client is injected so
// tests can point it at an httptest server and main can configure it.
func NewGoogleProvider(apiKey, baseURL string, client *http.Client) *GoogleProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (g *GoogleProvider) Name() string {
	return "google"
}

// ---------------------------------------------------------------------------
// Gemini API types, used only by this file.
// ---------------------------------------------------------------------------

// --- Request types ---

// geminiRequest is the top-level request body for generateContent.
type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; for text we always send a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// geminiGenerationConfig holds generation parameters. Temperature is a
// pointer so an explicit 0 is still sent.
type geminiGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
	ResponseSchema   *Schema  `json:"responseSchema,omitempty"`
}

// --- Response types ---

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsageMetadata  `json:"usageMetadata"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback"`
}

// geminiCandidate is one generated response. We only use the first.
type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toGeminiRequest translates a ChatRequest into Gemini's format:
//  1. system messages are pulled out into systemInstruction
//  2. messages become contents with parts, "assistant" becomes "model"
//  3. temperature, max_tokens and the response schema go into generationConfig
func toGeminiRequest(req *ChatRequest) *geminiRequest {
	gr := &geminiRequest{}

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			// Gemini accepts one systemInstruction; extra system messages
			// become additional parts of it.
			if gr.SystemInstruction == nil {
				gr.SystemInstruction = &geminiContent{}
			}
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: msg.Content})
			continue
		}

		role := msg.Role
		if role == RoleAssistant {
			role = "model"
		}

		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: msg.Content}},
		})
	}

	temperature := req.Temperature
	gc := &geminiGenerationConfig{Temperature: &temperature}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	if req.ResponseSchema != nil {
		gc.ResponseMIMEType = "application/json"
		gc.ResponseSchema = req.ResponseSchema
	}
	gr.GenerationConfig = gc

	return gr
}

// candidateText joins the text of every part of a candidate.
func candidateText(c geminiCandidate) string {
	if len(c.Content.Parts) == 1 {
		return c.Content.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range c.Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func (u *geminiUsageMetadata) usage() Usage {
	return Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		TotalTokens:      u.TotalTokenCount,
	}
}

// newRequest builds the HTTP request for one of Gemini's model methods.
func (g *GoogleProvider) newRequest(ctx context.Context, req *ChatRequest, method string) (*http.Request, error) {
	body, err := json.Marshal(toGeminiRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", g.baseURL, req.Model, method)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Header rather than ?key= so the credential never shows up in
	// transport errors.
	httpReq.Header.Set("x-goog-api-key", g.apiKey)
	return httpReq, nil
}

// apiError reads a non-200 Gemini response into an error.
func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errBody struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &errBody) == nil && errBody.Error.Message != "" {
		return fmt.Errorf("gemini API error (status %d %s): %s",
			resp.StatusCode, errBody.Error.Status, errBody.Error.Message,
		)
	}
	return fmt.Errorf("gemini API error (status %d): %s",
		resp.StatusCode, strings.TrimSpace(string(raw)),
	)
}

// ---------------------------------------------------------------------------
// Non-streaming: ChatCompletion
// ---------------------------------------------------------------------------

// ChatCompletion sends a request to generateContent and returns the complete
// response. A candidate with no text parts yields an empty Content rather
// than an error; callers decide what empty means for them.
func (g *GoogleProvider) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	httpReq, err := g.newRequest(ctx, req, "generateContent")
	if err != nil {
		return nil, err
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}
	// Close the body or the connection can't be reused.
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, apiError(httpResp)
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&geminiResp); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		if fb := geminiResp.PromptFeedback; fb != nil && fb.BlockReason != "" {
			return nil, fmt.Errorf("gemini blocked the prompt: %s", fb.BlockReason)
		}
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	candidate := geminiResp.Candidates[0]

	resp := &ChatResponse{
		Model:        req.Model,
		Content:      candidateText(candidate),
		FinishReason: candidate.FinishReason,
	}
	if geminiResp.UsageMetadata != nil {
		resp.Usage = geminiResp.UsageMetadata.usage()
	}

	return resp, nil
}

// ---------------------------------------------------------------------------
// Streaming: ChatCompletionStream
// ---------------------------------------------------------------------------

// ChatCompletionStream sends a request to streamGenerateContent?alt=sse and
// returns a channel of StreamChunks.
//
// HTTP errors are returned directly; once the goroutine starts, failures are
// delivered as a final chunk with Error set.
func (g *GoogleProvider) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	httpReq, err := g.newRequest(ctx, req, "streamGenerateContent?alt=sse")
	if err != nil {
		return nil, err
	}

	// The body stays open: the goroutine below closes it when done.
	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to gemini: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, apiError(httpResp)
	}

	// Unbuffered: the reader won't pull the next event until the consumer
	// has taken the current chunk.
	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		send := func(c StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

		for scanner.Scan() {
			line := scanner.Text()

			// Blank separators and ":" comments carry no data.
			jsonData, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}

			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(jsonData), &geminiResp); err != nil {
				send(StreamChunk{
					Done:  true,
					Error: fmt.Errorf("decoding gemini stream event: %w", err),
				})
				return
			}

			if len(geminiResp.Candidates) == 0 {
				continue
			}
			candidate := geminiResp.Candidates[0]

			chunk := StreamChunk{
				Model: req.Model,
				Delta: candidateText(candidate),
			}

			// A non-empty finishReason marks the last event.
			if candidate.FinishReason != "" {
				chunk.Done = true
				if geminiResp.UsageMetadata != nil {
					u := geminiResp.UsageMetadata.usage()
					chunk.Usage = &u
				}
			}

			if !send(chunk) || chunk.Done {
				return
			}
		}

		// scanner.Err() is nil on clean EOF.
		if err := scanner.Err(); err != nil {
			send(StreamChunk{
				Done:  true,
				Error: fmt.Errorf("reading gemini stream: %w", err),
			})
		}
	}()

	return ch, nil
}
