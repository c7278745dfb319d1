package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/howard-nolan/llmapi/internal/config"
	"github.com/howard-nolan/llmapi/internal/metrics"
	"github.com/howard-nolan/llmapi/internal/provider"
)

// upstream is a fake Gemini REST endpoint. It answers every call with
// reply (or an empty candidate when empty is set), or with status/body when
// status is non-zero.
type upstream struct {
	mu      sync.Mutex
	reply   string
	empty   bool
	status  int
	body    string
	stream  []string
	hits    int
	lastReq map[string]any
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.hits++
	u.lastReq = nil
	_ = json.Unmarshal(raw, &u.lastReq)

	if u.status != 0 {
		w.WriteHeader(u.status)
		io.WriteString(w, u.body)
		return
	}

	if strings.Contains(r.URL.Path, "streamGenerateContent") {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, e := range u.stream {
			io.WriteString(w, "data: "+e+"\n\n")
		}
		return
	}

	parts := []any{}
	if !u.empty {
		parts = append(parts, map[string]any{"text": u.reply})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": parts},
			"finishReason": "STOP",
		}},
	})
}

func (u *upstream) snapshot() (int, map[string]any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits, u.lastReq
}

type harness struct {
	srv      *Server
	upstream *upstream
	metrics  *metrics.Metrics
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	return newBackendHarness(t, apiKey, config.BackendREST)
}

// newBackendHarness is newHarness with the given model backend.
func newBackendHarness(t *testing.T, apiKey, backend string) *harness {
	t.Helper()

	up := &upstream{}
	ts := httptest.NewServer(up)
	t.Cleanup(ts.Close)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8000},
		Model: config.ModelConfig{
			Name:    config.DefaultModel,
			Backend: backend,
			BaseURL: ts.URL,
			APIKey:  apiKey,
		},
		Prompts: config.PromptsConfig{
			Interviewer:         config.DefaultInterviewerPrompt,
			Evaluator:           config.DefaultEvaluatorPrompt,
			QuestionInstruction: config.DefaultQuestionInstruction,
		},
	}
	m := metrics.New()
	factory := provider.NewFactory(cfg.Model, ts.Client())

	return &harness{
		srv:      New(cfg, factory, zaptest.NewLogger(t), m),
		upstream: up,
		metrics:  m,
	}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// systemText and userTexts read the Gemini request captured by upstream.
func systemText(req map[string]any) (string, bool) {
	si, ok := req["systemInstruction"].(map[string]any)
	if !ok {
		return "", false
	}
	parts := si["parts"].([]any)
	return parts[0].(map[string]any)["text"].(string), true
}

func userTexts(req map[string]any) []string {
	var out []string
	for _, c := range req["contents"].([]any) {
		content := c.(map[string]any)
		for _, p := range content["parts"].([]any) {
			out = append(out, p.(map[string]any)["text"].(string))
		}
	}
	return out
}

func generationConfig(req map[string]any) map[string]any {
	return req["generationConfig"].(map[string]any)
}

// ---------------------------------------------------------------------------
// Descriptive routes
// ---------------------------------------------------------------------------

func TestHealthNeedsNoCredential(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","model":"gemini-2.5-flash-lite"}`, rec.Body.String())
	hits, _ := h.upstream.snapshot()
	assert.Zero(t, hits)
}

func TestRootListsEndpoints(t *testing.T) {
	h := newHarness(t, "k")

	rec := h.do(t, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["message"])
	endpoints := body["endpoints"].(map[string]any)
	for _, path := range []string{"/generate", "/structured", "/generar", "/revisar", "/health"} {
		assert.Contains(t, endpoints, path)
	}
}

func TestRequestIDHeader(t *testing.T) {
	h := newHarness(t, "k")

	rec := h.do(t, http.MethodGet, "/health", "")
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, "k")

	req := httptest.NewRequest(http.MethodOptions, "/revisar", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	h.srv.ServeHTTP(rec, req)

	assert.Less(t, rec.Code, 300)
	assert.Contains(t, []string{"*", "http://localhost:5173"}, rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))
}

// ---------------------------------------------------------------------------
// Credential handling
// ---------------------------------------------------------------------------

func TestMissingCredentialOnEveryModelEndpoint(t *testing.T) {
	bodies := map[string]string{
		"/generate":        `{"prompt":"hi"}`,
		"/generate/stream": `{"prompt":"hi"}`,
		"/structured":      `{"prompt":"hi"}`,
		"/generar":         `{}`,
		"/revisar":         `{"pregunta":"q","respuesta":"a"}`,
	}

	for path, body := range bodies {
		t.Run(path, func(t *testing.T) {
			h := newHarness(t, "")

			rec := h.do(t, http.MethodPost, path, body)

			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["detail"], config.CredentialEnv)
			hits, _ := h.upstream.snapshot()
			assert.Zero(t, hits, "no outbound model call")
		})
	}
}

// ---------------------------------------------------------------------------
// /generate
// ---------------------------------------------------------------------------

func TestGenerate(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "  Paris \n"

	rec := h.do(t, http.MethodPost, "/generate", `{"prompt":"capital of France?","system_prompt":"be brief"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"response":"  Paris \n","model":"gemini-2.5-flash-lite"}`, rec.Body.String())

	_, req := h.upstream.snapshot()
	sys, ok := systemText(req)
	require.True(t, ok)
	assert.Equal(t, "be brief", sys)
	assert.Equal(t, []string{"capital of France?"}, userTexts(req))

	gc := generationConfig(req)
	assert.Equal(t, 0.7, gc["temperature"])
	assert.Equal(t, 500.0, gc["maxOutputTokens"])

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ModelCalls.WithLabelValues("generate", metrics.OutcomeOK)))
}

func TestGenerateWithoutSystemPrompt(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "ok"

	rec := h.do(t, http.MethodPost, "/generate", `{"prompt":"hi","system_prompt":"","temperature":0,"max_tokens":20}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, req := h.upstream.snapshot()
	_, ok := systemText(req)
	assert.False(t, ok, "no system message when system_prompt is empty")
	assert.Equal(t, []string{"hi"}, userTexts(req))

	gc := generationConfig(req)
	assert.Equal(t, 0.0, gc["temperature"])
	assert.Equal(t, 20.0, gc["maxOutputTokens"])
}

func TestGenerateAcceptsEmptyPrompt(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "?"

	rec := h.do(t, http.MethodPost, "/generate", `{"prompt":""}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		loc  []any
	}{
		{name: "missing prompt", body: `{"system_prompt":"x"}`, loc: []any{"body", "prompt"}},
		{name: "empty body", body: "", loc: []any{"body", "prompt"}},
		{name: "malformed json", body: `{"prompt":`, loc: []any{"body"}},
		{name: "wrong type", body: `{"prompt":"x","max_tokens":"many"}`, loc: []any{"body"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "k")

			rec := h.do(t, http.MethodPost, "/generate", tt.body)

			require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
			detail := decodeBody(t, rec)["detail"].([]any)
			require.NotEmpty(t, detail)
			assert.Equal(t, tt.loc, detail[0].(map[string]any)["loc"])
			hits, _ := h.upstream.snapshot()
			assert.Zero(t, hits)
		})
	}
}

func TestGenerateUpstreamError(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.status = http.StatusServiceUnavailable
	h.upstream.body = `{"error":{"message":"model overloaded","status":"UNAVAILABLE"}}`

	rec := h.do(t, http.MethodPost, "/generate", `{"prompt":"hi"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeBody(t, rec)["detail"].(string)
	assert.True(t, strings.HasPrefix(detail, "Error processing prompt: "), detail)
	assert.Contains(t, detail, "model overloaded")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ModelCalls.WithLabelValues("generate", metrics.OutcomeError)))
}

func TestGenerateStream(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.stream = []string{
		`{"candidates":[{"content":{"parts":[{"text":"Hola"}]}}]}`,
		`{"candidates":[{"content":{"parts":[{"text":" mundo"}]},"finishReason":"STOP"}]}`,
	}

	rec := h.do(t, http.MethodPost, "/generate/stream", `{"prompt":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `"delta":"Hola"`)
	assert.Contains(t, body, `"delta":" mundo"`)
	assert.Contains(t, body, `"done":true`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestGenerateStreamGenAI(t *testing.T) {
	h := newBackendHarness(t, "k", config.BackendGenAI)
	h.upstream.stream = []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hola"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" mundo"}]},"finishReason":"STOP"}]}`,
	}

	rec := h.do(t, http.MethodPost, "/generate/stream", `{"prompt":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"delta":"Hola"`)
	assert.Contains(t, body, `"delta":" mundo"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ModelCalls.WithLabelValues("generate_stream", metrics.OutcomeOK)))
}

func TestGenerateStreamUpstreamError(t *testing.T) {
	for _, backend := range []string{config.BackendREST, config.BackendGenAI} {
		t.Run(backend, func(t *testing.T) {
			h := newBackendHarness(t, "k", backend)
			h.upstream.status = http.StatusBadRequest
			h.upstream.body = `{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}`

			rec := h.do(t, http.MethodPost, "/generate/stream", `{"prompt":"hi"}`)

			require.Equal(t, http.StatusInternalServerError, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			detail := decodeBody(t, rec)["detail"].(string)
			assert.True(t, strings.HasPrefix(detail, "Error processing prompt: "), detail)
			assert.Contains(t, detail, "API key not valid")
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ModelCalls.WithLabelValues("generate_stream", metrics.OutcomeError)))
		})
	}
}

func TestGenerateStreamBadFirstEvent(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.stream = []string{"not json"}

	rec := h.do(t, http.MethodPost, "/generate/stream", `{"prompt":"hi"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeBody(t, rec)["detail"].(string)
	assert.True(t, strings.HasPrefix(detail, "Error processing prompt: "), detail)
	assert.Contains(t, detail, "decoding gemini stream event")
	assert.NotContains(t, rec.Body.String(), "[DONE]")
}

func TestGenerateStreamErrorAfterFirstEvent(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.stream = []string{
		`{"candidates":[{"content":{"parts":[{"text":"Hola"}]}}]}`,
		"not json",
	}

	rec := h.do(t, http.MethodPost, "/generate/stream", `{"prompt":"hi"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"delta":"Hola"`)
	assert.NotContains(t, rec.Body.String(), "[DONE]")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ModelCalls.WithLabelValues("generate_stream", metrics.OutcomeError)))
}

// ---------------------------------------------------------------------------
// /structured
// ---------------------------------------------------------------------------

func TestStructured(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = `{"name":"Pikachu","type":"Electric","number":25}`

	rec := h.do(t, http.MethodPost, "/structured", `{"prompt":"tell me about pikachu"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t,
		`{"response":{"name":"Pikachu","type":"Electric","number":25},"model":"gemini-2.5-flash-lite"}`,
		rec.Body.String())

	_, req := h.upstream.snapshot()
	gc := generationConfig(req)
	assert.Equal(t, "application/json", gc["responseMimeType"])
	schema := gc["responseSchema"].(map[string]any)
	assert.ElementsMatch(t, []any{"name", "type", "number"}, schema["required"])
}

func TestStructuredFallback(t *testing.T) {
	for name, set := range map[string]func(*upstream){
		"empty candidate": func(u *upstream) { u.empty = true },
		"json null":       func(u *upstream) { u.reply = "null" },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, "k")
			set(h.upstream)

			rec := h.do(t, http.MethodPost, "/structured", `{"prompt":"?"}`)

			require.Equal(t, http.StatusOK, rec.Code)
			assert.JSONEq(t,
				`{"response":{"name":"Unknown","type":"Unknown","number":0},"model":"gemini-2.5-flash-lite"}`,
				rec.Body.String())
			assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StructuredFallbacks))
		})
	}
}

func TestStructuredSchemaViolation(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = `{"name":"Pikachu"}`

	rec := h.do(t, http.MethodPost, "/structured", `{"prompt":"?"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "Error processing prompt:")
}

// ---------------------------------------------------------------------------
// /generar
// ---------------------------------------------------------------------------

func TestGenerateQuestionDefaults(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "\n  ¿Cómo manejas un conflicto en tu equipo?  \n"

	rec := h.do(t, http.MethodPost, "/generar", `{}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pregunta":"¿Cómo manejas un conflicto en tu equipo?"}`, rec.Body.String())

	_, req := h.upstream.snapshot()
	sys, ok := systemText(req)
	require.True(t, ok)
	assert.Equal(t, config.DefaultInterviewerPrompt, sys)
	assert.Equal(t, []string{config.DefaultQuestionInstruction}, userTexts(req))
	assert.Equal(t, 100.0, generationConfig(req)["maxOutputTokens"])
}

func TestGenerateQuestionCustomPersona(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "Q?"

	rec := h.do(t, http.MethodPost, "/generar", `{"system_prompt":"Ask about Go.","max_tokens":30}`)
	require.Equal(t, http.StatusOK, rec.Code)

	_, req := h.upstream.snapshot()
	sys, _ := systemText(req)
	assert.Equal(t, "Ask about Go.", sys)
	assert.Equal(t, 30.0, generationConfig(req)["maxOutputTokens"])
}

func TestGenerateQuestionEmptyBody(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "Q?"

	rec := h.do(t, http.MethodPost, "/generar", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateQuestionUpstreamError(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.status = http.StatusInternalServerError
	h.upstream.body = "boom"

	rec := h.do(t, http.MethodPost, "/generar", `{}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "Error generating question:")
}

// ---------------------------------------------------------------------------
// /revisar
// ---------------------------------------------------------------------------

func TestReviewParsed(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "```json\n{\"respuesta_mejorada\":\"X\",\"score\":80}\n```"

	rec := h.do(t, http.MethodPost, "/revisar", `{"pregunta":"¿Por qué aquí?","respuesta":"Porque sí"}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"respuesta_mejorada":"X","score":80}`, rec.Body.String())

	_, req := h.upstream.snapshot()
	sys, _ := systemText(req)
	assert.Equal(t, config.DefaultEvaluatorPrompt, sys)
	assert.Equal(t, []string{"Pregunta: ¿Por qué aquí?\nRespuesta del candidato: Porque sí"}, userTexts(req))
	assert.Equal(t, 250.0, generationConfig(req)["maxOutputTokens"])
	assert.Zero(t, testutil.ToFloat64(h.metrics.ReviewFallbacks))
}

func TestReviewRawFallback(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.reply = "not json"

	rec := h.do(t, http.MethodPost, "/revisar", `{"pregunta":"q","respuesta":"a"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"respuesta_mejorada":"not json","score":0}`, rec.Body.String())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReviewFallbacks))
}

func TestReviewValidation(t *testing.T) {
	h := newHarness(t, "k")

	rec := h.do(t, http.MethodPost, "/revisar", `{"pregunta":"q"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	detail := decodeBody(t, rec)["detail"].([]any)
	require.Len(t, detail, 1)
	assert.Equal(t, []any{"body", "respuesta"}, detail[0].(map[string]any)["loc"])
}

func TestReviewUpstreamError(t *testing.T) {
	h := newHarness(t, "k")
	h.upstream.status = http.StatusBadRequest
	h.upstream.body = `{"error":{"message":"bad","status":"INVALID_ARGUMENT"}}`

	rec := h.do(t, http.MethodPost, "/revisar", `{"pregunta":"q","respuesta":"a"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["detail"], "Error reviewing answer:")
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, "k")
	h.do(t, http.MethodGet, "/health", "")

	rec := h.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `llmapi_http_requests_total{route="/health",status="200"} 1`)
}
