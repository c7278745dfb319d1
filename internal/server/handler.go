package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/howard-nolan/llmapi/internal/metrics"
	"github.com/howard-nolan/llmapi/internal/provider"
	"github.com/howard-nolan/llmapi/internal/shaper"
	"github.com/howard-nolan/llmapi/internal/stream"
)

// Prefixes for 500 details, one per handler family.
const (
	prefixPrompt   = "Error processing prompt:"
	prefixQuestion = "Error generating question:"
	prefixReview   = "Error reviewing answer:"
)

// handleRoot describes the API.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "LLM API",
		"endpoints": map[string]string{
			"/generate":        "POST - Send a prompt and receive the model's reply",
			"/generate/stream": "POST - Same as /generate, streamed as server-sent events",
			"/structured":      "POST - Send a prompt and receive a structured catalog item",
			"/generar":         "POST - Generate a job-interview question",
			"/revisar":         "POST - Score and improve an interview answer",
			"/health":          "GET - Check the API status",
			"/metrics":         "GET - Prometheus metrics",
		},
	})
}

// handleHealth is a liveness probe. It never calls the model.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"model":  s.models.Model(),
	})
}

// fail logs err and writes a 500. A missing credential is reported as is;
// anything else gets the handler's prefix.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, prefix string, err error) {
	s.requestLogger(r).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))

	if errors.Is(err, provider.ErrMissingCredential) {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("%s %v", prefix, err))
}

// callModel runs one model call and records its outcome.
func (s *Server) callModel(ctx context.Context, op string, call func(context.Context) (*provider.ChatResponse, error)) (*provider.ChatResponse, error) {
	start := time.Now()
	resp, err := call(ctx)
	s.metrics.ModelCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	s.metrics.ModelCalls.WithLabelValues(op, outcome).Inc()
	return resp, err
}

// orDefault returns v unless it is empty.
func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// handleGenerate handles POST /generate: the model's text, untouched.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	req := newPromptRequest()
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.models.New(r.Context(), req.Temperature, req.MaxTokens)
	if err != nil {
		s.fail(w, r, prefixPrompt, err)
		return
	}

	msgs := provider.BuildMessages(req.SystemPrompt, *req.Prompt)
	resp, err := s.callModel(r.Context(), "generate", func(ctx context.Context) (*provider.ChatResponse, error) {
		return client.Generate(ctx, msgs)
	})
	if err != nil {
		s.fail(w, r, prefixPrompt, err)
		return
	}

	writeJSON(w, http.StatusOK, PromptResponse{
		Response: resp.Content,
		Model:    client.Model(),
	})
}

// handleGenerateStream handles POST /generate/stream. Errors before the
// first byte is written are a normal 500; later ones end the stream early.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	req := newPromptRequest()
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.models.New(r.Context(), req.Temperature, req.MaxTokens)
	if err != nil {
		s.fail(w, r, prefixPrompt, err)
		return
	}

	chunks, err := client.Stream(r.Context(), provider.BuildMessages(req.SystemPrompt, *req.Prompt))
	if err != nil {
		s.metrics.ModelCalls.WithLabelValues("generate_stream", metrics.OutcomeError).Inc()
		s.fail(w, r, prefixPrompt, err)
		return
	}

	if err := stream.Write(r.Context(), w, client.Model(), chunks); err != nil {
		s.metrics.ModelCalls.WithLabelValues("generate_stream", metrics.OutcomeError).Inc()
		var notStarted *stream.NotStartedError
		if errors.As(err, &notStarted) {
			s.fail(w, r, prefixPrompt, notStarted.Err)
			return
		}
		s.requestLogger(r).Warn("stream ended early", zap.Error(err))
		return
	}
	s.metrics.ModelCalls.WithLabelValues("generate_stream", metrics.OutcomeOK).Inc()
}

// handleStructured handles POST /structured: schema-constrained output
// decoded into an Item, with FallbackItem when the model returns nothing.
func (s *Server) handleStructured(w http.ResponseWriter, r *http.Request) {
	req := newPromptRequest()
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.models.New(r.Context(), req.Temperature, req.MaxTokens)
	if err != nil {
		s.fail(w, r, prefixPrompt, err)
		return
	}

	msgs := provider.BuildMessages(req.SystemPrompt, *req.Prompt)
	resp, err := s.callModel(r.Context(), "structured", func(ctx context.Context) (*provider.ChatResponse, error) {
		return client.GenerateStructured(ctx, msgs, shaper.ItemSchema)
	})
	if err != nil {
		s.fail(w, r, prefixPrompt, err)
		return
	}

	item, fallback, err := shaper.DecodeItem(resp.Content)
	if err != nil {
		s.fail(w, r, prefixPrompt, err)
		return
	}
	if fallback {
		s.metrics.StructuredFallbacks.Inc()
		s.requestLogger(r).Info("structured output empty, using fallback item",
			zap.String("finish_reason", resp.FinishReason))
	}

	writeJSON(w, http.StatusOK, StructuredResponse{
		Response: item,
		Model:    client.Model(),
	})
}

// handleGenerateQuestion handles POST /generar: one interview question.
func (s *Server) handleGenerateQuestion(w http.ResponseWriter, r *http.Request) {
	req := newGenerateQuestionRequest()
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.models.New(r.Context(), req.Temperature, req.MaxTokens)
	if err != nil {
		s.fail(w, r, prefixQuestion, err)
		return
	}

	msgs := provider.BuildMessages(
		orDefault(req.SystemPrompt, s.cfg.Prompts.Interviewer),
		s.cfg.Prompts.QuestionInstruction,
	)
	resp, err := s.callModel(r.Context(), "question", func(ctx context.Context) (*provider.ChatResponse, error) {
		return client.Generate(ctx, msgs)
	})
	if err != nil {
		s.fail(w, r, prefixQuestion, err)
		return
	}

	writeJSON(w, http.StatusOK, QuestionResponse{Question: strings.TrimSpace(resp.Content)})
}

// reviewMessage is the user message sent to the evaluator.
func reviewMessage(question, answer string) string {
	return fmt.Sprintf("Pregunta: %s\nRespuesta del candidato: %s", question, answer)
}

// handleReview handles POST /revisar: the evaluator's JSON verdict, or the
// raw reply with a zero score when it cannot be parsed.
func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	req := newReviewRequest()
	if !s.decode(w, r, &req) {
		return
	}

	client, err := s.models.New(r.Context(), req.Temperature, req.MaxTokens)
	if err != nil {
		s.fail(w, r, prefixReview, err)
		return
	}

	msgs := provider.BuildMessages(
		orDefault(req.SystemPrompt, s.cfg.Prompts.Evaluator),
		reviewMessage(*req.Question, *req.Answer),
	)
	resp, err := s.callModel(r.Context(), "review", func(ctx context.Context) (*provider.ChatResponse, error) {
		return client.Generate(ctx, msgs)
	})
	if err != nil {
		s.fail(w, r, prefixReview, err)
		return
	}

	result := shaper.ShapeReview(resp.Content)
	if result.Source == shaper.SourceRaw {
		s.metrics.ReviewFallbacks.Inc()
		s.requestLogger(r).Info("review reply not parseable, returning raw text",
			zap.Error(result.ParseErr))
	}

	writeJSON(w, http.StatusOK, result.Review)
}
