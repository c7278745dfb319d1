package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/howard-nolan/llmapi/internal/shaper"
)

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

// Required string fields are pointers so "absent" and "empty" differ: a
// missing prompt is rejected, an empty one is forwarded as is.

// PromptRequest is the body of /generate, /generate/stream and /structured.
type PromptRequest struct {
	Prompt       *string `json:"prompt" validate:"required"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

func newPromptRequest() PromptRequest {
	return PromptRequest{Temperature: 0.7, MaxTokens: 500}
}

// GenerateQuestionRequest is the body of /generar.
type GenerateQuestionRequest struct {
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

func newGenerateQuestionRequest() GenerateQuestionRequest {
	return GenerateQuestionRequest{Temperature: 0.7, MaxTokens: 100}
}

// ReviewRequest is the body of /revisar.
type ReviewRequest struct {
	Question     *string `json:"pregunta" validate:"required"`
	Answer       *string `json:"respuesta" validate:"required"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"max_tokens"`
}

func newReviewRequest() ReviewRequest {
	return ReviewRequest{Temperature: 0.7, MaxTokens: 250}
}

// ---------------------------------------------------------------------------
// Response bodies
// ---------------------------------------------------------------------------

// PromptResponse is returned by /generate.
type PromptResponse struct {
	Response string `json:"response"`
	Model    string `json:"model"`
}

// StructuredResponse is returned by /structured.
type StructuredResponse struct {
	Response shaper.Item `json:"response"`
	Model    string      `json:"model"`
}

// QuestionResponse is returned by /generar.
type QuestionResponse struct {
	Question string `json:"pregunta"`
}

// ---------------------------------------------------------------------------
// Decoding and validation
// ---------------------------------------------------------------------------

// fieldError is one entry of a 422 response's detail list.
type fieldError struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names, not Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode reads the JSON body into dst, which must already hold the
// defaults, and validates it. On failure it writes a 422 and returns false.
// An empty body is treated as {}.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail": []fieldError{{
				Loc:  []string{"body"},
				Msg:  err.Error(),
				Type: "json_invalid",
			}},
		})
		return false
	}

	err := s.validate.Struct(dst)
	if err == nil {
		return true
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeDetail(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}

	details := make([]fieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "invalid value"
		if fe.Tag() == "required" {
			msg = "field required"
		}
		details = append(details, fieldError{
			Loc:  []string{"body", fe.Field()},
			Msg:  msg,
			Type: fe.Tag(),
		})
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": details})
	return false
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDetail writes the {"detail": msg} error body.
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
