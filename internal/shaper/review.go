package shaper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Review is the evaluator's verdict on a candidate answer.
type Review struct {
	ImprovedAnswer string `json:"respuesta_mejorada"`
	Score          int    `json:"score"`
}

// ReviewSource says which branch produced a Review.
type ReviewSource int

const (
	// SourceParsed means the model reply was valid review JSON.
	SourceParsed ReviewSource = iota
	// SourceRaw means the reply could not be parsed and was passed through
	// with a zero score.
	SourceRaw
)

func (s ReviewSource) String() string {
	if s == SourceParsed {
		return "parsed"
	}
	return "raw"
}

// ReviewResult is the outcome of ShapeReview. ParseErr is set only when
// Source is SourceRaw.
type ReviewResult struct {
	Review   Review
	Source   ReviewSource
	ParseErr error
}

// Errors returned by ParseReview.
var (
	ErrEmptyReview   = errors.New("empty review")
	ErrMissingAnswer = errors.New("review has no improved answer")
	ErrMissingScore  = errors.New("review has no score")
)

// StripFences removes every ```json and ``` marker and trims whitespace.
func StripFences(raw string) string {
	s := strings.ReplaceAll(raw, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

// ParseReview parses a model reply into a Review. Both fields are required.
// The answer may arrive as "respuesta_mejorada" or "improved_answer"; the
// score may be an integral number or a numeric string.
func ParseReview(raw string) (Review, error) {
	clean := StripFences(raw)
	if clean == "" {
		return Review{}, ErrEmptyReview
	}

	var wire map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader([]byte(clean)))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Review{}, fmt.Errorf("decoding review: %w", err)
	}
	if dec.More() {
		return Review{}, errors.New("decoding review: trailing data")
	}

	answerRaw, ok := wire["respuesta_mejorada"]
	if !ok {
		answerRaw, ok = wire["improved_answer"]
	}
	if !ok {
		return Review{}, ErrMissingAnswer
	}
	var answer *string
	if err := json.Unmarshal(answerRaw, &answer); err != nil {
		return Review{}, fmt.Errorf("improved answer: %w", err)
	}
	if answer == nil {
		return Review{}, ErrMissingAnswer
	}

	scoreRaw, ok := wire["score"]
	if !ok {
		return Review{}, ErrMissingScore
	}
	score, err := parseScore(scoreRaw)
	if err != nil {
		return Review{}, err
	}

	return Review{ImprovedAnswer: *answer, Score: score}, nil
}

// parseScore accepts 80, 80.0 and "80".
func parseScore(raw json.RawMessage) (int, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("score: %w", err)
	}

	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = strings.TrimSpace(t)
	default:
		return 0, fmt.Errorf("score: unexpected %T", v)
	}

	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("score: %q is not an integer", s)
	}
	return int(f), nil
}

// ShapeReview parses raw and falls back to the trimmed raw text with a zero
// score when parsing fails.
func ShapeReview(raw string) ReviewResult {
	review, err := ParseReview(raw)
	if err != nil {
		return ReviewResult{
			Review:   Review{ImprovedAnswer: strings.TrimSpace(raw), Score: 0},
			Source:   SourceRaw,
			ParseErr: err,
		}
	}
	return ReviewResult{Review: review, Source: SourceParsed}
}
