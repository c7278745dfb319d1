// Package stream writes model output to the client as Server-Sent Events.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmapi/internal/provider"
)

// ErrNoFlusher is returned when the ResponseWriter cannot flush.
var ErrNoFlusher = errors.New("response writer does not support flushing (http.Flusher)")

// ---------------------------------------------------------------------------
// SSE event types
// ---------------------------------------------------------------------------

// The wire format is one JSON object per event:
//
//	data: {"delta":"Hel","model":"gemini-2.5-flash-lite"}
//	data: {"delta":"lo","model":"gemini-2.5-flash-lite"}
//	data: {"model":"gemini-2.5-flash-lite","done":true,"usage":{...}}
//	data: [DONE]

type event struct {
	Delta string `json:"delta,omitempty"`
	Model string `json:"model"`
	Done  bool   `json:"done,omitempty"`

	// Usage only appears on the final event, when the backend reported it.
	Usage *eventUsage `json:"usage,omitempty"`
}

type eventUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// NotStartedError wraps a failure that happened before anything was written
// to the client. The caller can still send an ordinary error response.
type NotStartedError struct {
	Err error
}

func (e *NotStartedError) Error() string { return e.Err.Error() }

func (e *NotStartedError) Unwrap() error { return e.Err }

// Write reads StreamChunks from the channel and writes them as SSE events,
// flushing after each one so the client sees text as it arrives.
//
// Headers are sent with the first event. A failure before that point is
// returned as *NotStartedError. A chunk carrying an Error after it ends the
// stream without the [DONE] sentinel; the status cannot change by then.
// A cancelled ctx also suppresses [DONE].
func Write(ctx context.Context, w http.ResponseWriter, model string, chunks <-chan provider.StreamChunk) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return &NotStartedError{Err: ErrNoFlusher}
	}

	started := false
	fail := func(err error) error {
		if !started {
			return &NotStartedError{Err: err}
		}
		return err
	}

	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	emit := func(ev event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return fail(fmt.Errorf("marshaling SSE event: %w", err))
		}
		start()
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
		return nil
	}

	for chunk := range chunks {
		if chunk.Error != nil {
			return fail(chunk.Error)
		}

		if chunk.Delta != "" {
			if err := emit(event{Delta: chunk.Delta, Model: model}); err != nil {
				return err
			}
		}

		if chunk.Done {
			final := event{Model: model, Done: true}
			if chunk.Usage != nil {
				final.Usage = &eventUsage{
					PromptTokens:     chunk.Usage.PromptTokens,
					CompletionTokens: chunk.Usage.CompletionTokens,
					TotalTokens:      chunk.Usage.TotalTokens,
				}
			}
			if err := emit(final); err != nil {
				return err
			}
		}
	}

	// Producers close the channel without an error chunk on cancellation.
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	start()
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()

	return nil
}
