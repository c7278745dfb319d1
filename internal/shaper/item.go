// Package shaper turns raw model output into the JSON records the API
// returns.
package shaper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/howard-nolan/llmapi/internal/provider"
)

// Item is the catalog record /structured asks the model to fill in.
type Item struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Number int    `json:"number"`
}

// FallbackItem is returned when the model produced no structured result.
var FallbackItem = Item{Name: "Unknown", Type: "Unknown", Number: 0}

// ItemSchema is the response schema sent with /structured calls.
var ItemSchema = &provider.Schema{
	Type:        provider.TypeObject,
	Description: "A catalog entry.",
	Properties: map[string]*provider.Schema{
		"name":   {Type: provider.TypeString, Description: "The name of the item"},
		"type":   {Type: provider.TypeString, Description: "The type of the item"},
		"number": {Type: provider.TypeInteger, Description: "The number of the item in its catalog"},
	},
	Required: []string{"name", "type", "number"},
}

// DecodeItem decodes schema-constrained model output.
//
// Empty output and a bare JSON null mean "no result" and yield
// (FallbackItem, true, nil). Output that is present but does not match the
// schema is an error.
func DecodeItem(raw string) (item Item, fallback bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return FallbackItem, true, nil
	}

	var wire struct {
		Name   *string `json:"name"`
		Type   *string `json:"type"`
		Number *int    `json:"number"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&wire); err != nil {
		return Item{}, false, fmt.Errorf("decoding structured output: %w", err)
	}
	if dec.More() {
		return Item{}, false, errors.New("decoding structured output: trailing data")
	}

	var missing []string
	if wire.Name == nil {
		missing = append(missing, "name")
	}
	if wire.Type == nil {
		missing = append(missing, "type")
	}
	if wire.Number == nil {
		missing = append(missing, "number")
	}
	if len(missing) > 0 {
		return Item{}, false, fmt.Errorf("structured output missing fields: %s", strings.Join(missing, ", "))
	}

	return Item{Name: *wire.Name, Type: *wire.Type, Number: *wire.Number}, false, nil
}
