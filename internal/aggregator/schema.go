package aggregator

import (
	"encoding/json"
	"log"
)

// simplifiedSchema is the compact subset every input schema is reduced to
// before being handed to an external client, avoiding validator
// incompatibilities between downstream JSON Schema dialects.
type simplifiedSchema struct {
	Type       string                      `json:"type"`
	Properties map[string]simplifiedProp   `json:"properties"`
	Required   []string                    `json:"required"`
}

type simplifiedProp struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// simplify reduces an arbitrary downstream JSON Schema to the compact
// {type, properties, required} shape. A missing or unparsable schema
// yields an empty object schema.
func simplify(raw json.RawMessage) json.RawMessage {
	var doc map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &doc)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	out := simplifiedSchema{
		Type:       stringOr(doc["type"], "object"),
		Properties: simplifyProps(doc["properties"]),
		Required:   stringSliceOr(doc["required"]),
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{},"required":[]}`)
	}
	return encoded
}

func simplifyProps(v any) map[string]simplifiedProp {
	result := map[string]simplifiedProp{}
	props, ok := v.(map[string]any)
	if !ok {
		return result
	}
	for name, def := range props {
		result[name] = simplifyProp(name, def)
	}
	return result
}

func simplifyProp(name string, def any) simplifiedProp {
	m, ok := def.(map[string]any)
	if !ok {
		log.Printf("aggregator: schema property %q fell through to default type (not an object)", name)
		return simplifiedProp{Type: "string"}
	}

	if t, ok := m["type"].(string); ok {
		return simplifiedProp{Type: t, Description: descriptionOf(m)}
	}

	if anyOf, ok := m["anyOf"].([]any); ok {
		if t, ok := collapseAnyOf(anyOf); ok {
			return simplifiedProp{Type: t, Description: descriptionOf(m)}
		}
	}

	log.Printf("aggregator: schema property %q fell through to default type", name)
	return simplifiedProp{Type: "string", Description: descriptionOf(m)}
}

// collapseAnyOf handles the common "optional field" shape `anyOf: [{type:
// X}, {type: "null"}]`: when exactly one branch names a non-null type,
// that branch's type is used.
func collapseAnyOf(branches []any) (string, bool) {
	var nonNullType string
	nonNullCount := 0
	for _, b := range branches {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		t, _ := bm["type"].(string)
		if t == "" || t == "null" {
			continue
		}
		nonNullType = t
		nonNullCount++
	}
	if nonNullCount == 1 {
		return nonNullType, true
	}
	return "", false
}

func descriptionOf(m map[string]any) string {
	d, _ := m["description"].(string)
	return d
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func stringSliceOr(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
