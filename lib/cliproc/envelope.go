package cliproc

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Envelope is one line-delimited JSON message emitted by the child, discriminated
// by Type. Modeled as a tagged variant rather than ad-hoc property probing, per
// the expanded design notes ("Dynamic JSON envelopes -> tagged variants").
type Envelope struct {
	Type            string `json:"type"`
	Result          string `json:"result,omitempty"`
	Content         string `json:"content,omitempty"`
	SessionCorrelator string `json:"session_id,omitempty"`
	IsFinal         bool   `json:"is_final,omitempty"`
	Tokens          *TokenUsage `json:"tokens,omitempty"`
}

// TokenUsage reports token counts the child attributes to one interaction.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// ParseEnvelope decodes one line of the child's stdout into an Envelope. A
// line that is not valid JSON is not an error here — callers fall back to
// treating it as raw STDOUT content.
func ParseEnvelope(line string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Envelope{}, false
	}
	return env, env.Type != ""
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Payload represents the decoded content of a "result" envelope after
// unwrapping both levels: the {type:"result", result:"..."} envelope, and
// (when present) a further fenced-JSON block inside result. Three extraction
// strategies are tried in order, the last always succeeding:
//  1. fenced-JSON extraction (```json ... ```)
//  2. direct JSON parse of the whole result string
//  3. free-text heuristic fallback (the raw string, Structured=false)
type Payload struct {
	Structured bool
	JSON       map[string]any
	Text       string
}

// UnwrapResult extracts a Payload from a "result" envelope's Result field.
func UnwrapResult(result string) Payload {
	if m := fencedJSONPattern.FindStringSubmatch(result); m != nil {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(m[1]), &parsed); err == nil {
			return Payload{Structured: true, JSON: parsed}
		}
	}

	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return Payload{Structured: true, JSON: parsed}
		}
	}

	return Payload{Structured: false, Text: result}
}
