package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/relayplane/relayplane/internal/envelope"
)

// Mode selects the keying strategy.
type Mode string

const (
	// ModeExact keys on the full canonical subset of request fields.
	ModeExact Mode = "exact"
	// ModeAggressive keys on {model, system, tools, last user message},
	// discarding earlier conversation history.
	ModeAggressive Mode = "aggressive"
)

// exactFields is the canonical subset for exact-mode keys. Stream flags,
// provider toggles, authorization and unknown fields are deliberately
// excluded: they do not affect completion content.
var exactFields = []string{
	"max_tokens",
	"messages",
	"model",
	"stop_sequences",
	"system",
	"temperature",
	"tool_choice",
	"tools",
	"top_k",
	"top_p",
}

// ComputeKey returns the 64-hex SHA-256 cache key for an envelope. The key
// is a total function of the canonical subset: top-level keys are emitted in
// sorted order and nested values compare structurally, so reordered or
// ignored fields in the original body cannot change the key.
func ComputeKey(env *envelope.Envelope, mode Mode) (string, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(env.Raw, &m); err != nil {
		return "", fmt.Errorf("cache: canonicalize: %w", err)
	}

	canonical := make(map[string]any)
	switch mode {
	case ModeAggressive:
		canonical["model"] = env.Model
		canonical["system"] = env.System
		canonical["last_user_message"] = env.LastUserMessage()
		if raw, ok := m["tools"]; ok {
			canonical["tools"] = decodeStructural(raw)
		}
	default:
		for _, field := range exactFields {
			raw, ok := m[field]
			if !ok {
				continue
			}
			canonical[field] = decodeStructural(raw)
		}
	}

	// encoding/json sorts map keys at every nesting level, which gives both
	// the stable top-level ordering and nested structural equality.
	blob, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("cache: canonicalize: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

// decodeStructural re-parses a raw JSON value into generic types so that
// object key order in the source text cannot leak into the digest.
func decodeStructural(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// ShouldBypass reports whether the request skips the cache entirely, and
// why. Exact mode bypasses non-deterministic requests (temperature > 0)
// when OnlyWhenDeterministic is set; aggressive mode ignores the
// determinism check and bypasses only when the cache is disabled.
func ShouldBypass(env *envelope.Envelope, cfg Config) (bool, string) {
	if !cfg.Enabled {
		return true, "cache disabled"
	}
	if env.Stream {
		return true, "streaming request"
	}
	if cfg.Mode != ModeAggressive && cfg.OnlyWhenDeterministic {
		if env.Temperature != nil && *env.Temperature > 0 {
			return true, "non-deterministic request"
		}
	}
	return false, ""
}

// HasToolCalls reports whether a response body contains tool-call content,
// in either dialect. Tool-call responses are cached by default; this
// detector exists for callers that want to opt out.
func HasToolCalls(body []byte) bool {
	var anthropic struct {
		Content []struct {
			Type string `json:"type"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &anthropic); err == nil {
		for _, c := range anthropic.Content {
			if c.Type == "tool_use" {
				return true
			}
		}
	}
	var openai struct {
		Choices []struct {
			Message struct {
				ToolCalls []json.RawMessage `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &openai); err == nil {
		for _, c := range openai.Choices {
			if len(c.Message.ToolCalls) > 0 {
				return true
			}
		}
	}
	return false
}
