package upstream

import (
	"encoding/json"
	"fmt"

	"github.com/relayplane/relayplane/internal/envelope"
)

// Anthropic speaks its own messages dialect; every other supported provider
// exposes an OpenAI-compatible chat-completions surface.
func wireShape(family envelope.Family) envelope.Shape {
	if family == envelope.FamilyAnthropic {
		return envelope.ShapeAnthropic
	}
	return envelope.ShapeOpenAI
}

// BuildBody produces the outbound request body for model. When the ingress
// dialect already matches the target provider's, the raw body passes
// through with only the model rewritten, preserving fields the proxy does
// not interpret. Otherwise the body is rebuilt from the normalized fields.
func BuildBody(env *envelope.Envelope, model string) ([]byte, error) {
	target := wireShape(envelope.FamilyForModel(model))

	if env.Shape == target {
		return env.WithModel(model).Raw, nil
	}
	if target == envelope.ShapeAnthropic {
		return buildAnthropic(env, model)
	}
	return buildOpenAI(env, model)
}

func buildAnthropic(env *envelope.Envelope, model string) ([]byte, error) {
	body := map[string]any{
		"model":    model,
		"messages": env.Messages,
	}
	// Anthropic requires max_tokens.
	maxTokens := 4096
	if env.MaxTokens != nil {
		maxTokens = *env.MaxTokens
	}
	body["max_tokens"] = maxTokens

	if env.System != "" {
		body["system"] = env.System
	}
	if env.Temperature != nil {
		body["temperature"] = *env.Temperature
	}
	if env.TopP != nil {
		body["top_p"] = *env.TopP
	}
	if len(env.StopSequences) > 0 {
		body["stop_sequences"] = env.StopSequences
	}
	if env.Stream {
		body["stream"] = true
	}
	if len(env.Tools) > 0 {
		tools := make([]json.RawMessage, 0, len(env.Tools))
		for _, t := range env.Tools {
			tools = append(tools, toolToAnthropic(t.Raw))
		}
		body["tools"] = tools
	}
	if len(env.ToolChoice) > 0 {
		if tc, ok := toolChoiceToAnthropic(env.ToolChoice); ok {
			body["tool_choice"] = tc
		}
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build anthropic body: %w", err)
	}
	return out, nil
}

func buildOpenAI(env *envelope.Envelope, model string) ([]byte, error) {
	messages := make([]envelope.Message, 0, len(env.Messages)+1)
	if env.System != "" {
		messages = append(messages, envelope.Message{Role: "system", Content: env.System})
	}
	messages = append(messages, env.Messages...)

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if env.MaxTokens != nil {
		body["max_tokens"] = *env.MaxTokens
	}
	if env.Temperature != nil {
		body["temperature"] = *env.Temperature
	}
	if env.TopP != nil {
		body["top_p"] = *env.TopP
	}
	if len(env.StopSequences) > 0 {
		body["stop"] = env.StopSequences
	}
	if env.Stream {
		body["stream"] = true
	}
	if len(env.Tools) > 0 {
		tools := make([]json.RawMessage, 0, len(env.Tools))
		for _, t := range env.Tools {
			tools = append(tools, toolToOpenAI(t.Raw))
		}
		body["tools"] = tools
	}
	if len(env.ToolChoice) > 0 {
		if tc, ok := toolChoiceToOpenAI(env.ToolChoice); ok {
			body["tool_choice"] = tc
		}
	}
	out, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("upstream: build openai body: %w", err)
	}
	return out, nil
}

// toolToAnthropic converts a tool definition to Anthropic's
// {name, description, input_schema} shape. Definitions without the OpenAI
// function wrapper pass through unchanged.
func toolToAnthropic(raw json.RawMessage) json.RawMessage {
	var t struct {
		Function *struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &t); err != nil || t.Function == nil {
		return raw
	}
	out := map[string]any{"name": t.Function.Name}
	if t.Function.Description != "" {
		out["description"] = t.Function.Description
	}
	if len(t.Function.Parameters) > 0 {
		out["input_schema"] = t.Function.Parameters
	}
	b, err := json.Marshal(out)
	if err != nil {
		return raw
	}
	return b
}

// toolToOpenAI wraps an Anthropic tool definition in the OpenAI
// {type:"function", function:{...}} envelope, mapping input_schema to
// parameters. Already-wrapped definitions pass through unchanged.
func toolToOpenAI(raw json.RawMessage) json.RawMessage {
	var t struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
		Function    json.RawMessage `json:"function"`
	}
	if err := json.Unmarshal(raw, &t); err != nil || len(t.Function) > 0 {
		return raw
	}
	fn := map[string]any{"name": t.Name}
	if t.Description != "" {
		fn["description"] = t.Description
	}
	if len(t.InputSchema) > 0 {
		fn["parameters"] = t.InputSchema
	}
	b, err := json.Marshal(map[string]any{"type": "function", "function": fn})
	if err != nil {
		return raw
	}
	return b
}

// toolChoiceToOpenAI maps a tool_choice value to the OpenAI dialect:
// {type:"auto"} -> "auto", {type:"any"} -> "required",
// {type:"tool", name} -> {type:"function", function:{name}}. Values already
// in the OpenAI dialect pass through. The boolean is false when the value
// has no translation and must be dropped.
func toolChoiceToOpenAI(raw json.RawMessage) (any, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var tc struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function *struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, false
	}
	if tc.Function != nil {
		return raw, true
	}
	switch tc.Type {
	case "auto":
		return "auto", true
	case "any":
		return "required", true
	case "tool":
		return map[string]any{"type": "function", "function": map[string]any{"name": tc.Name}}, true
	}
	return nil, false
}

// toolChoiceToAnthropic is the reverse mapping: "auto" -> {type:"auto"},
// "required" -> {type:"any"}, {type:"function", function:{name}} ->
// {type:"tool", name}. "none" has no Anthropic equivalent and is dropped.
func toolChoiceToAnthropic(raw json.RawMessage) (any, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return map[string]any{"type": "auto"}, true
		case "required":
			return map[string]any{"type": "any"}, true
		}
		return nil, false
	}
	var tc struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil, false
	}
	if tc.Type == "function" && tc.Function.Name != "" {
		return map[string]any{"type": "tool", "name": tc.Function.Name}, true
	}
	if tc.Type != "" {
		return raw, true
	}
	return nil, false
}

// Usage is the token accounting parsed from a provider response, covering
// both dialects.
type Usage struct {
	TokensIn  int
	TokensOut int
}

// ParseUsage extracts usage from a response body. Missing usage yields
// zeros, never an error; cost accounting degrades rather than failing the
// request.
func ParseUsage(body []byte) Usage {
	var probe struct {
		Usage struct {
			InputTokens      int `json:"input_tokens"`
			OutputTokens     int `json:"output_tokens"`
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return Usage{}
	}
	u := Usage{TokensIn: probe.Usage.InputTokens, TokensOut: probe.Usage.OutputTokens}
	if u.TokensIn == 0 && u.TokensOut == 0 {
		u.TokensIn, u.TokensOut = probe.Usage.PromptTokens, probe.Usage.CompletionTokens
	}
	return u
}
