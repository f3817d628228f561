// Package envelope normalizes incoming chat-completion bodies into a single
// in-memory representation, independent of whether the caller spoke the
// Anthropic or the OpenAI dialect. The original body is preserved verbatim so
// fields the proxy does not interpret pass through untouched.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

type (
	// Shape identifies the wire dialect of the ingress body.
	Shape string

	// Family identifies the upstream provider a model belongs to.
	Family string

	// Message is a single conversation turn with flattened text content.
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Tool is a declared tool, kept as the raw definition plus its name.
	Tool struct {
		Name string          `json:"name"`
		Raw  json.RawMessage `json:"-"`
	}

	// Envelope is the normalized request. Raw holds the original body for
	// passthrough; the typed fields are the subset the pipeline interprets.
	Envelope struct {
		ID            string
		Shape         Shape
		Family        Family
		Model         string
		System        string
		Messages      []Message
		Tools         []Tool
		Temperature   *float64
		MaxTokens     *int
		TopP          *float64
		TopK          *int
		StopSequences []string
		ToolChoice    json.RawMessage
		Stream        bool
		Raw           json.RawMessage
	}
)

const (
	ShapeAnthropic Shape = "anthropic"
	ShapeOpenAI    Shape = "openai"

	FamilyAnthropic  Family = "anthropic"
	FamilyOpenAI     Family = "openai"
	FamilyGoogle     Family = "google"
	FamilyXAI        Family = "xai"
	FamilyOpenRouter Family = "openrouter"
	FamilyDeepSeek   Family = "deepseek"
	FamilyGroq       Family = "groq"
	FamilyMoonshot   Family = "moonshot"
	FamilyUnknown    Family = "unknown"
)

// FamilyForModel derives the provider family from a model name.
func FamilyForModel(model string) Family {
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "/"):
		// OpenRouter-style vendor-prefixed names.
		return FamilyOpenRouter
	case strings.HasPrefix(m, "claude"):
		return FamilyAnthropic
	case strings.HasPrefix(m, "gpt"), strings.HasPrefix(m, "o1"),
		strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"),
		strings.HasPrefix(m, "chatgpt"):
		return FamilyOpenAI
	case strings.HasPrefix(m, "gemini"):
		return FamilyGoogle
	case strings.HasPrefix(m, "grok"):
		return FamilyXAI
	case strings.HasPrefix(m, "deepseek"):
		return FamilyDeepSeek
	case strings.HasPrefix(m, "llama"), strings.HasPrefix(m, "mixtral"),
		strings.HasPrefix(m, "qwen"):
		return FamilyGroq
	case strings.HasPrefix(m, "kimi"), strings.HasPrefix(m, "moonshot"):
		return FamilyMoonshot
	default:
		return FamilyUnknown
	}
}

// rawBody is the superset of fields across both dialects that the proxy
// interprets. Everything else rides along in Envelope.Raw.
type rawBody struct {
	Model         string            `json:"model"`
	System        json.RawMessage   `json:"system"`
	Messages      []rawMessage      `json:"messages"`
	Tools         []json.RawMessage `json:"tools"`
	Temperature   *float64          `json:"temperature"`
	MaxTokens     *int              `json:"max_tokens"`
	TopP          *float64          `json:"top_p"`
	TopK          *int              `json:"top_k"`
	Stop          json.RawMessage   `json:"stop"`
	StopSequences []string          `json:"stop_sequences"`
	ToolChoice    json.RawMessage   `json:"tool_choice"`
	Stream        bool              `json:"stream"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Parse normalizes an ingress body of the given shape. The body is retained
// verbatim in Raw. Malformed JSON or a missing model is an error.
func Parse(body []byte, shape Shape) (*Envelope, error) {
	var raw rawBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("envelope: malformed request body: %w", err)
	}
	if raw.Model == "" {
		return nil, fmt.Errorf("envelope: missing model")
	}

	env := Envelope{
		ID:          NewID(),
		Shape:       shape,
		Model:       raw.Model,
		Temperature: raw.Temperature,
		MaxTokens:   raw.MaxTokens,
		TopP:        raw.TopP,
		TopK:        raw.TopK,
		ToolChoice:  raw.ToolChoice,
		Stream:      raw.Stream,
		Raw:         json.RawMessage(append([]byte(nil), body...)),
	}
	env.Family = FamilyForModel(raw.Model)

	if len(raw.System) > 0 {
		env.System = flattenContent(raw.System)
	}

	for _, m := range raw.Messages {
		text := flattenContent(m.Content)
		if shape == ShapeOpenAI && m.Role == "system" {
			// OpenAI carries the system prompt as a leading message.
			if env.System == "" {
				env.System = text
			}
			continue
		}
		env.Messages = append(env.Messages, Message{Role: m.Role, Content: text})
	}

	env.StopSequences = raw.StopSequences
	if len(env.StopSequences) == 0 && len(raw.Stop) > 0 {
		var one string
		if err := json.Unmarshal(raw.Stop, &one); err == nil {
			env.StopSequences = []string{one}
		} else {
			_ = json.Unmarshal(raw.Stop, &env.StopSequences)
		}
	}

	for _, t := range raw.Tools {
		env.Tools = append(env.Tools, Tool{Name: toolName(t), Raw: t})
	}

	return &env, nil
}

// flattenContent reduces a content value (string, or a list of typed blocks)
// to plain text. Non-text blocks contribute nothing.
func flattenContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "" || blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// toolName extracts a tool's name from either dialect. Anthropic puts it at
// the top level; OpenAI nests it under "function".
func toolName(raw json.RawMessage) string {
	var t struct {
		Name     string `json:"name"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return ""
	}
	if t.Name != "" {
		return t.Name
	}
	return t.Function.Name
}

// LastUserMessage returns the content of the most recent user turn, or "".
func (x *Envelope) LastUserMessage() string {
	for i := len(x.Messages) - 1; i >= 0; i-- {
		if x.Messages[i].Role == "user" {
			return x.Messages[i].Content
		}
	}
	return ""
}

// EstimateTokens is a cheap chars/4 heuristic over all message content plus
// the system prompt, used only for pre-flight cost estimates.
func (x *Envelope) EstimateTokens() int {
	n := len(x.System)
	for _, m := range x.Messages {
		n += len(m.Content)
	}
	return n / 4
}

// HasTools reports whether the request declares any tools.
func (x *Envelope) HasTools() bool {
	return len(x.Tools) > 0
}

// WithModel returns a copy of the envelope with the model replaced, both in
// the typed field and in Raw, so downstream serialization sees the rewrite.
func (x *Envelope) WithModel(model string) *Envelope {
	cp := *x
	cp.Model = model
	cp.Family = FamilyForModel(model)

	var m map[string]json.RawMessage
	if err := json.Unmarshal(x.Raw, &m); err == nil {
		if enc, err := json.Marshal(model); err == nil {
			m[`model`] = enc
			if b, err := json.Marshal(m); err == nil {
				cp.Raw = b
			}
		}
	}
	return &cp
}
