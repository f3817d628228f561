// Package router decides which model a request actually reaches: alias and
// suffix resolution, explicit overrides, complexity-based tiering, and the
// cascade escalation ladder.
package router

import (
	"strings"

	"github.com/relayplane/relayplane/internal/envelope"
)

type (
	// Mode selects the routing strategy.
	Mode string

	// Config is the routing policy.
	Config struct {
		Mode             Mode                  `json:"mode"`
		Aliases          map[string]string     `json:"aliases,omitempty"`
		Overrides        map[string]string     `json:"overrides,omitempty"`
		ComplexityModels map[Complexity]string `json:"complexityModels,omitempty"`
		CascadeModels    []string              `json:"cascadeModels,omitempty"`
		MaxEscalations   int                   `json:"maxEscalations"`
	}

	// Decision is the routing outcome for one request.
	Decision struct {
		Model      string     `json:"model"`
		Mode       Mode       `json:"mode"`
		Complexity Complexity `json:"complexity"`
		Hint       string     `json:"hint,omitempty"`
		Reason     string     `json:"reason"`
	}

	// Router applies Config to envelopes. Stateless; safe for concurrent use.
	Router struct {
		cfg Config
	}
)

const (
	ModePassthrough Mode = "passthrough"
	ModeComplexity  Mode = "complexity"
	ModeCascade     Mode = "cascade"
)

// DefaultConfig is passthrough routing with the standard tier models and a
// three-step cascade ladder.
func DefaultConfig() Config {
	return Config{
		Mode: ModePassthrough,
		ComplexityModels: map[Complexity]string{
			Simple:   "claude-haiku-4-5",
			Moderate: "claude-sonnet-4-6",
			Complex:  "claude-opus-4-6",
		},
		CascadeModels:  []string{"claude-haiku-4-5", "claude-sonnet-4-6", "claude-opus-4-6"},
		MaxEscalations: 2,
	}
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Mode == "" {
		cfg.Mode = ModePassthrough
	}
	if cfg.MaxEscalations <= 0 {
		cfg.MaxEscalations = DefaultConfig().MaxEscalations
	}
	return &Router{cfg: cfg}
}

// Config returns the active routing policy.
func (x *Router) Config() Config {
	return x.cfg
}

// Route resolves the final starting model for the envelope. Order: aliases
// and suffixes, then explicit overrides, then the mode strategy.
func (x *Router) Route(env *envelope.Envelope) Decision {
	model, hint := Resolve(env.Model, x.cfg.Aliases)
	d := Decision{Model: model, Mode: x.cfg.Mode, Hint: hint, Complexity: Classify(env)}

	if target, ok := x.cfg.Overrides[model]; ok {
		d.Model = target
		d.Reason = "explicit override"
		return d
	}

	switch x.cfg.Mode {
	case ModeComplexity:
		if target, ok := x.cfg.ComplexityModels[d.Complexity]; ok && target != "" {
			d.Model = target
			d.Reason = "complexity tier " + string(d.Complexity)
			return d
		}
		d.Reason = "no tier model configured, passing through"
	case ModeCascade:
		if len(x.cfg.CascadeModels) > 0 {
			d.Model = x.cfg.CascadeModels[0]
			d.Reason = "cascade start"
			return d
		}
		d.Reason = "empty cascade ladder, passing through"
	default:
		d.Reason = "passthrough"
	}
	return d
}

// NextCascadeModel returns the model after the given index in the ladder,
// or "" when the ladder is exhausted.
func (x *Router) NextCascadeModel(idx int) (string, bool) {
	if idx+1 < len(x.cfg.CascadeModels) {
		return x.cfg.CascadeModels[idx+1], true
	}
	return "", false
}

// MaxEscalations returns the configured cascade escalation cap.
func (x *Router) MaxEscalations() int {
	return x.cfg.MaxEscalations
}

// uncertaintyPhrases and refusalPhrases are the cascade escalation cues
// scanned in response text.
var (
	uncertaintyPhrases = []string{
		"i'm not sure", "i am not sure", "i don't know", "i do not know",
		"i can't determine", "it's unclear", "uncertain",
	}
	refusalPhrases = []string{
		"i can't help with", "i cannot help with", "i can't assist",
		"i cannot assist", "i'm unable to", "i am unable to",
	}
)

// ShouldEscalate is the cascade trigger: pure over the response body and
// transport error. A transport failure always escalates; otherwise the
// response text is scanned for uncertainty and refusal phrases.
func ShouldEscalate(body []byte, transportErr error) bool {
	if transportErr != nil {
		return true
	}
	text := strings.ToLower(string(body))
	for _, p := range uncertaintyPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	for _, p := range refusalPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
