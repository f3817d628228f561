package router

import "strings"

// Alias targets resolve before any other routing logic.
var defaultAliases = map[string]string{
	"rp:best":         "claude-opus-4-6",
	"rp:fast":         "claude-haiku-4-5",
	"rp:cheap":        "gpt-4o-mini",
	"rp:balanced":     "claude-sonnet-4-6",
	"rp:auto":         "claude-sonnet-4-6",
	"relayplane:auto": "claude-sonnet-4-6",
}

// Routing suffixes are stripped from the model name and recorded as a
// preference hint.
var suffixHints = []string{":cost", ":fast", ":quality"}

// Resolve maps aliases to concrete models and strips routing suffixes.
// The returned hint is the suffix without its colon, or "".
func Resolve(requested string, aliases map[string]string) (model, hint string) {
	model = requested

	for _, suffix := range suffixHints {
		if strings.HasSuffix(model, suffix) {
			hint = suffix[1:]
			model = strings.TrimSuffix(model, suffix)
			break
		}
	}

	table := aliases
	if table == nil {
		table = defaultAliases
	}
	if target, ok := table[strings.ToLower(model)]; ok {
		model = target
	} else if target, ok := defaultAliases[strings.ToLower(model)]; ok {
		model = target
	}
	return model, hint
}
