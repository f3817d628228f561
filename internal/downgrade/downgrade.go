// Package downgrade implements the budget-driven model rewrite: when daily
// budget utilization crosses a threshold, expensive models are swapped for a
// cheaper sibling via an explicit mapping. Check is a pure function; the
// orchestrator owns the headers and bookkeeping.
package downgrade

type (
	// Config controls the downgrade policy.
	Config struct {
		Enabled          bool              `json:"enabled"`
		ThresholdPercent float64           `json:"thresholdPercent"`
		Mapping          map[string]string `json:"mapping,omitempty"`
	}

	// Result describes the outcome of a downgrade check.
	Result struct {
		Downgraded    bool   `json:"downgraded"`
		OriginalModel string `json:"originalModel"`
		NewModel      string `json:"newModel"`
		Reason        string `json:"reason"`
	}
)

// DefaultMapping covers the major expensive-to-cheaper pairs across the
// Anthropic, OpenAI and Google families.
func DefaultMapping() map[string]string {
	return map[string]string{
		"claude-opus-4-6":   "claude-sonnet-4-6",
		"claude-sonnet-4-6": "claude-haiku-4-5",
		"gpt-4.1":           "gpt-4.1-mini",
		"gpt-4o":            "gpt-4o-mini",
		"o1":                "o3-mini",
		"gemini-2.5-pro":    "gemini-2.5-flash",
	}
}

// DefaultConfig enables downgrading at 80% daily utilization with the
// default mapping.
func DefaultConfig() Config {
	return Config{Enabled: true, ThresholdPercent: 80, Mapping: DefaultMapping()}
}

// Check decides whether model should be rewritten given the current daily
// budget utilization (percent). It has no side effects and no hidden state:
// identical inputs always produce identical results.
func Check(model string, budgetPercent float64, cfg Config) Result {
	r := Result{OriginalModel: model, NewModel: model}

	if !cfg.Enabled {
		r.Reason = "downgrade disabled"
		return r
	}
	if budgetPercent < cfg.ThresholdPercent {
		r.Reason = "budget below threshold"
		return r
	}

	mapping := cfg.Mapping
	if mapping == nil {
		mapping = DefaultMapping()
	}
	target, ok := mapping[model]
	if !ok {
		r.Reason = "no mapping available"
		return r
	}

	r.Downgraded = true
	r.NewModel = target
	r.Reason = "budget utilization exceeded threshold"
	return r
}
