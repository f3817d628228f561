package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/agnivade/levenshtein"

	"github.com/relayplane/relayplane/internal/pricing"
)

// apiError is the structured error body for every non-proxied failure.
type apiError struct {
	Type        string   `json:"type"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
	Data        any      `json:"data,omitempty"`
}

const (
	errMalformed    = "invalid_request_error"
	errUnknownModel = "unknown_model_error"
	errAuth         = "authentication_error"
	errBudget       = "budget_exceeded_error"
	errCooldown     = "provider_cooldown_error"
	errUpstream     = "upstream_error"
	errTimeout      = "upstream_timeout_error"
	errInternal     = "internal_error"
)

func writeError(w http.ResponseWriter, status int, e apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiError{"error": e})
}

// suggestionDistance bounds how far a typo may be from a known model name.
const suggestionDistance = 4

// modelSuggestions returns known model names within edit distance 4 of the
// requested name, closest first.
func modelSuggestions(model string) []string {
	type scored struct {
		name string
		d    int
	}
	var close []scored
	for _, known := range pricing.KnownModels() {
		if d := levenshtein.ComputeDistance(model, known); d <= suggestionDistance {
			close = append(close, scored{known, d})
		}
	}
	for i := 1; i < len(close); i++ {
		for j := i; j > 0 && close[j].d < close[j-1].d; j-- {
			close[j], close[j-1] = close[j-1], close[j]
		}
	}
	out := make([]string, 0, len(close))
	for _, s := range close {
		out = append(out, s.name)
	}
	return out
}
