// Package pricing holds the static per-model cost table used for spend
// accounting and cache savings estimates.
package pricing

import "strings"

// Rate is USD per million tokens.
type Rate struct {
	InPer1M  float64
	OutPer1M float64
}

// The table is keyed by model-name prefix; longest prefix wins. Rates track
// published provider list prices and only need to be directionally right —
// they feed budget accounting, not billing.
var table = map[string]Rate{
	"claude-opus":     {InPer1M: 15, OutPer1M: 75},
	"claude-sonnet":   {InPer1M: 3, OutPer1M: 15},
	"claude-haiku":    {InPer1M: 0.8, OutPer1M: 4},
	"gpt-4o-mini":     {InPer1M: 0.15, OutPer1M: 0.6},
	"gpt-4o":          {InPer1M: 2.5, OutPer1M: 10},
	"gpt-4.1-mini":    {InPer1M: 0.4, OutPer1M: 1.6},
	"gpt-4.1":         {InPer1M: 2, OutPer1M: 8},
	"o3":              {InPer1M: 2, OutPer1M: 8},
	"o1":              {InPer1M: 15, OutPer1M: 60},
	"gemini-2.5-pro":  {InPer1M: 1.25, OutPer1M: 10},
	"gemini-2.5-flash": {InPer1M: 0.3, OutPer1M: 2.5},
	"gemini":          {InPer1M: 0.3, OutPer1M: 2.5},
	"grok":            {InPer1M: 3, OutPer1M: 15},
	"deepseek":        {InPer1M: 0.27, OutPer1M: 1.1},
	"llama":           {InPer1M: 0.59, OutPer1M: 0.79},
	"kimi":            {InPer1M: 0.6, OutPer1M: 2.5},
}

// defaultRate is a conservative fallback for models missing from the table.
var defaultRate = Rate{InPer1M: 5, OutPer1M: 15}

// RateFor returns the rate for a model, matching the longest table prefix.
func RateFor(model string) Rate {
	m := strings.ToLower(model)
	if i := strings.IndexByte(m, '/'); i >= 0 {
		// Strip OpenRouter-style vendor prefixes.
		m = m[i+1:]
	}
	best, bestLen := defaultRate, 0
	for prefix, rate := range table {
		if strings.HasPrefix(m, prefix) && len(prefix) > bestLen {
			best, bestLen = rate, len(prefix)
		}
	}
	return best
}

// Cost returns the USD cost of a completed request.
func Cost(model string, tokensIn, tokensOut int) float64 {
	r := RateFor(model)
	return float64(tokensIn)*r.InPer1M/1e6 + float64(tokensOut)*r.OutPer1M/1e6
}

// KnownModels returns canonical model names for suggestion matching. These
// are concrete releases rather than the prefix keys.
func KnownModels() []string {
	return []string{
		"claude-opus-4-6",
		"claude-sonnet-4-6",
		"claude-haiku-4-5",
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4.1",
		"gpt-4.1-mini",
		"o3-mini",
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"grok-4",
		"deepseek-chat",
		"llama-3.3-70b",
		"kimi-k2",
	}
}
