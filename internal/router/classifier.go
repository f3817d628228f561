package router

import (
	"strings"

	"github.com/relayplane/relayplane/internal/envelope"
)

// Complexity is the classifier's output tier.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

// complexKeywords are cues of analytical work. They are matched in the last
// user message only; the system prompt is authored by the tool, not the
// user, and would skew every request toward complex.
var complexKeywords = []string{
	"analyze", "analyse", "compare", "evaluate", "explain why",
	"architect", "refactor", "design", "prove", "optimize",
	"debug", "trade-off", "tradeoff",
}

// Classify scores the request by message count, total content length, tool
// presence and keyword cues. Pure and local; no network, no state.
func Classify(env *envelope.Envelope) Complexity {
	score := 0

	if n := len(env.Messages); n > 10 {
		score += 2
	} else if n > 4 {
		score++
	}

	total := len(env.System)
	for _, m := range env.Messages {
		total += len(m.Content)
	}
	if total > 8000 {
		score += 2
	} else if total > 2000 {
		score++
	}

	if env.HasTools() {
		score++
	}

	last := strings.ToLower(env.LastUserMessage())
	for _, kw := range complexKeywords {
		if strings.Contains(last, kw) {
			score += 2
			break
		}
	}

	switch {
	case score >= 4:
		return Complex
	case score >= 2:
		return Moderate
	default:
		return Simple
	}
}

// TaskType derives the label used for TTL overrides and stats. Rule-based
// over the last user message and tool presence.
func TaskType(env *envelope.Envelope) string {
	last := strings.ToLower(env.LastUserMessage())
	switch {
	case env.HasTools():
		return "tool_use"
	case containsAny(last, "analyze", "analyse", "compare", "evaluate", "review"):
		return "analysis"
	case containsAny(last, "write code", "implement", "function", "refactor", "bug", "compile", "```"):
		return "coding"
	case containsAny(last, "summarize", "summarise", "tl;dr", "shorten"):
		return "summarization"
	default:
		return "chat"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
