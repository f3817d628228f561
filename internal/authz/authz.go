// Package authz selects the outbound credential for a forwarded request.
// The decision depends on the shape of the incoming credential (provider
// API key vs OAuth token) and whether the target model accepts OAuth.
package authz

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/relayplane/relayplane/internal/envelope"
)

type (
	// Kind is the shape of a credential.
	Kind string

	// Credential is an incoming or outbound secret plus how to send it.
	Credential struct {
		Kind   Kind
		Value  string
		Header string // outbound header name
		Bearer bool   // send as "Authorization: Bearer <value>"
	}

	// Resolver applies the credential decision table. The env lookup is
	// injectable for tests.
	Resolver struct {
		getenv func(string) string
	}
)

const (
	KindAPIKey Kind = "api_key"
	KindOAuth  Kind = "oauth"
	KindNone   Kind = "none"
)

// envKeyByFamily maps provider families to their API-key environment
// variables.
var envKeyByFamily = map[envelope.Family]string{
	envelope.FamilyAnthropic:  "ANTHROPIC_API_KEY",
	envelope.FamilyOpenAI:     "OPENAI_API_KEY",
	envelope.FamilyGoogle:     "GEMINI_API_KEY",
	envelope.FamilyXAI:        "XAI_API_KEY",
	envelope.FamilyOpenRouter: "OPENROUTER_API_KEY",
	envelope.FamilyDeepSeek:   "DEEPSEEK_API_KEY",
	envelope.FamilyGroq:       "GROQ_API_KEY",
	envelope.FamilyMoonshot:   "MOONSHOT_API_KEY",
}

// New creates a Resolver. getenv == nil uses os.Getenv.
func New(getenv func(string) string) *Resolver {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &Resolver{getenv: getenv}
}

// ConfiguredFamilies lists the provider families whose API-key environment
// variable is set, sorted for stable output.
func (x *Resolver) ConfiguredFamilies() []string {
	var out []string
	for family, envVar := range envKeyByFamily {
		if x.getenv(envVar) != "" {
			out = append(out, string(family))
		}
	}
	sort.Strings(out)
	return out
}

// ClassifyIncoming inspects the ingress credential headers. Anthropic OAuth
// ("Max") tokens are recognizable by their sk-ant-oat prefix whichever
// header carries them.
func ClassifyIncoming(xAPIKey, authorization string) Credential {
	token := xAPIKey
	if token == "" {
		token = strings.TrimPrefix(authorization, "Bearer ")
		if token == authorization {
			token = ""
		}
	}
	switch {
	case token == "":
		return Credential{Kind: KindNone}
	case strings.HasPrefix(token, "sk-ant-oat"):
		return Credential{Kind: KindOAuth, Value: token}
	default:
		return Credential{Kind: KindAPIKey, Value: token}
	}
}

// OAuthCapable reports whether a model accepts OAuth ("Max") tokens.
// Subscription tokens cover the conversational Anthropic models; the small
// haiku tier is API-key only.
func OAuthCapable(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "claude") && !strings.Contains(m, "haiku")
}

// ErrMissingCredential is a 401-shaped failure with a human explanation.
type ErrMissingCredential struct {
	Model   string
	EnvVar  string
	Explain string
}

func (e *ErrMissingCredential) Error() string {
	return e.Explain
}

// Resolve applies the decision table:
//
//	API key          -> pass through on the provider's native header
//	OAuth + capable  -> pass through as Authorization: Bearer
//	OAuth + incapable-> fall back to the provider env API key, else 401
//	no credential    -> provider env API key, else 401
func (x *Resolver) Resolve(incoming Credential, model string) (Credential, error) {
	family := envelope.FamilyForModel(model)

	switch incoming.Kind {
	case KindAPIKey:
		return outboundAPIKey(family, incoming.Value), nil

	case KindOAuth:
		if OAuthCapable(model) {
			return Credential{Kind: KindOAuth, Value: incoming.Value, Header: "Authorization", Bearer: true}, nil
		}
		return x.envFallback(family, model,
			fmt.Sprintf("model %q does not accept OAuth tokens; set %s to reach it with an API key", model, envKeyByFamily[family]))

	default:
		return x.envFallback(family, model,
			fmt.Sprintf("no credential supplied and %s is not set", envKeyByFamily[family]))
	}
}

func (x *Resolver) envFallback(family envelope.Family, model, explain string) (Credential, error) {
	envVar := envKeyByFamily[family]
	if envVar != "" {
		if key := x.getenv(envVar); key != "" {
			return outboundAPIKey(family, key), nil
		}
	}
	return Credential{}, &ErrMissingCredential{Model: model, EnvVar: envVar, Explain: explain}
}

// outboundAPIKey shapes an API key for the provider's native auth header.
func outboundAPIKey(family envelope.Family, key string) Credential {
	if family == envelope.FamilyAnthropic {
		return Credential{Kind: KindAPIKey, Value: key, Header: "x-api-key"}
	}
	return Credential{Kind: KindAPIKey, Value: key, Header: "Authorization", Bearer: true}
}
