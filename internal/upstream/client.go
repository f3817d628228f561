// Package upstream forwards normalized requests to the provider APIs,
// translating between the Anthropic and OpenAI wire dialects as needed.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/relayplane/relayplane/internal/authz"
	"github.com/relayplane/relayplane/internal/envelope"
)

type (
	// Response is a completed provider exchange. Non-2xx statuses are
	// returned here, not as errors; only transport failures error.
	Response struct {
		StatusCode int
		Header     http.Header
		Body       []byte
		Usage      Usage
	}

	// Client is the forwarding HTTP client. Base URLs are per-family and
	// overridable, which is also the test seam.
	Client struct {
		http     *http.Client
		log      zerolog.Logger
		baseURLs map[envelope.Family]string
	}
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 60 * time.Second

const anthropicVersion = "2023-06-01"

var defaultBaseURLs = map[envelope.Family]string{
	envelope.FamilyAnthropic:  "https://api.anthropic.com",
	envelope.FamilyOpenAI:     "https://api.openai.com",
	envelope.FamilyGoogle:     "https://generativelanguage.googleapis.com/v1beta/openai",
	envelope.FamilyXAI:        "https://api.x.ai",
	envelope.FamilyOpenRouter: "https://openrouter.ai/api",
	envelope.FamilyDeepSeek:   "https://api.deepseek.com",
	envelope.FamilyGroq:       "https://api.groq.com/openai",
	envelope.FamilyMoonshot:   "https://api.moonshot.ai",
}

// NewClient creates a Client. timeout <= 0 uses DefaultTimeout; overrides
// replace individual family base URLs.
func NewClient(timeout time.Duration, overrides map[envelope.Family]string, log zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	urls := make(map[envelope.Family]string, len(defaultBaseURLs))
	for fam, u := range defaultBaseURLs {
		urls[fam] = u
	}
	for fam, u := range overrides {
		urls[fam] = u
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURLs: urls,
		log:      log,
	}
}

// ErrNoEndpoint indicates a model family without a configured base URL.
var ErrNoEndpoint = errors.New("upstream: no endpoint for model family")

// endpoint returns the full URL for a model's chat endpoint.
func (x *Client) endpoint(model string) (string, envelope.Family, error) {
	family := envelope.FamilyForModel(model)
	base, ok := x.baseURLs[family]
	if !ok || base == "" {
		return "", family, fmt.Errorf("%w: %s", ErrNoEndpoint, family)
	}
	if wireShape(family) == envelope.ShapeAnthropic {
		return base + "/v1/messages", family, nil
	}
	return base + "/v1/chat/completions", family, nil
}

// Forward sends the envelope to the provider serving model, authenticated
// with cred. Context cancellation aborts the call; timeouts surface as
// IsTimeout errors.
func (x *Client) Forward(ctx context.Context, env *envelope.Envelope, model string, cred authz.Credential) (*Response, error) {
	url, family, err := x.endpoint(model)
	if err != nil {
		return nil, err
	}
	body, err := BuildBody(env, model)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if family == envelope.FamilyAnthropic {
		req.Header.Set("anthropic-version", anthropicVersion)
	}
	if cred.Bearer {
		req.Header.Set(cred.Header, "Bearer "+cred.Value)
	} else if cred.Header != "" {
		req.Header.Set(cred.Header, cred.Value)
	}

	start := time.Now()
	resp, err := x.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s: %w", family, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	x.log.Debug().
		Str("family", string(family)).
		Str("model", model).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("upstream call")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Usage:      ParseUsage(respBody),
	}, nil
}

// IsTimeout reports whether a Forward error was a timeout (deadline or
// net-level), which the orchestrator maps to 504.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
