package upstream

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayplane/relayplane/internal/authz"
	"github.com/relayplane/relayplane/internal/envelope"
)

func parseEnv(t *testing.T, body string, shape envelope.Shape) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Parse([]byte(body), shape)
	require.NoError(t, err)
	return env
}

func TestBuildBody_sameShapePassesThrough(t *testing.T) {
	env := parseEnv(t, `{"model":"claude-opus-4-6","messages":[{"role":"user","content":"hi"}],"max_tokens":10,"custom_passthrough":true}`, envelope.ShapeAnthropic)

	out, err := BuildBody(env, "claude-sonnet-4-6")
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "claude-sonnet-4-6", m["model"])
	assert.Equal(t, true, m["custom_passthrough"], "uninterpreted fields must survive")
}

func TestBuildBody_openaiToAnthropic(t *testing.T) {
	env := parseEnv(t, `{"model":"gpt-4o","messages":[{"role":"system","content":"be terse"},{"role":"user","content":"hi"}],"temperature":0.2}`, envelope.ShapeOpenAI)

	out, err := BuildBody(env, "claude-sonnet-4-6")
	require.NoError(t, err)

	var m struct {
		Model     string             `json:"model"`
		System    string             `json:"system"`
		MaxTokens int                `json:"max_tokens"`
		Messages  []envelope.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "claude-sonnet-4-6", m.Model)
	assert.Equal(t, "be terse", m.System)
	assert.Equal(t, 4096, m.MaxTokens, "anthropic requires max_tokens")
	require.Len(t, m.Messages, 1)
	assert.Equal(t, "user", m.Messages[0].Role)
}

func TestBuildBody_anthropicToOpenAI(t *testing.T) {
	env := parseEnv(t, `{"model":"claude-sonnet-4-6","system":"be terse","messages":[{"role":"user","content":"hi"}],"stop_sequences":["END"]}`, envelope.ShapeAnthropic)

	out, err := BuildBody(env, "gpt-4o")
	require.NoError(t, err)

	var m struct {
		Model    string             `json:"model"`
		Messages []envelope.Message `json:"messages"`
		Stop     []string           `json:"stop"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, "gpt-4o", m.Model)
	require.Len(t, m.Messages, 2)
	assert.Equal(t, "system", m.Messages[0].Role)
	assert.Equal(t, "be terse", m.Messages[0].Content)
	assert.Equal(t, []string{"END"}, m.Stop)
}

func TestBuildBody_anthropicToolsToOpenAI(t *testing.T) {
	env := parseEnv(t, `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"weather?"}],
		"tools":[{"name":"get_weather","description":"current weather","input_schema":{"type":"object","properties":{"city":{"type":"string"}}}}],
		"tool_choice":{"type":"tool","name":"get_weather"}}`, envelope.ShapeAnthropic)

	out, err := BuildBody(env, "gpt-4o")
	require.NoError(t, err)

	var m struct {
		Tools []struct {
			Type     string `json:"type"`
			Function struct {
				Name        string          `json:"name"`
				Description string          `json:"description"`
				Parameters  json.RawMessage `json:"parameters"`
			} `json:"function"`
		} `json:"tools"`
		ToolChoice struct {
			Type     string `json:"type"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tool_choice"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "function", m.Tools[0].Type)
	assert.Equal(t, "get_weather", m.Tools[0].Function.Name)
	assert.Equal(t, "current weather", m.Tools[0].Function.Description)
	assert.Contains(t, string(m.Tools[0].Function.Parameters), `"city"`)
	assert.Equal(t, "function", m.ToolChoice.Type)
	assert.Equal(t, "get_weather", m.ToolChoice.Function.Name)
}

func TestBuildBody_openaiToolsToAnthropic(t *testing.T) {
	env := parseEnv(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"weather?"}],
		"tools":[{"type":"function","function":{"name":"get_weather","description":"current weather","parameters":{"type":"object"}}}],
		"tool_choice":"required"}`, envelope.ShapeOpenAI)

	out, err := BuildBody(env, "claude-sonnet-4-6")
	require.NoError(t, err)

	var m struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"input_schema"`
		} `json:"tools"`
		ToolChoice struct {
			Type string `json:"type"`
		} `json:"tool_choice"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	require.Len(t, m.Tools, 1)
	assert.Equal(t, "get_weather", m.Tools[0].Name)
	assert.Equal(t, "current weather", m.Tools[0].Description)
	assert.Contains(t, string(m.Tools[0].InputSchema), `"object"`)
	assert.Equal(t, "any", m.ToolChoice.Type)
}

func TestToolChoiceTranslation(t *testing.T) {
	tc, ok := toolChoiceToOpenAI(json.RawMessage(`{"type":"auto"}`))
	require.True(t, ok)
	assert.Equal(t, "auto", tc)

	tc, ok = toolChoiceToOpenAI(json.RawMessage(`{"type":"any"}`))
	require.True(t, ok)
	assert.Equal(t, "required", tc)

	tc, ok = toolChoiceToAnthropic(json.RawMessage(`"auto"`))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"type": "auto"}, tc)

	tc, ok = toolChoiceToAnthropic(json.RawMessage(`{"type":"function","function":{"name":"f"}}`))
	require.True(t, ok)
	assert.Equal(t, map[string]any{"type": "tool", "name": "f"}, tc)

	// "none" has no Anthropic equivalent.
	_, ok = toolChoiceToAnthropic(json.RawMessage(`"none"`))
	assert.False(t, ok)
}

func TestParseUsage(t *testing.T) {
	u := ParseUsage([]byte(`{"usage":{"input_tokens":10,"output_tokens":20}}`))
	assert.Equal(t, Usage{TokensIn: 10, TokensOut: 20}, u)

	u = ParseUsage([]byte(`{"usage":{"prompt_tokens":5,"completion_tokens":7}}`))
	assert.Equal(t, Usage{TokensIn: 5, TokensOut: 7}, u)

	assert.Equal(t, Usage{}, ParseUsage([]byte(`{}`)))
	assert.Equal(t, Usage{}, ParseUsage([]byte(`not json`)))
}

func TestForward_anthropicHeadersAndPath(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":3,"output_tokens":9}}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, map[envelope.Family]string{envelope.FamilyAnthropic: srv.URL}, zerolog.Nop())
	env := parseEnv(t, `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}],"max_tokens":5}`, envelope.ShapeAnthropic)

	resp, err := c.Forward(context.Background(), env, "claude-sonnet-4-6",
		authz.Credential{Kind: authz.KindAPIKey, Value: "sk-test", Header: "x-api-key"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "sk-test", gotKey)
	assert.Equal(t, anthropicVersion, gotVersion)
	assert.Contains(t, string(gotBody), `"claude-sonnet-4-6"`)
	assert.Equal(t, Usage{TokensIn: 3, TokensOut: 9}, resp.Usage)
}

func TestForward_bearerAuthForOpenAI(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, map[envelope.Family]string{envelope.FamilyOpenAI: srv.URL}, zerolog.Nop())
	env := parseEnv(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`, envelope.ShapeOpenAI)

	_, err := c.Forward(context.Background(), env, "gpt-4o",
		authz.Credential{Kind: authz.KindAPIKey, Value: "sk-oa", Header: "Authorization", Bearer: true})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk-oa", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
}

func TestForward_mirrorsUpstreamErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	c := NewClient(time.Second, map[envelope.Family]string{envelope.FamilyAnthropic: srv.URL}, zerolog.Nop())
	env := parseEnv(t, `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, envelope.ShapeAnthropic)

	resp, err := c.Forward(context.Background(), env, "claude-sonnet-4-6", authz.Credential{})
	require.NoError(t, err, "HTTP-level failures are responses, not errors")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "rate_limit_error")
}

func TestForward_timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(20*time.Millisecond, map[envelope.Family]string{envelope.FamilyAnthropic: srv.URL}, zerolog.Nop())
	env := parseEnv(t, `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, envelope.ShapeAnthropic)

	_, err := c.Forward(context.Background(), env, "claude-sonnet-4-6", authz.Credential{})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestForward_contextCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can observe the client disconnect
		// and cancel r.Context(); otherwise Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(time.Minute, map[envelope.Family]string{envelope.FamilyAnthropic: srv.URL}, zerolog.Nop())
	env := parseEnv(t, `{"model":"claude-sonnet-4-6","messages":[{"role":"user","content":"hi"}]}`, envelope.ShapeAnthropic)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := c.Forward(ctx, env, "claude-sonnet-4-6", authz.Credential{})
	require.Error(t, err)
}
