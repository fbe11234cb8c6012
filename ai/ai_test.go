package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/core"
)

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1,
  "model": "gpt-4o-mini",
  "choices": [{
    "index": 0,
    "finish_reason": "tool_calls",
    "message": {
      "role": "assistant",
      "content": "  Nice to meet you.  ",
      "tool_calls": [{
        "id": "call_1",
        "type": "function",
        "function": {"name": "create_intel_offer", "arguments": "{\"asset_id\":\"x\",\"price\":50}"}
      }]
    }
  }]
}`

func newCompletionServer(t *testing.T, status int, body string, seen *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			var req map[string]any
			_ = json.NewDecoder(r.Body).Decode(&req)
			seen.Store(req)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGeneratorDecodesToolCalls(t *testing.T) {
	var seen atomic.Value
	srv := newCompletionServer(t, http.StatusOK, completionBody, &seen)

	cfg := DefaultLLMConfig()
	cfg.BaseURL = srv.URL + "/v1"
	gen := NewOpenAIGenerator(cfg)

	resp, err := gen.Generate(context.Background(), "sk-test", Request{
		System:  "be brief",
		History: []Message{{Role: RoleUser, Content: "hello"}},
		Tools: []Tool{{
			Name:       "create_intel_offer",
			Parameters: jsonschema.Definition{Type: jsonschema.Object},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Nice to meet you.", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "create_intel_offer", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"asset_id":"x","price":50}`, resp.ToolCalls[0].Arguments)

	req := seen.Load().(map[string]any)
	assert.Len(t, req["messages"], 2)
	assert.Len(t, req["tools"], 1)
}

func TestOpenAIGeneratorMapsTooManyRequests(t *testing.T) {
	srv := newCompletionServer(t, http.StatusTooManyRequests,
		`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, nil)

	cfg := DefaultLLMConfig()
	cfg.BaseURL = srv.URL + "/v1"
	_, err := NewOpenAIGenerator(cfg).Generate(context.Background(), "sk-test", Request{})

	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
}

func TestOpenAIGeneratorOtherErrorsAreNotRateLimits(t *testing.T) {
	srv := newCompletionServer(t, http.StatusInternalServerError,
		`{"error":{"message":"boom","type":"server_error"}}`, nil)

	cfg := DefaultLLMConfig()
	cfg.BaseURL = srv.URL + "/v1"
	_, err := NewOpenAIGenerator(cfg).Generate(context.Background(), "sk-test", Request{})

	require.Error(t, err)
	assert.False(t, IsRateLimited(err))
}

type scriptedGenerator struct {
	calls atomic.Int32
	errs  []error
	text  string
}

func (g *scriptedGenerator) Generate(ctx context.Context, secret string, req Request) (Response, error) {
	n := int(g.calls.Add(1)) - 1
	if n < len(g.errs) && g.errs[n] != nil {
		return Response{}, g.errs[n]
	}
	return Response{Text: g.text}, nil
}

var fastRetry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

func TestGenerateWithRetryRecovers(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{errors.New("a"), errors.New("b")}, text: "ok"}

	resp, err := GenerateWithRetry(context.Background(), gen, "k", Request{}, fastRetry)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(3), gen.calls.Load())
}

func TestGenerateWithRetryGivesUp(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{errors.New("a"), errors.New("b"), errors.New("c"), nil}}

	_, err := GenerateWithRetry(context.Background(), gen, "k", Request{}, fastRetry)
	require.Error(t, err)
	assert.Equal(t, int32(3), gen.calls.Load())
}

func TestGenerateWithRetryStopsOnRateLimit(t *testing.T) {
	gen := &scriptedGenerator{errs: []error{ErrRateLimited}}

	_, err := GenerateWithRetry(context.Background(), gen, "k", Request{}, fastRetry)
	assert.True(t, IsRateLimited(err))
	assert.Equal(t, int32(1), gen.calls.Load())
}

type fakeSearcher struct {
	results []SearchResult
	err     error
	queries []string
}

func (s *fakeSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}

func TestDiscoverOrdersWishlistTopicsTrending(t *testing.T) {
	cfg := DefaultResearchConfig()
	cfg.Trending = []string{"rollups", "Solar"}
	r := NewWebResearcher(cfg, nil, &scriptedGenerator{}, zap.NewNop())

	got, err := r.Discover(context.Background(), core.Agent{
		Wishlist: []string{"solar"},
		Topics:   []string{"markets"},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "solar", got[0].Topic)
	assert.Equal(t, "markets", got[1].Topic)
	assert.Equal(t, "rollups", got[2].Topic)
	assert.True(t, got[2].Trending)
}

func TestResearchCollectsSources(t *testing.T) {
	search := &fakeSearcher{results: []SearchResult{
		{Title: "One", Snippet: "s1", Link: "https://a.example"},
		{Title: "Two", Snippet: "s2"},
	}}
	cfg := DefaultResearchConfig()
	cfg.SearchesPerMinute = 0
	r := NewWebResearcher(cfg, search, &scriptedGenerator{text: "brief"}, zap.NewNop())

	f, err := r.Research(context.Background(), "k", Candidate{Topic: "solar", Query: "solar latest news"})
	require.NoError(t, err)
	assert.Equal(t, "brief", f.Summary)
	assert.Equal(t, []string{"https://a.example"}, f.Sources)
	assert.Equal(t, []string{"solar latest news"}, search.queries)
}

func TestResearchSurvivesSearchFailure(t *testing.T) {
	search := &fakeSearcher{err: errors.New("quota")}
	cfg := DefaultResearchConfig()
	cfg.SearchesPerMinute = 0
	r := NewWebResearcher(cfg, search, &scriptedGenerator{text: "brief"}, zap.NewNop())

	f, err := r.Research(context.Background(), "k", Candidate{Topic: "solar"})
	require.NoError(t, err)
	assert.Empty(t, f.Sources)
}

func TestSummarizeUnwrapsJSON(t *testing.T) {
	s := NewLLMSummarizer(&scriptedGenerator{text: `{"summary":"they traded"}`}, fastRetry)
	out, err := s.Summarize(context.Background(), "k", map[string]string{"a": "Ann"}, []core.Turn{{AgentID: "a", Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "they traded", out)
}

func TestExcerptKeepsLastLines(t *testing.T) {
	turns := []core.Turn{{AgentID: "a", Text: "1"}, {AgentID: "b", Text: "2"}, {AgentID: "a", Text: "3"}}
	assert.Equal(t, "b: 2 / Ann: 3", Excerpt(map[string]string{"a": "Ann"}, turns, 2))
}

func TestGenerateAgentsParsesFencedJSON(t *testing.T) {
	gen := &scriptedGenerator{text: "```json\n[{\"name\":\"Ada\",\"personality\":\"curious\",\"topics\":[\"math\"]},{\"name\":\" \"}]\n```"}

	agents, err := GenerateAgents(context.Background(), gen, "k", "science", 2, fastRetry)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "Ada", agents[0].Name)
	assert.NotEmpty(t, agents[0].ID)
	assert.True(t, agents[0].IsSystem())
}

func TestGenerateAgentsRejectsProse(t *testing.T) {
	_, err := GenerateAgents(context.Background(), &scriptedGenerator{text: "sorry"}, "k", "science", 2, fastRetry)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
