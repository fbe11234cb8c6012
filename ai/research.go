package ai

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/ericgreene/go-serp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/NethermindEth/agent-lounge/core"
)

// SearchResult represents a web search result
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Link    string `json:"link"`
}

// SearchConfig holds configuration for web search
type SearchConfig struct {
	APIKey     string
	MaxResults int
	SafeSearch bool
}

// DefaultSearchConfig returns standard search configuration
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		MaxResults: 5,
		SafeSearch: true,
	}
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// SerpSearcher queries Google through SerpAPI.
type SerpSearcher struct {
	config SearchConfig
}

func NewSerpSearcher(config SearchConfig) *SerpSearcher {
	return &SerpSearcher{config: config}
}

func (s *SerpSearcher) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if s.config.APIKey == "" {
		return nil, fmt.Errorf("serp api key not set")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parameter := map[string]string{
		"q":   query,
		"key": s.config.APIKey,
		"num": strconv.Itoa(s.config.MaxResults),
	}
	if s.config.SafeSearch {
		parameter["safe"] = "active"
	}

	queryResponse := serp.NewGoogleSearch(parameter)
	results, err := queryResponse.GetJSON()
	if err != nil {
		return nil, fmt.Errorf("serp search %q: %w", query, err)
	}

	var searchResults []SearchResult
	for _, result := range results.OrganicResults {
		searchResults = append(searchResults, SearchResult{
			Title:   result.Title,
			Snippet: result.Snippet,
			Link:    result.Link,
		})
	}
	return searchResults, nil
}

// Candidate is something worth researching for an agent.
type Candidate struct {
	Topic string `json:"topic"`
	Query string `json:"query"`
	// Trending marks candidates taken from the shared trending list rather
	// than the agent's own interests.
	Trending bool `json:"trending"`
}

// Finding is the synthesized result of researching a candidate.
type Finding struct {
	Topic   string   `json:"topic"`
	Summary string   `json:"summary"`
	Sources []string `json:"sources"`
}

// Researcher is the research pipeline: discovery, then search and synthesis.
type Researcher interface {
	Discover(ctx context.Context, agent core.Agent) ([]Candidate, error)
	Research(ctx context.Context, secret string, c Candidate) (Finding, error)
}

type ResearchConfig struct {
	Trending      []string
	MaxCandidates int
	// SearchesPerMinute paces outbound searches across all agents.
	SearchesPerMinute float64
	Retry             RetryConfig
}

func DefaultResearchConfig() ResearchConfig {
	return ResearchConfig{
		MaxCandidates:     3,
		SearchesPerMinute: 10,
		Retry:             DefaultRetryConfig(),
	}
}

// WebResearcher searches the web for a candidate and asks the generator to
// condense the results into a tradable finding.
type WebResearcher struct {
	config  ResearchConfig
	search  Searcher
	gen     Generator
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewWebResearcher(config ResearchConfig, search Searcher, gen Generator, log *zap.Logger) *WebResearcher {
	limit := rate.Inf
	if config.SearchesPerMinute > 0 {
		limit = rate.Limit(config.SearchesPerMinute / 60)
	}
	return &WebResearcher{
		config:  config,
		search:  search,
		gen:     gen,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// Discover proposes candidates from the agent's wishlist, its topics and the
// trending list, wishlist first.
func (r *WebResearcher) Discover(ctx context.Context, agent core.Agent) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []Candidate
	seen := make(map[string]bool)
	add := func(topic string, trending bool) {
		key := strings.ToLower(strings.TrimSpace(topic))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, Candidate{Topic: topic, Query: topic + " latest news", Trending: trending})
	}

	wish := slices.Clone(agent.Wishlist)
	rand.Shuffle(len(wish), func(i, j int) { wish[i], wish[j] = wish[j], wish[i] })
	for _, t := range wish {
		add(t, false)
	}
	topics := slices.Clone(agent.Topics)
	rand.Shuffle(len(topics), func(i, j int) { topics[i], topics[j] = topics[j], topics[i] })
	for _, t := range topics {
		add(t, false)
	}
	for _, t := range r.config.Trending {
		add(t, true)
	}

	if r.config.MaxCandidates > 0 && len(out) > r.config.MaxCandidates {
		out = out[:r.config.MaxCandidates]
	}
	return out, nil
}

// Research searches for c and synthesizes a finding. Search failures fall
// back to synthesis from the model alone.
func (r *WebResearcher) Research(ctx context.Context, secret string, c Candidate) (Finding, error) {
	var results []SearchResult
	if r.search != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return Finding{}, err
		}
		res, err := r.search.Search(ctx, c.Query)
		if err != nil {
			r.log.Warn("web search failed, synthesizing without sources", zap.String("topic", c.Topic), zap.Error(err))
		} else {
			results = res
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Research topic: %s\n", c.Topic)
	if len(results) > 0 {
		sb.WriteString("\nSearch results:\n")
		for _, result := range results {
			fmt.Fprintf(&sb, "- %s\n  %s\n", result.Title, result.Snippet)
		}
	}
	sb.WriteString("\nWrite a dense three sentence briefing with the single most valuable, non-obvious insight. No preamble.")

	resp, err := GenerateWithRetry(ctx, r.gen, secret, Request{
		System:  "You are a research analyst producing short, tradable intelligence briefs.",
		History: []Message{{Role: RoleUser, Content: sb.String()}},
	}, r.config.Retry)
	if err != nil {
		return Finding{}, err
	}
	if resp.Text == "" {
		return Finding{}, ErrMalformedResponse
	}

	f := Finding{Topic: c.Topic, Summary: resp.Text}
	for _, result := range results {
		if result.Link != "" {
			f.Sources = append(f.Sources, result.Link)
		}
	}
	return f, nil
}
