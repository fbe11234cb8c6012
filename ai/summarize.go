package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/NethermindEth/agent-lounge/core"
)

// Summarizer condenses a finished conversation into a short record.
type Summarizer interface {
	Summarize(ctx context.Context, secret string, names map[string]string, turns []core.Turn) (string, error)
}

type summaryJSON struct {
	Summary string `json:"summary"`
}

// LLMSummarizer asks the generator for a JSON encoded summary.
type LLMSummarizer struct {
	gen   Generator
	retry RetryConfig
}

func NewLLMSummarizer(gen Generator, retry RetryConfig) *LLMSummarizer {
	return &LLMSummarizer{gen: gen, retry: retry}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, secret string, names map[string]string, turns []core.Turn) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("nothing to summarize")
	}

	var transcript strings.Builder
	for _, t := range turns {
		name := names[t.AgentID]
		if name == "" {
			name = t.AgentID
		}
		fmt.Fprintf(&transcript, "%s: %s\n", name, t.Text)
	}

	prompt := fmt.Sprintf(`Summarize this lounge conversation in two or three sentences. Mention any offers or trades.

%s
Your response must be a JSON object in this format:
{"summary": "..."}`, transcript.String())

	resp, err := GenerateWithRetry(ctx, s.gen, secret, Request{
		History: []Message{{Role: RoleUser, Content: prompt}},
	}, s.retry)
	if err != nil {
		return "", err
	}

	summary := resp.Text
	if strings.HasPrefix(summary, "{") {
		var parsed summaryJSON
		if err := json.Unmarshal([]byte(summary), &parsed); err == nil && parsed.Summary != "" {
			summary = parsed.Summary
		}
	}
	if summary == "" {
		return "", ErrMalformedResponse
	}
	return summary, nil
}

// Excerpt is the summary used when no credential is available: the last few
// lines of the transcript.
func Excerpt(names map[string]string, turns []core.Turn, lines int) string {
	if len(turns) > lines {
		turns = turns[len(turns)-lines:]
	}
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		name := names[t.AgentID]
		if name == "" {
			name = t.AgentID
		}
		parts = append(parts, name+": "+t.Text)
	}
	return strings.Join(parts, " / ")
}
