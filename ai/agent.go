package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/NethermindEth/agent-lounge/core"
)

type persona struct {
	Name         string   `json:"name"`
	Personality  string   `json:"personality"`
	Instructions string   `json:"instructions"`
	Topics       []string `json:"topics"`
	Wishlist     []string `json:"wishlist"`
}

// GenerateAgents asks the model for count system agents interested in topic.
// The returned agents have fresh ids and no owner.
func GenerateAgents(ctx context.Context, gen Generator, secret, topic string, count int, retry RetryConfig) ([]core.Agent, error) {
	prompt := fmt.Sprintf(`Create %d unique characters who hang out in a lounge and trade information about %s.
Each character should have:
1. A memorable name
2. A one sentence personality that shapes how they talk and negotiate
3. Short behavioural instructions
4. 2-4 topics they know about and 1-3 topics they want to learn about

Return a JSON array where each element has:
- "name"
- "personality"
- "instructions"
- "topics": array of strings
- "wishlist": array of strings

Format the response as valid JSON only, no additional text.`, count, topic)

	resp, err := GenerateWithRetry(ctx, gen, secret, Request{
		History: []Message{{Role: RoleUser, Content: prompt}},
	}, retry)
	if err != nil {
		return nil, err
	}

	raw := strings.TrimSpace(resp.Text)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var personas []persona
	if err := json.Unmarshal([]byte(raw), &personas); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	agents := make([]core.Agent, 0, len(personas))
	for _, p := range personas {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		agents = append(agents, core.Agent{
			ID:           uuid.New().String(),
			Name:         p.Name,
			Personality:  p.Personality,
			Instructions: p.Instructions,
			Topics:       p.Topics,
			Wishlist:     p.Wishlist,
		})
	}
	return agents, nil
}
