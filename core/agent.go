package core

import (
	"slices"
	"time"
)

// Agent represents a conversational entity living in the lounge. Agents without
// an OwnerID are system controlled and always wander; user-owned agents only
// wander while a visit is active.
type Agent struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Personality    string         `json:"personality"`
	Instructions   string         `json:"instructions"`
	Topics         []string       `json:"topics"`
	Wishlist       []string       `json:"wishlist"`
	Reputation     float64        `json:"reputation"`
	OwnerID        string         `json:"owner_id,omitempty"`
	Balance        int64          `json:"balance"`
	Holdings       map[string]int `json:"holdings"`
	OperatingHours string         `json:"operating_hours,omitempty"`
	TrustedRoomIDs []string       `json:"trusted_room_ids,omitempty"`
	IsProactive    bool           `json:"is_proactive"`
	VisitUntil     time.Time      `json:"visit_until,omitempty"`
	LastActionAt   time.Time      `json:"last_action_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IsSystem reports whether nobody owns the agent.
func (a *Agent) IsSystem() bool {
	return a.OwnerID == ""
}

// CanWander reports whether the agent may be placed into rooms at now.
func (a *Agent) CanWander(now time.Time) bool {
	if a.IsSystem() {
		return true
	}
	return now.Before(a.VisitUntil)
}

// Holds reports whether the agent owns at least one unit of assetID.
func (a *Agent) Holds(assetID string) bool {
	return a.Holdings[assetID] > 0
}

// AddHolding credits qty units of assetID.
func (a *Agent) AddHolding(assetID string, qty int) {
	if a.Holdings == nil {
		a.Holdings = make(map[string]int)
	}
	a.Holdings[assetID] += qty
}

// RemoveHolding debits one unit of assetID, dropping the entry at zero.
func (a *Agent) RemoveHolding(assetID string) {
	n := a.Holdings[assetID] - 1
	if n <= 0 {
		delete(a.Holdings, assetID)
		return
	}
	a.Holdings[assetID] = n
}

// AddTopic adds topic to the agent's topic set.
func (a *Agent) AddTopic(topic string) {
	if !slices.Contains(a.Topics, topic) {
		a.Topics = append(a.Topics, topic)
	}
}

// Clone returns a deep copy safe to hand to other goroutines.
func (a *Agent) Clone() Agent {
	c := *a
	c.Topics = slices.Clone(a.Topics)
	c.Wishlist = slices.Clone(a.Wishlist)
	c.TrustedRoomIDs = slices.Clone(a.TrustedRoomIDs)
	if a.Holdings != nil {
		c.Holdings = make(map[string]int, len(a.Holdings))
		for k, v := range a.Holdings {
			c.Holdings[k] = v
		}
	}
	return c
}
