package core

import (
	"slices"
	"time"
)

// MaxOccupants is the hard capacity of every room.
const MaxOccupants = 2

// Room is a space holding at most two agents. Owned rooms are bound to
// OwnerAgentID and survive being empty; public rooms are deleted once empty.
type Room struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AgentIDs       []string  `json:"agent_ids"`
	HostID         string    `json:"host_id,omitempty"`
	IsOwned        bool      `json:"is_owned"`
	OwnerAgentID   string    `json:"owner_agent_id,omitempty"`
	BannedAgentIDs []string  `json:"banned_agent_ids,omitempty"`
	Rules          []string  `json:"rules,omitempty"`
	Vibe           string    `json:"vibe,omitempty"`
	ActiveOffer    *Offer    `json:"active_offer,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r *Room) Occupancy() int { return len(r.AgentIDs) }

func (r *Room) IsFull() bool { return len(r.AgentIDs) >= MaxOccupants }

func (r *Room) IsEmpty() bool { return len(r.AgentIDs) == 0 }

func (r *Room) HasOccupant(agentID string) bool {
	return slices.Contains(r.AgentIDs, agentID)
}

// Bans reports whether agentID is banned from the room.
func (r *Room) Bans(agentID string) bool {
	return slices.Contains(r.BannedAgentIDs, agentID)
}

// Admits reports whether agentID could join right now.
func (r *Room) Admits(agentID string) bool {
	return !r.IsFull() && !r.Bans(agentID) && !r.HasOccupant(agentID)
}

// Other returns the occupant that is not agentID, or "".
func (r *Room) Other(agentID string) string {
	for _, id := range r.AgentIDs {
		if id != agentID {
			return id
		}
	}
	return ""
}

// PendingOffer returns the active offer if it is still pending.
func (r *Room) PendingOffer() *Offer {
	if r.ActiveOffer != nil && r.ActiveOffer.Status == OfferPending {
		return r.ActiveOffer
	}
	return nil
}

// Clone returns a deep copy of the room.
func (r *Room) Clone() Room {
	c := *r
	c.AgentIDs = slices.Clone(r.AgentIDs)
	c.BannedAgentIDs = slices.Clone(r.BannedAgentIDs)
	c.Rules = slices.Clone(r.Rules)
	if r.ActiveOffer != nil {
		o := *r.ActiveOffer
		c.ActiveOffer = &o
	}
	return c
}
