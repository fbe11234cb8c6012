package core

import "time"

// AssetKind decides how a traded asset changes hands.
type AssetKind string

const (
	// KindInformation is non-exclusive knowledge; sellers keep their copy.
	KindInformation AssetKind = "information"
	// KindExclusive is a unique asset that moves from seller to buyer.
	KindExclusive AssetKind = "exclusive"
)

// Intel is a researched finding. Its ID doubles as a tradable asset id.
type Intel struct {
	ID           string    `json:"id"`
	OwnerAgentID string    `json:"owner_agent_id"`
	Topic        string    `json:"topic"`
	Summary      string    `json:"summary"`
	Sources      []string  `json:"sources,omitempty"`
	Kind         AssetKind `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}

// Turn is a single utterance in a room conversation.
type Turn struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
	// Action describes what a turn without text did, e.g. "offers X for 50".
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationSummary is persisted when a conversation is discarded.
type ConversationSummary struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	Participants []string  `json:"participants"`
	Summary      string    `json:"summary"`
	TurnCount    int       `json:"turn_count"`
	EndedAt      time.Time `json:"ended_at"`
}
