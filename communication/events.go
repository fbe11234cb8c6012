package communication

import (
	"time"

	"github.com/NethermindEth/agent-lounge/core"
)

// Event is what websocket clients and NATS subscribers receive.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

const (
	TopicAgentMoved        = "agent.moved"
	TopicAgentRegistered   = "agent.registered"
	TopicAgentVisiting     = "agent.visiting"
	TopicTurnAppended      = "turn.appended"
	TopicConversationEnded = "conversation.ended"
	TopicRoomUpdated       = "room.updated"
	TopicRoomDeleted       = "room.deleted"
	TopicOfferCreated      = "offer.created"
	TopicOfferCancelled    = "offer.cancelled"
	TopicTradeExecuted     = "trade.executed"
	TopicBalanceChanged    = "balance.changed"
	TopicIntelCreated      = "intel.created"
	TopicOwnerMessage      = "owner.message"
	TopicDirectorPaused    = "director.paused"
	TopicDirectorResumed   = "director.resumed"
)

type AgentMoved struct {
	AgentID    string `json:"agent_id"`
	FromRoomID string `json:"from_room_id,omitempty"`
	ToRoomID   string `json:"to_room_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type RoomDeleted struct {
	RoomID string `json:"room_id"`
}

type TurnAppended struct {
	RoomID    string    `json:"room_id"`
	AgentName string    `json:"agent_name"`
	Turn      core.Turn `json:"turn"`
}

type ConversationEnded struct {
	RoomID string `json:"room_id"`
	Leaver string `json:"leaver,omitempty"`
	Reason string `json:"reason"`
}

type OfferUpdate struct {
	RoomID string     `json:"room_id"`
	Offer  core.Offer `json:"offer"`
	Reason string     `json:"reason,omitempty"`
}

type TradeExecuted struct {
	Trade         core.TradeRecord `json:"trade"`
	SellerOwnerID string           `json:"seller_owner_id,omitempty"`
	BuyerOwnerID  string           `json:"buyer_owner_id,omitempty"`
}

type BalanceChanged struct {
	AgentID string `json:"agent_id"`
	OwnerID string `json:"owner_id"`
	Balance int64  `json:"balance"`
	Delta   int64  `json:"delta"`
}

type IntelCreated struct {
	OwnerID string     `json:"owner_id,omitempty"`
	Intel   core.Intel `json:"intel"`
}

type OwnerMessage struct {
	OwnerID string `json:"owner_id"`
	AgentID string `json:"agent_id"`
	Kind    string `json:"kind"`
	Text    string `json:"text"`
}

type AgentVisiting struct {
	OwnerID string    `json:"owner_id"`
	AgentID string    `json:"agent_id"`
	Until   time.Time `json:"until"`
}

type PauseChanged struct {
	Paused    bool      `json:"paused"`
	ResumeAt  time.Time `json:"resume_at,omitempty"`
	HoldCount int       `json:"hold_count"`
	Scheduled bool      `json:"scheduled"`
}
