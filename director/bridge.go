package director

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/placement"
)

// VisitSubject carries visit requests from processes that do not share
// memory with the placement scheduler.
const VisitSubject = "lounge.director.visit"

// VisitMessage asks for an owned agent to wander. A zero Until uses the
// bridge's default visit length.
type VisitMessage struct {
	AgentID string    `json:"agent_id"`
	Until   time.Time `json:"until,omitempty"`
}

// VisitReply is sent back when the request carried a reply subject.
type VisitReply struct {
	OK    bool      `json:"ok"`
	Until time.Time `json:"until,omitempty"`
	Error string    `json:"error,omitempty"`
}

type inbox interface {
	Submit(req placement.Request) error
}

// VisitBridge forwards VisitSubject messages into the placement inbox.
type VisitBridge struct {
	world inbox
	visit time.Duration
	clock core.Clock
	log   *zap.Logger
}

func NewVisitBridge(world inbox, visit time.Duration, clock core.Clock, log *zap.Logger) *VisitBridge {
	return &VisitBridge{world: world, visit: visit, clock: clock, log: log}
}

// Subscribe starts delivering VisitSubject messages to the bridge.
func (b *VisitBridge) Subscribe(broker *communication.Broker) (*nats.Subscription, error) {
	return broker.Subscribe(VisitSubject, b.handle)
}

func (b *VisitBridge) handle(msg *nats.Msg) {
	until, err := b.accept(msg.Data)
	if err != nil {
		b.log.Warn("visit request rejected", zap.Error(err))
	}
	if msg.Reply == "" {
		return
	}
	reply := VisitReply{OK: err == nil, Until: until}
	if err != nil {
		reply.Error = err.Error()
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		b.log.Debug("visit reply failed", zap.Error(err))
	}
}

func (b *VisitBridge) accept(data []byte) (time.Time, error) {
	var req VisitMessage
	if err := json.Unmarshal(data, &req); err != nil {
		return time.Time{}, err
	}
	if req.AgentID == "" {
		return time.Time{}, placement.ErrAgentRequired
	}
	until := req.Until
	if until.IsZero() {
		if b.visit <= 0 {
			return time.Time{}, errors.New("visit duration not configured")
		}
		until = b.clock.Now().Add(b.visit)
	}
	if err := b.world.Submit(placement.Visit{AgentID: req.AgentID, Until: until}); err != nil {
		return time.Time{}, err
	}
	return until, nil
}
