package placement

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
)

var (
	ErrInboxFull     = errors.New("placement: inbox full")
	ErrUnknownAgent  = errors.New("placement: unknown agent")
	ErrUnknownRoom   = errors.New("placement: unknown room")
	ErrRoomExists    = errors.New("placement: room already exists")
	ErrRoomFull      = errors.New("placement: room does not admit agent")
	ErrNotPlaced     = errors.New("placement: agent is not in a room")
	ErrAgentRequired = errors.New("placement: agent id required")
	ErrAgentExists   = errors.New("placement: agent already registered")
)

// Request is a message to the placement goroutine. Requests are applied at
// the start of the next tick, in submission order.
type Request interface {
	apply(s *Scheduler) error
}

// Register adds a new agent.
type Register struct {
	Agent core.Agent
}

// Visit lets an owned agent wander until Until.
type Visit struct {
	AgentID string
	Until   time.Time
}

// GrantIntel stores a new finding and credits it to its owner agent.
type GrantIntel struct {
	Intel core.Intel
}

// StampAction records the completion time of an autonomous action.
type StampAction struct {
	AgentID string
	At      time.Time
}

// CreateOwnedRoom adds a room bound to Room.OwnerAgentID.
type CreateOwnedRoom struct {
	Room core.Room
}

// Ban bars an agent from a room, removing it when present.
type Ban struct {
	RoomID  string
	AgentID string
}

// Join moves an agent into a room, leaving its current room first.
type Join struct {
	AgentID string
	RoomID  string
}

// Leave takes an agent out of its room.
type Leave struct {
	AgentID string
}

// DeleteRoom evicts the occupants of a room and deletes it.
type DeleteRoom struct {
	RoomID string
}

// Submit queues req without blocking.
func (s *Scheduler) Submit(req Request) error {
	select {
	case s.inbox <- req:
		return nil
	default:
		return ErrInboxFull
	}
}

func (s *Scheduler) drain() {
	for {
		select {
		case req := <-s.inbox:
			if err := req.apply(s); err != nil {
				s.log.Warn("placement request rejected", zap.String("request", fmt.Sprintf("%T", req)), zap.Error(err))
			}
		default:
			return
		}
	}
}

func (r Register) apply(s *Scheduler) error {
	if r.Agent.ID == "" {
		return ErrAgentRequired
	}
	if _, exists := s.agents[r.Agent.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, r.Agent.ID)
	}
	agent := r.Agent.Clone()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = s.clock.Now()
	}
	s.agents[agent.ID] = &agent
	s.persist.SaveAgent(agent)
	s.notify.Publish(communication.TopicAgentRegistered, agent.Clone())
	s.log.Info("agent registered", zap.String("agent", agent.ID), zap.String("name", agent.Name))
	return nil
}

func (v Visit) apply(s *Scheduler) error {
	agent, ok := s.agents[v.AgentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, v.AgentID)
	}
	if v.Until.After(agent.VisitUntil) {
		agent.VisitUntil = v.Until
		s.persist.SaveAgent(*agent)
	}
	return nil
}

func (g GrantIntel) apply(s *Scheduler) error {
	agent, ok := s.agents[g.Intel.OwnerAgentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, g.Intel.OwnerAgentID)
	}
	in := g.Intel
	if in.Kind == "" {
		in.Kind = core.KindInformation
	}
	s.intel[in.ID] = in
	agent.AddHolding(in.ID, 1)
	if in.Topic != "" {
		agent.AddTopic(in.Topic)
	}
	s.persist.SaveIntel(in)
	s.persist.SaveAgent(*agent)
	return nil
}

func (st StampAction) apply(s *Scheduler) error {
	agent, ok := s.agents[st.AgentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, st.AgentID)
	}
	if st.At.After(agent.LastActionAt) {
		agent.LastActionAt = st.At
		s.persist.SaveAgent(*agent)
	}
	return nil
}

func (c CreateOwnedRoom) apply(s *Scheduler) error {
	room := c.Room.Clone()
	if _, exists := s.rooms[room.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRoomExists, room.ID)
	}
	if _, ok := s.agents[room.OwnerAgentID]; !ok {
		return fmt.Errorf("%w: owner %s", ErrUnknownAgent, room.OwnerAgentID)
	}
	room.IsOwned = true
	room.AgentIDs = nil
	room.HostID = ""
	room.ActiveOffer = nil
	if room.CreatedAt.IsZero() {
		room.CreatedAt = s.clock.Now()
	}
	s.rooms[room.ID] = &room
	s.persist.SaveRoom(room)
	s.notify.Publish(communication.TopicRoomUpdated, room.Clone())
	return nil
}

func (b Ban) apply(s *Scheduler) error {
	room, ok := s.rooms[b.RoomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, b.RoomID)
	}
	if room.Bans(b.AgentID) {
		return nil
	}
	room.BannedAgentIDs = append(room.BannedAgentIDs, b.AgentID)
	if room.HasOccupant(b.AgentID) {
		s.leave(b.AgentID, "banned")
		if room, ok = s.rooms[b.RoomID]; !ok {
			return nil
		}
	}
	s.persist.SaveRoom(*room)
	s.notify.Publish(communication.TopicRoomUpdated, room.Clone())
	return nil
}

func (j Join) apply(s *Scheduler) error {
	if _, ok := s.agents[j.AgentID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, j.AgentID)
	}
	room, ok := s.rooms[j.RoomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, j.RoomID)
	}
	if s.location[j.AgentID] == j.RoomID {
		return nil
	}
	if !room.Admits(j.AgentID) {
		return fmt.Errorf("%w: %s into %s", ErrRoomFull, j.AgentID, j.RoomID)
	}
	if _, placed := s.location[j.AgentID]; placed {
		s.leave(j.AgentID, "moving")
	}
	s.join(j.AgentID, room, "requested")
	return nil
}

func (l Leave) apply(s *Scheduler) error {
	if _, placed := s.location[l.AgentID]; !placed {
		return fmt.Errorf("%w: %s", ErrNotPlaced, l.AgentID)
	}
	s.leave(l.AgentID, "requested")
	return nil
}

func (d DeleteRoom) apply(s *Scheduler) error {
	room, ok := s.rooms[d.RoomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, d.RoomID)
	}
	// Mark the room public so the last leave deletes it.
	room.IsOwned = false
	for _, id := range append([]string(nil), room.AgentIDs...) {
		s.leave(id, "room deleted")
	}
	if _, still := s.rooms[d.RoomID]; still {
		s.removeRoom(room)
	}
	return nil
}
