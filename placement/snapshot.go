package placement

import (
	"fmt"
	"slices"
	"time"

	"github.com/NethermindEth/agent-lounge/core"
)

// Snapshot is an immutable read model of the world published after every
// tick. Readers must not modify it.
type Snapshot struct {
	TakenAt   time.Time    `json:"taken_at"`
	Ticks     uint64       `json:"ticks"`
	Agents    []core.Agent `json:"agents"`
	Rooms     []core.Room  `json:"rooms"`
	Intel     []core.Intel `json:"intel"`
	Wandering []string     `json:"wandering"`

	agentIdx map[string]int
	roomIdx  map[string]int
	intelIdx map[string]int
	location map[string]string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		agentIdx: map[string]int{},
		roomIdx:  map[string]int{},
		intelIdx: map[string]int{},
		location: map[string]string{},
	}
}

func (s *Scheduler) buildSnapshot() *Snapshot {
	snap := &Snapshot{
		TakenAt:  s.clock.Now(),
		Ticks:    s.ticks,
		Agents:   make([]core.Agent, 0, len(s.agents)),
		Rooms:    make([]core.Room, 0, len(s.rooms)),
		Intel:    make([]core.Intel, 0, len(s.intel)),
		agentIdx: make(map[string]int, len(s.agents)),
		roomIdx:  make(map[string]int, len(s.rooms)),
		intelIdx: make(map[string]int, len(s.intel)),
		location: make(map[string]string, len(s.location)),
	}

	for _, id := range sortedKeys(s.agents) {
		snap.agentIdx[id] = len(snap.Agents)
		snap.Agents = append(snap.Agents, s.agents[id].Clone())
		if _, placed := s.location[id]; !placed {
			snap.Wandering = append(snap.Wandering, id)
		}
	}
	for _, id := range sortedKeys(s.rooms) {
		snap.roomIdx[id] = len(snap.Rooms)
		snap.Rooms = append(snap.Rooms, s.rooms[id].Clone())
	}
	for _, id := range sortedKeys(s.intel) {
		snap.intelIdx[id] = len(snap.Intel)
		snap.Intel = append(snap.Intel, s.intel[id])
	}
	for agentID, roomID := range s.location {
		snap.location[agentID] = roomID
	}
	return snap
}

func (s *Snapshot) Agent(id string) (core.Agent, bool) {
	i, ok := s.agentIdx[id]
	if !ok {
		return core.Agent{}, false
	}
	return s.Agents[i], true
}

func (s *Snapshot) Room(id string) (core.Room, bool) {
	i, ok := s.roomIdx[id]
	if !ok {
		return core.Room{}, false
	}
	return s.Rooms[i], true
}

func (s *Snapshot) IntelByID(id string) (core.Intel, bool) {
	i, ok := s.intelIdx[id]
	if !ok {
		return core.Intel{}, false
	}
	return s.Intel[i], true
}

// RoomOf returns the room agentID is in, or "".
func (s *Snapshot) RoomOf(agentID string) string {
	return s.location[agentID]
}

// Owners returns the distinct owner ids in sorted order.
func (s *Snapshot) Owners() []string {
	var owners []string
	for _, a := range s.Agents {
		if a.OwnerID != "" && !slices.Contains(owners, a.OwnerID) {
			owners = append(owners, a.OwnerID)
		}
	}
	slices.Sort(owners)
	return owners
}

// AgentsOf returns the agents owned by ownerID.
func (s *Snapshot) AgentsOf(ownerID string) []core.Agent {
	var out []core.Agent
	for _, a := range s.Agents {
		if a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	return out
}

// Describe names the topic of an intel asset.
func (s *Snapshot) Describe(assetID string) (string, bool) {
	in, ok := s.IntelByID(assetID)
	if !ok {
		return "", false
	}
	return in.Topic, true
}

// Check verifies the placement invariants over the snapshot.
func (s *Snapshot) Check() error {
	seen := make(map[string]string)
	for _, r := range s.Rooms {
		if r.Occupancy() > core.MaxOccupants {
			return fmt.Errorf("room %s holds %d agents", r.ID, r.Occupancy())
		}
		if r.IsEmpty() && !r.IsOwned {
			return fmt.Errorf("empty public room %s was not deleted", r.ID)
		}
		if r.HostID != "" && !r.HasOccupant(r.HostID) {
			return fmt.Errorf("room %s host %s is not inside", r.ID, r.HostID)
		}
		for _, id := range r.AgentIDs {
			if prev, ok := seen[id]; ok {
				return fmt.Errorf("agent %s is in rooms %s and %s", id, prev, r.ID)
			}
			seen[id] = r.ID
			if s.location[id] != r.ID {
				return fmt.Errorf("location of %s is %q, room says %s", id, s.location[id], r.ID)
			}
		}
	}
	for id, roomID := range s.location {
		if seen[id] != roomID {
			return fmt.Errorf("location index places %s in %s", id, roomID)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
