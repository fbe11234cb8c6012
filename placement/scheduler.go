// Package placement owns the world: where every agent is, which rooms exist,
// and which conversations run on each tick.
package placement

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/conversation"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/metrics"
	"github.com/NethermindEth/agent-lounge/pause"
	"github.com/NethermindEth/agent-lounge/storage"
)

const directorName = "placement"

// Conversations is the part of the conversation engine placement drives.
type Conversations interface {
	Advance(ctx context.Context, room *core.Room, a, b *core.Agent) conversation.Result
	Discard(roomID, reason string)
}

// OfferCanceller clears pending offers when occupancy changes.
type OfferCanceller interface {
	CancelOffer(room *core.Room, reason string) bool
}

type Config struct {
	// RoomCapDivisor sets the public room cap to ceil(agents / divisor).
	RoomCapDivisor float64
	// MaxRooms overrides the computed cap when positive.
	MaxRooms                int
	ExhaustionPause         time.Duration
	ConversationConcurrency int
	InboxSize               int
	// Seed makes placement shuffles reproducible when non-zero.
	Seed uint64
}

func DefaultConfig() Config {
	return Config{
		RoomCapDivisor:          1.8,
		ExhaustionPause:         2 * time.Minute,
		ConversationConcurrency: 8,
		InboxSize:               1024,
	}
}

type Deps struct {
	Conversations Conversations
	Offers        OfferCanceller
	Gate          pause.Gate
	Creds         keypool.Source
	Persist       storage.Persister
	Notify        communication.Notifier
	Clock         core.Clock
	Log           *zap.Logger
	Metrics       *metrics.Metrics
}

// Scheduler must be ticked from a single goroutine. Other goroutines talk to
// it through Submit and read it through Snapshot.
type Scheduler struct {
	cfg           Config
	conversations Conversations
	offers        OfferCanceller
	gate          pause.Gate
	creds         keypool.Source
	persist       storage.Persister
	notify        communication.Notifier
	clock         core.Clock
	log           *zap.Logger
	metrics       *metrics.Metrics
	rng           *rand.Rand

	agents   map[string]*core.Agent
	rooms    map[string]*core.Room
	location map[string]string
	intel    map[string]core.Intel
	ticks    uint64
	warned   map[string]bool

	inbox    chan Request
	busy     atomic.Bool
	snapshot atomic.Pointer[Snapshot]
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.RoomCapDivisor <= 0 {
		cfg.RoomCapDivisor = 1.8
	}
	if cfg.ConversationConcurrency <= 0 {
		cfg.ConversationConcurrency = 1
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 1024
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}

	s := &Scheduler{
		cfg:           cfg,
		conversations: deps.Conversations,
		offers:        deps.Offers,
		gate:          deps.Gate,
		creds:         deps.Creds,
		persist:       deps.Persist,
		notify:        deps.Notify,
		clock:         deps.Clock,
		log:           deps.Log,
		metrics:       deps.Metrics,
		rng:           rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		agents:        make(map[string]*core.Agent),
		rooms:         make(map[string]*core.Room),
		location:      make(map[string]string),
		intel:         make(map[string]core.Intel),
		warned:        make(map[string]bool),
		inbox:         make(chan Request, cfg.InboxSize),
	}
	s.snapshot.Store(emptySnapshot())
	return s
}

// Snapshot returns the world as of the end of the last tick.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

// Describe implements the conversation catalog from the published snapshot.
func (s *Scheduler) Describe(assetID string) (string, bool) {
	return s.Snapshot().Describe(assetID)
}

// KindOf resolves an asset kind from the published snapshot.
func (s *Scheduler) KindOf(assetID string) core.AssetKind {
	if in, ok := s.Snapshot().IntelByID(assetID); ok && in.Kind != "" {
		return in.Kind
	}
	return core.KindInformation
}

// Restore loads persisted state. It must be called before the first tick.
// Stale offers are dropped and inconsistent placements repaired.
func (s *Scheduler) Restore(agents []core.Agent, rooms []core.Room, intel []core.Intel) {
	for i := range agents {
		a := agents[i].Clone()
		s.agents[a.ID] = &a
	}
	for _, in := range intel {
		s.intel[in.ID] = in
	}

	slices.SortFunc(rooms, func(a, b core.Room) int { return a.CreatedAt.Compare(b.CreatedAt) })
	for i := range rooms {
		r := rooms[i].Clone()
		r.ActiveOffer = nil

		kept := r.AgentIDs[:0]
		for _, id := range r.AgentIDs {
			if _, ok := s.agents[id]; !ok {
				continue
			}
			if _, placed := s.location[id]; placed || len(kept) == core.MaxOccupants {
				continue
			}
			kept = append(kept, id)
			s.location[id] = r.ID
		}
		if len(kept) == 0 {
			kept = nil
		}
		r.AgentIDs = kept
		if r.HostID != "" && !r.HasOccupant(r.HostID) {
			r.HostID = ""
		}
		if r.HostID == "" && len(r.AgentIDs) > 0 {
			r.HostID = r.AgentIDs[0]
		}

		if r.IsEmpty() && !r.IsOwned {
			s.persist.DeleteRoom(r.ID)
			continue
		}
		s.rooms[r.ID] = &r
	}

	s.log.Info("world restored",
		zap.Int("agents", len(s.agents)),
		zap.Int("rooms", len(s.rooms)),
		zap.Int("intel", len(s.intel)))
	s.publish()
}

// Tick runs one placement pass. Queued requests are applied even while
// paused; everything that may reach the generation service is skipped.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.busy.CompareAndSwap(false, true) {
		s.metrics.TickSkipped(directorName, "busy")
		return nil
	}
	defer s.busy.Store(false)

	s.drain()
	if s.gate.IsPaused() {
		s.metrics.TickSkipped(directorName, "paused")
		s.publish()
		return nil
	}

	now := s.clock.Now()
	s.ticks++
	s.endExpiredVisits(now)
	s.scheduleOwnedRooms(now)
	attempts, failures := s.advanceConversations(ctx)
	s.placeWanderers(now)
	s.checkExhaustion(attempts, failures)
	s.publish()

	s.metrics.Tick(directorName)
	return ctx.Err()
}

func (s *Scheduler) publish() {
	snap := s.buildSnapshot()
	s.snapshot.Store(snap)
	s.metrics.SetWorld(len(snap.Rooms), len(snap.Wandering))
}

// endExpiredVisits walks owned agents whose visit ran out back home.
func (s *Scheduler) endExpiredVisits(now time.Time) {
	for _, id := range sortedKeys(s.location) {
		agent := s.agents[id]
		if agent == nil || agent.CanWander(now) {
			continue
		}
		if room := s.rooms[s.location[id]]; room != nil && room.OwnerAgentID == id {
			continue
		}
		s.leave(id, "visit ended")
	}
}

func (s *Scheduler) scheduleOwnedRooms(now time.Time) {
	for _, id := range sortedKeys(s.rooms) {
		room := s.rooms[id]
		if !room.IsOwned {
			continue
		}
		owner := s.agents[room.OwnerAgentID]
		if owner == nil || owner.OperatingHours == "" {
			continue
		}

		should, err := ShouldBeInRoom(owner.OperatingHours, now)
		if err != nil && !s.warned[owner.ID] {
			s.warned[owner.ID] = true
			s.log.Warn("invalid operating hours, treating as always open",
				zap.String("agent", owner.ID),
				zap.String("hours", owner.OperatingHours),
				zap.Error(err))
		}

		inside := s.location[owner.ID] == room.ID
		switch {
		case should && !inside:
			s.moveOwnerIn(owner, room)
		case !should && inside:
			s.leave(owner.ID, "outside operating hours")
		}
	}
}

func (s *Scheduler) moveOwnerIn(owner *core.Agent, room *core.Room) {
	if room.Bans(owner.ID) {
		return
	}
	if _, placed := s.location[owner.ID]; placed {
		s.leave(owner.ID, "returning to own room")
	}
	if room.IsFull() {
		guest := room.AgentIDs[len(room.AgentIDs)-1]
		s.leave(guest, "making room for owner")
	}
	s.join(owner.ID, room, "operating hours")
	if room.HostID != owner.ID {
		room.HostID = owner.ID
		s.persist.SaveRoom(*room)
		s.notify.Publish(communication.TopicRoomUpdated, room.Clone())
	}
}

type pair struct {
	room *core.Room
	a, b *core.Agent
}

// advanceConversations plays one turn in every full room. Rooms are disjoint
// so they run concurrently; the resulting moves are applied afterwards.
func (s *Scheduler) advanceConversations(ctx context.Context) (attempts, failures int) {
	var pairs []pair
	for _, id := range sortedKeys(s.rooms) {
		room := s.rooms[id]
		if room.Occupancy() != core.MaxOccupants {
			continue
		}
		a, b := s.agents[room.AgentIDs[0]], s.agents[room.AgentIDs[1]]
		if a == nil || b == nil {
			continue
		}
		pairs = append(pairs, pair{room: room, a: a, b: b})
	}
	if len(pairs) == 0 {
		return 0, 0
	}

	results := make([]conversation.Result, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ConversationConcurrency)
	for i, p := range pairs {
		g.Go(func() error {
			results[i] = s.conversations.Advance(gctx, p.room, p.a, p.b)
			return nil
		})
	}
	_ = g.Wait()

	for i, res := range results {
		if res.Attempted {
			attempts++
			if res.Exhausted {
				failures++
			}
		}
		if res.Ended && res.Leaver != "" && s.location[res.Leaver] == pairs[i].room.ID {
			s.leave(res.Leaver, "conversation ended")
		}
	}
	return attempts, failures
}

func (s *Scheduler) roomCap() int {
	if s.cfg.MaxRooms > 0 {
		return s.cfg.MaxRooms
	}
	return int(math.Ceil(float64(len(s.agents)) / s.cfg.RoomCapDivisor))
}

// placeWanderers seats room-less agents: trusted rooms first, then half-full
// rooms, then new pairs while under the room cap.
func (s *Scheduler) placeWanderers(now time.Time) {
	var wanderers []*core.Agent
	for _, id := range sortedKeys(s.agents) {
		a := s.agents[id]
		if _, placed := s.location[id]; placed || !a.CanWander(now) {
			continue
		}
		wanderers = append(wanderers, a)
	}
	s.rng.Shuffle(len(wanderers), func(i, j int) { wanderers[i], wanderers[j] = wanderers[j], wanderers[i] })

	remaining := wanderers[:0]
	for _, a := range wanderers {
		if !s.joinTrusted(a) {
			remaining = append(remaining, a)
		}
	}

	wanderers = remaining
	remaining = nil
	for _, a := range wanderers {
		if !s.fill(a) {
			remaining = append(remaining, a)
		}
	}

	limit := s.roomCap()
	public := s.publicRooms()
	for len(remaining) >= 2 && public < limit {
		s.createRoom(remaining[0], remaining[1])
		remaining = remaining[2:]
		public++
	}
	if len(remaining) >= 2 {
		s.log.Debug("room cap reached", zap.Int("cap", limit), zap.Int("wandering", len(remaining)))
	}
}

// publicRooms counts the rooms the cap applies to. Owned rooms live on
// while empty and are not counted.
func (s *Scheduler) publicRooms() int {
	n := 0
	for _, room := range s.rooms {
		if !room.IsOwned {
			n++
		}
	}
	return n
}

// joinTrusted seats a in one of its trusted rooms, tried in random order,
// that holds exactly one other agent.
func (s *Scheduler) joinTrusted(a *core.Agent) bool {
	trusted := slices.Clone(a.TrustedRoomIDs)
	s.rng.Shuffle(len(trusted), func(i, j int) { trusted[i], trusted[j] = trusted[j], trusted[i] })
	for _, roomID := range trusted {
		room := s.rooms[roomID]
		if room == nil || room.Occupancy() != 1 || room.OwnerAgentID == a.ID || !room.Admits(a.ID) {
			continue
		}
		s.join(a.ID, room, "trusted room")
		return true
	}
	return false
}

func (s *Scheduler) fill(a *core.Agent) bool {
	var open []*core.Room
	for _, id := range sortedKeys(s.rooms) {
		room := s.rooms[id]
		if room.Occupancy() == 1 && room.OwnerAgentID != a.ID && room.Admits(a.ID) {
			open = append(open, room)
		}
	}
	if len(open) == 0 {
		return false
	}
	s.join(a.ID, open[s.rng.IntN(len(open))], "joined open room")
	return true
}

func (s *Scheduler) createRoom(a, b *core.Agent) {
	room := &core.Room{
		ID:        uuid.New().String(),
		Name:      fmt.Sprintf("%s & %s", a.Name, b.Name),
		CreatedAt: s.clock.Now(),
	}
	s.rooms[room.ID] = room
	s.log.Debug("room created", zap.String("room", room.ID))
	s.join(a.ID, room, "paired")
	s.join(b.ID, room, "paired")
}

func (s *Scheduler) checkExhaustion(attempts, failures int) {
	if attempts == 0 || failures < attempts || !s.creds.AllOnCooldown() {
		return
	}
	s.log.Warn("every credential is cooling down, pausing",
		zap.Int("attempts", attempts),
		zap.Duration("pause", s.cfg.ExhaustionPause))
	s.gate.RequestPause(s.cfg.ExhaustionPause, false)
}

// join seats agentID in room. Callers check admission first.
func (s *Scheduler) join(agentID string, room *core.Room, reason string) {
	room.AgentIDs = append(room.AgentIDs, agentID)
	s.location[agentID] = room.ID
	if room.HostID == "" {
		room.HostID = agentID
	}
	s.offers.CancelOffer(room, "occupancy changed")

	s.persist.SaveRoom(*room)
	s.notify.Publish(communication.TopicAgentMoved, communication.AgentMoved{AgentID: agentID, ToRoomID: room.ID, Reason: reason})
	s.notify.Publish(communication.TopicRoomUpdated, room.Clone())
}

// leave takes agentID out of its room, ending the room's conversation and
// deleting the room when it is public and now empty.
func (s *Scheduler) leave(agentID, reason string) {
	roomID, ok := s.location[agentID]
	if !ok {
		return
	}
	delete(s.location, agentID)
	room := s.rooms[roomID]
	if room == nil {
		return
	}

	if room.Occupancy() == core.MaxOccupants {
		s.conversations.Discard(room.ID, reason)
	}
	s.offers.CancelOffer(room, reason)

	room.AgentIDs = slices.DeleteFunc(room.AgentIDs, func(id string) bool { return id == agentID })
	if len(room.AgentIDs) == 0 {
		room.AgentIDs = nil
	}
	if room.HostID == agentID {
		room.HostID = ""
		if len(room.AgentIDs) > 0 {
			room.HostID = room.AgentIDs[0]
		}
	}
	s.notify.Publish(communication.TopicAgentMoved, communication.AgentMoved{AgentID: agentID, FromRoomID: room.ID, Reason: reason})

	if room.IsEmpty() && !room.IsOwned {
		s.removeRoom(room)
		return
	}
	s.persist.SaveRoom(*room)
	s.notify.Publish(communication.TopicRoomUpdated, room.Clone())
}

func (s *Scheduler) removeRoom(room *core.Room) {
	delete(s.rooms, room.ID)
	s.persist.DeleteRoom(room.ID)
	s.notify.Publish(communication.TopicRoomDeleted, communication.RoomDeleted{RoomID: room.ID})
	s.log.Debug("room deleted", zap.String("room", room.ID))
}
