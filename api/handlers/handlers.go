package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/negotiation"
	"github.com/NethermindEth/agent-lounge/pause"
	"github.com/NethermindEth/agent-lounge/placement"
)

// World is the placement surface the API reads and writes. Writes are
// applied at the start of the next placement tick.
type World interface {
	Snapshot() *placement.Snapshot
	Submit(req placement.Request) error
}

type Credentials interface {
	Credentials() []keypool.Status
}

type Summaries interface {
	Summaries(roomID string) ([]core.ConversationSummary, error)
}

// Handlers serves the operator API. Hub, Summaries and Recent may be nil.
type Handlers struct {
	World         World
	Gate          pause.Gate
	Creds         Credentials
	Ledger        *negotiation.Ledger
	Recent        *communication.Recorder
	Hub           *communication.Hub
	Summaries     Summaries
	Clock         core.Clock
	Log           *zap.Logger
	VisitDuration time.Duration
}

// GetStatus - Returns the director's pause state and world counters
func (h *Handlers) GetStatus(c *gin.Context) {
	snap := h.World.Snapshot()
	status := gin.H{
		"pause":     h.Gate.State(),
		"ticks":     snap.Ticks,
		"taken_at":  snap.TakenAt,
		"agents":    len(snap.Agents),
		"rooms":     len(snap.Rooms),
		"wandering": len(snap.Wandering),
		"intel":     len(snap.Intel),
		"trades":    h.Ledger.Len(),
		"volume":    h.Ledger.Volume(),
	}
	if h.Creds != nil {
		status["credentials"] = h.Creds.Credentials()
	}
	if h.Hub != nil {
		status["ws_clients"] = h.Hub.Clients()
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

// Pause - Places a manual hold on both schedulers
func (h *Handlers) Pause(c *gin.Context) {
	var req struct {
		// Zero holds until an explicit resume.
		DurationSeconds int `json:"duration_seconds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.DurationSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid pause request"})
			return
		}
	}
	h.Gate.RequestPause(time.Duration(req.DurationSeconds)*time.Second, false)
	h.Log.Info("manual pause requested", zap.Int("seconds", req.DurationSeconds))
	c.JSON(http.StatusOK, gin.H{"pause": h.Gate.State()})
}

// Resume - Releases the most recent manual hold
func (h *Handlers) Resume(c *gin.Context) {
	h.Gate.RequestResume(false)
	c.JSON(http.StatusOK, gin.H{"pause": h.Gate.State()})
}

// ListAgents - Returns every agent, optionally filtered by owner
func (h *Handlers) ListAgents(c *gin.Context) {
	snap := h.World.Snapshot()
	if owner := c.Query("owner"); owner != "" {
		c.JSON(http.StatusOK, gin.H{"agents": snap.AgentsOf(owner)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": snap.Agents})
}

// GetAgent - Returns one agent with its room and trades
func (h *Handlers) GetAgent(c *gin.Context) {
	snap := h.World.Snapshot()
	agent, ok := snap.Agent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent":  agent,
		"room":   snap.RoomOf(agent.ID),
		"trades": h.Ledger.ForAgent(agent.ID),
	})
}

// AgentRequest is the payload accepted by RegisterAgent.
type AgentRequest struct {
	Name           string   `json:"name" binding:"required"`
	Personality    string   `json:"personality"`
	Instructions   string   `json:"instructions"`
	Topics         []string `json:"topics"`
	Wishlist       []string `json:"wishlist"`
	OwnerID        string   `json:"owner_id"`
	Balance        int64    `json:"balance"`
	OperatingHours string   `json:"operating_hours"`
	TrustedRoomIDs []string `json:"trusted_room_ids"`
	IsProactive    bool     `json:"is_proactive"`
}

// RegisterAgent - Registers a new agent
func (h *Handlers) RegisterAgent(c *gin.Context) {
	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Balance < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid agent data"})
		return
	}
	if req.OperatingHours != "" {
		if _, err := placement.ParseSchedule(req.OperatingHours); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	agent := core.Agent{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Personality:    req.Personality,
		Instructions:   req.Instructions,
		Topics:         req.Topics,
		Wishlist:       req.Wishlist,
		OwnerID:        req.OwnerID,
		Balance:        req.Balance,
		OperatingHours: req.OperatingHours,
		TrustedRoomIDs: req.TrustedRoomIDs,
		IsProactive:    req.IsProactive,
		CreatedAt:      h.Clock.Now(),
	}
	if !h.submit(c, placement.Register{Agent: agent}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Agent registered successfully",
		"agentID": agent.ID,
	})
}

// SendToSpace - Lets an owned agent wander for a while
func (h *Handlers) SendToSpace(c *gin.Context) {
	agent, ok := h.World.Snapshot().Agent(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
		return
	}
	var req struct {
		Minutes int `json:"minutes"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.Minutes < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid visit request"})
			return
		}
	}
	d := h.VisitDuration
	if req.Minutes > 0 {
		d = time.Duration(req.Minutes) * time.Minute
	}
	until := h.Clock.Now().Add(d)
	if !h.submit(c, placement.Visit{AgentID: agent.ID, Until: until}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"agentID": agent.ID, "until": until})
}

// JoinRoom - Moves an agent into a room
func (h *Handlers) JoinRoom(c *gin.Context) {
	var req struct {
		RoomID string `json:"room_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid join request"})
		return
	}
	snap := h.World.Snapshot()
	if _, ok := snap.Agent(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found"})
		return
	}
	room, ok := snap.Room(req.RoomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if !room.Admits(c.Param("id")) && !room.HasOccupant(c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": "Room does not admit agent"})
		return
	}
	if !h.submit(c, placement.Join{AgentID: c.Param("id"), RoomID: req.RoomID}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Join queued"})
}

// LeaveRoom - Takes an agent out of its room
func (h *Handlers) LeaveRoom(c *gin.Context) {
	snap := h.World.Snapshot()
	if snap.RoomOf(c.Param("id")) == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "Agent is not in a room"})
		return
	}
	if !h.submit(c, placement.Leave{AgentID: c.Param("id")}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Leave queued"})
}

// ListRooms - Returns every open room
func (h *Handlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.World.Snapshot().Rooms})
}

// RoomRequest is the payload accepted by CreateRoom.
type RoomRequest struct {
	Name         string   `json:"name"`
	OwnerAgentID string   `json:"owner_agent_id" binding:"required"`
	Rules        []string `json:"rules"`
	Vibe         string   `json:"vibe"`
}

// CreateRoom - Creates a room owned by an agent
func (h *Handlers) CreateRoom(c *gin.Context) {
	var req RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid room data"})
		return
	}
	owner, ok := h.World.Snapshot().Agent(req.OwnerAgentID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Owner agent not found"})
		return
	}
	name := req.Name
	if name == "" {
		name = owner.Name + "'s room"
	}
	room := core.Room{
		ID:           uuid.New().String(),
		Name:         name,
		IsOwned:      true,
		OwnerAgentID: owner.ID,
		Rules:        req.Rules,
		Vibe:         req.Vibe,
		CreatedAt:    h.Clock.Now(),
	}
	if !h.submit(c, placement.CreateOwnedRoom{Room: room}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Room created successfully", "roomID": room.ID})
}

// DeleteRoom - Evicts everyone from a room and deletes it
func (h *Handlers) DeleteRoom(c *gin.Context) {
	if _, ok := h.World.Snapshot().Room(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if !h.submit(c, placement.DeleteRoom{RoomID: c.Param("id")}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Room deletion queued"})
}

// BanAgent - Bars an agent from a room
func (h *Handlers) BanAgent(c *gin.Context) {
	var req struct {
		AgentID string `json:"agent_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ban request"})
		return
	}
	if _, ok := h.World.Snapshot().Room(c.Param("id")); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if !h.submit(c, placement.Ban{RoomID: c.Param("id"), AgentID: req.AgentID}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Ban queued"})
}

// GetSummaries - Returns the stored summaries of a room's past conversations
func (h *Handlers) GetSummaries(c *gin.Context) {
	if h.Summaries == nil {
		c.JSON(http.StatusOK, gin.H{"summaries": []core.ConversationSummary{}})
		return
	}
	sums, err := h.Summaries.Summaries(c.Param("id"))
	if err != nil {
		h.Log.Warn("loading summaries", zap.String("room", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load summaries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": sums})
}

// GetTrades - Returns the trade ledger, optionally for one agent
func (h *Handlers) GetTrades(c *gin.Context) {
	if agent := c.Query("agent"); agent != "" {
		c.JSON(http.StatusOK, gin.H{"trades": h.Ledger.ForAgent(agent)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": h.Ledger.Records(), "volume": h.Ledger.Volume()})
}

// GetIntel - Returns every known finding
func (h *Handlers) GetIntel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"intel": h.World.Snapshot().Intel})
}

// GetEvents - Returns the most recent events, newest last
func (h *Handlers) GetEvents(c *gin.Context) {
	if h.Recent == nil {
		c.JSON(http.StatusOK, gin.H{"events": []communication.Event{}})
		return
	}
	events := h.Recent.Events()
	if topic := c.Query("type"); topic != "" {
		events = h.Recent.ByTopic(topic)
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *Handlers) submit(c *gin.Context, req placement.Request) bool {
	err := h.World.Submit(req)
	if err == nil {
		return true
	}
	if errors.Is(err, placement.ErrInboxFull) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Director is busy, retry later"})
		return false
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	return false
}
