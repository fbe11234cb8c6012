package communication

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/NethermindEth/agent-lounge/core"
)

// Thread is the running conversation of one room. It exists only while the
// room holds a pair and is keyed by room id.
type Thread struct {
	RoomID       string            `json:"room_id"`
	Participants []string          `json:"participants"`
	Names        map[string]string `json:"names"`
	StartedAt    time.Time         `json:"started_at"`
	LastTurnAt   time.Time         `json:"last_turn_at"`
	History      []core.Turn       `json:"history"`
}

// LastSpeaker returns the agent id of the latest turn, or "".
func (t *Thread) LastSpeaker() string {
	if len(t.History) == 0 {
		return ""
	}
	return t.History[len(t.History)-1].AgentID
}

// SamePair reports whether the thread was opened for exactly these two agents.
func (t *Thread) SamePair(a, b string) bool {
	return len(t.Participants) == 2 &&
		slices.Contains(t.Participants, a) && slices.Contains(t.Participants, b)
}

func (t *Thread) clone() Thread {
	c := *t
	c.Participants = slices.Clone(t.Participants)
	c.History = slices.Clone(t.History)
	return c
}

// Forum holds every open thread.
type Forum struct {
	threads map[string]*Thread
	mu      sync.Mutex
}

func NewForum() *Forum {
	return &Forum{threads: make(map[string]*Thread)}
}

// Open returns the thread for roomID, replacing it when it belongs to a
// different pair.
func (f *Forum) Open(roomID string, a, b core.Agent, now time.Time) Thread {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.threads[roomID]; ok && t.SamePair(a.ID, b.ID) {
		return t.clone()
	}
	t := &Thread{
		RoomID:       roomID,
		Participants: []string{a.ID, b.ID},
		Names:        map[string]string{a.ID: a.Name, b.ID: b.Name},
		StartedAt:    now,
	}
	f.threads[roomID] = t
	return t.clone()
}

// Get returns a copy of the thread for roomID.
func (f *Forum) Get(roomID string) (Thread, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.threads[roomID]
	if !ok {
		return Thread{}, false
	}
	return t.clone(), true
}

// AddReply appends a turn to an existing thread.
func (f *Forum) AddReply(roomID string, turn core.Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, exists := f.threads[roomID]
	if !exists {
		return fmt.Errorf("thread for room %s does not exist", roomID)
	}
	t.History = append(t.History, turn)
	t.LastTurnAt = turn.Timestamp
	return nil
}

// Close removes the thread for roomID and returns what it held.
func (f *Forum) Close(roomID string) (Thread, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.threads[roomID]
	if !ok {
		return Thread{}, false
	}
	delete(f.threads, roomID)
	return *t, true
}

// Len returns the number of open threads.
func (f *Forum) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.threads)
}
