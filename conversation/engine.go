// Package conversation drives two-agent room conversations one turn at a
// time and dispatches the tool calls the model makes along the way.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/metrics"
	"github.com/NethermindEth/agent-lounge/negotiation"
	"github.com/NethermindEth/agent-lounge/storage"
)

var fallbackLines = []string{
	"I have to go.",
	"I'm not feeling well, let's pick this up later.",
	"Sorry, something came up. Catch you later.",
	"I need some air. See you around.",
}

type Config struct {
	TurnCooldown      time.Duration
	TurnTimeout       time.Duration
	RateLimitCooldown time.Duration
	MaxHistory        int
	SummaryTimeout    time.Duration
	// SummaryLines is the excerpt length used when no credential is free.
	SummaryLines int
}

func DefaultConfig() Config {
	return Config{
		TurnCooldown:      10 * time.Second,
		TurnTimeout:       30 * time.Second,
		RateLimitCooldown: 60 * time.Second,
		MaxHistory:        20,
		SummaryTimeout:    30 * time.Second,
		SummaryLines:      4,
	}
}

// Result reports what one Advance call did.
type Result struct {
	// Spoke is set when a turn was appended.
	Spoke bool
	// Attempted is set when a credential acquisition was attempted.
	Attempted bool
	// Exhausted is set when the attempt found no credential or hit a rate limit.
	Exhausted bool
	// Ended is set when the conversation must end. Leaver names the agent that
	// has to leave the room; the caller moves it.
	Ended  bool
	Leaver string
	Reason string
}

type Engine struct {
	cfg        Config
	gen        ai.Generator
	creds      keypool.Source
	negotiator *negotiation.Engine
	summarizer ai.Summarizer
	decoder    *Decoder
	catalog    Catalog
	forum      *communication.Forum
	persist    storage.Persister
	notify     communication.Notifier
	clock      core.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics

	pending sync.WaitGroup
}

type Deps struct {
	Generator  ai.Generator
	Creds      keypool.Source
	Negotiator *negotiation.Engine
	Summarizer ai.Summarizer
	Catalog    Catalog
	Persist    storage.Persister
	Notify     communication.Notifier
	Clock      core.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config, deps Deps) (*Engine, error) {
	decoder, err := NewDecoder(Tools)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:        cfg,
		gen:        deps.Generator,
		creds:      deps.Creds,
		negotiator: deps.Negotiator,
		summarizer: deps.Summarizer,
		decoder:    decoder,
		catalog:    deps.Catalog,
		forum:      communication.NewForum(),
		persist:    deps.Persist,
		notify:     deps.Notify,
		clock:      deps.Clock,
		log:        deps.Log,
		metrics:    deps.Metrics,
	}, nil
}

// Thread returns the open conversation of roomID.
func (e *Engine) Thread(roomID string) (communication.Thread, bool) {
	return e.forum.Get(roomID)
}

// Open reports how many conversations are running.
func (e *Engine) Open() int { return e.forum.Len() }

// SetCatalog replaces the asset lookup used in prompts. It must be called
// before the first Advance.
func (e *Engine) SetCatalog(c Catalog) { e.catalog = c }

// Advance plays at most one turn in room, whose occupants are a and b. It
// mutates room, a and b through tool calls, so the caller must not touch them
// concurrently.
func (e *Engine) Advance(ctx context.Context, room *core.Room, a, b *core.Agent) Result {
	if room.Occupancy() != core.MaxOccupants || !room.HasOccupant(a.ID) || !room.HasOccupant(b.ID) {
		return Result{}
	}

	now := e.clock.Now()
	thread := e.forum.Open(room.ID, *a, *b, now)
	if !thread.LastTurnAt.IsZero() && now.Sub(thread.LastTurnAt) < e.cfg.TurnCooldown {
		return Result{}
	}

	speaker, other := e.nextSpeaker(room, thread, a, b)

	cred, ok := e.creds.Acquire(speaker.ID)
	if !ok {
		e.log.Debug("no credential for turn", zap.String("room", room.ID), zap.String("agent", speaker.ID))
		res := e.fallback(room, speaker, other, "no credential available")
		res.Attempted, res.Exhausted = true, true
		return res
	}

	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.TurnTimeout)
	resp, err := e.gen.Generate(turnCtx, cred.Secret, Request(room, thread, speaker, other, e.catalog, e.cfg.MaxHistory))
	cancel()

	if err != nil {
		res := e.fallback(room, speaker, other, "generation failed")
		res.Attempted = true
		if ai.IsRateLimited(err) {
			e.creds.ReportRateLimited(cred.Secret, e.cfg.RateLimitCooldown)
			e.metrics.RateLimited()
			res.Exhausted = true
		}
		e.log.Warn("turn generation failed",
			zap.String("room", room.ID),
			zap.String("agent", speaker.ID),
			zap.Bool("rate_limited", res.Exhausted),
			zap.Error(err))
		return res
	}

	actions := e.decoder.Decode(resp.ToolCalls)
	if resp.Text == "" && len(actions) == 0 {
		e.log.Warn("empty turn", zap.String("room", room.ID), zap.String("agent", speaker.ID))
		res := e.fallback(room, speaker, other, "empty response")
		res.Attempted = true
		return res
	}

	res := Result{Attempted: true}
	if resp.Text != "" {
		e.appendTurn(room, speaker, resp.Text, "", "model")
		res.Spoke = true
	}

	end := false
	var did []string
	for _, action := range actions {
		switch act := action.(type) {
		case EndConversation:
			end = true
			did = append(did, "ends the conversation")
		case CreateIntelOffer:
			if _, err := e.negotiator.CreateOffer(room, speaker, other, act.AssetID, act.Price); err != nil {
				e.log.Debug("offer rejected", zap.String("room", room.ID), zap.String("agent", speaker.ID), zap.Error(err))
				continue
			}
			did = append(did, fmt.Sprintf("offers %s for %d", act.AssetID, act.Price))
		case AcceptOffer:
			if _, err := e.negotiator.AcceptOffer(room, speaker, other, act.AssetID); err != nil {
				e.log.Debug("accept rejected", zap.String("room", room.ID), zap.String("agent", speaker.ID), zap.Error(err))
				continue
			}
			did = append(did, "accepts the offer for "+act.AssetID)
		case Unknown:
			e.log.Info("ignoring tool call",
				zap.String("room", room.ID),
				zap.String("tool", act.Name),
				zap.String("reason", act.Reason))
		}
	}

	if !res.Spoke {
		// Tool-only turns still count for alternation.
		e.appendTurn(room, speaker, "", strings.Join(did, "; "), "tool")
	}

	if end {
		res.Ended = true
		res.Leaver = e.chooseLeaver(room, speaker, other)
		res.Reason = ToolEndConversation
		e.publishEnded(room, res)
	}
	return res
}

// Request builds the generation request for speaker's next turn.
func Request(room *core.Room, thread communication.Thread, speaker, other *core.Agent, catalog Catalog, limit int) ai.Request {
	return ai.Request{
		System:  systemPrompt(room, speaker, other, catalog),
		History: history(thread, speaker, other, limit),
		Tools:   Tools,
	}
}

// nextSpeaker alternates strictly. The opener is the host when present,
// otherwise the first occupant.
func (e *Engine) nextSpeaker(room *core.Room, thread communication.Thread, a, b *core.Agent) (*core.Agent, *core.Agent) {
	switch last := thread.LastSpeaker(); {
	case last == a.ID:
		return b, a
	case last == b.ID:
		return a, b
	case room.HostID == b.ID:
		return b, a
	default:
		return a, b
	}
}

// chooseLeaver picks who leaves after end_conversation. The owner of an owned
// room never leaves its own room on this signal.
func (e *Engine) chooseLeaver(room *core.Room, speaker, other *core.Agent) string {
	if room.IsOwned && room.OwnerAgentID != "" {
		if room.OwnerAgentID == speaker.ID {
			return other.ID
		}
		if room.OwnerAgentID == other.ID {
			return speaker.ID
		}
	}
	if rand.IntN(2) == 0 {
		return speaker.ID
	}
	return other.ID
}

// fallback closes the conversation with a canned line from speaker. The
// speaker leaves unless it owns the room.
func (e *Engine) fallback(room *core.Room, speaker, other *core.Agent, reason string) Result {
	e.appendTurn(room, speaker, fallbackLines[rand.IntN(len(fallbackLines))], "", "fallback")

	leaver := speaker.ID
	if room.IsOwned && room.OwnerAgentID == speaker.ID {
		leaver = other.ID
	}
	res := Result{Spoke: true, Ended: true, Leaver: leaver, Reason: reason}
	e.publishEnded(room, res)
	return res
}

func (e *Engine) appendTurn(room *core.Room, speaker *core.Agent, text, action, source string) {
	turn := core.Turn{AgentID: speaker.ID, Text: text, Action: action, Timestamp: e.clock.Now()}
	if err := e.forum.AddReply(room.ID, turn); err != nil {
		e.log.Error("append turn", zap.String("room", room.ID), zap.Error(err))
		return
	}
	e.metrics.Turn(source)
	if text == "" && action == "" {
		return
	}
	e.notify.Publish(communication.TopicTurnAppended, communication.TurnAppended{
		RoomID:    room.ID,
		AgentName: speaker.Name,
		Turn:      turn,
	})
}

func (e *Engine) publishEnded(room *core.Room, res Result) {
	e.notify.Publish(communication.TopicConversationEnded, communication.ConversationEnded{
		RoomID: room.ID,
		Leaver: res.Leaver,
		Reason: res.Reason,
	})
}

// Discard drops the conversation of roomID. A non-empty transcript is
// summarized and persisted in the background.
func (e *Engine) Discard(roomID, reason string) {
	thread, ok := e.forum.Close(roomID)
	if !ok {
		return
	}
	e.log.Debug("conversation discarded",
		zap.String("room", roomID),
		zap.String("reason", reason),
		zap.Int("turns", len(thread.History)))
	if countSpoken(thread.History) == 0 {
		return
	}

	endedAt := e.clock.Now()
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		e.persist.SaveSummary(core.ConversationSummary{
			ID:           uuid.New().String(),
			RoomID:       roomID,
			Participants: thread.Participants,
			Summary:      e.summarize(thread),
			TurnCount:    len(thread.History),
			EndedAt:      endedAt,
		})
	}()
}

func (e *Engine) summarize(thread communication.Thread) string {
	turns := spoken(thread.History)
	if e.summarizer == nil {
		return ai.Excerpt(thread.Names, turns, e.cfg.SummaryLines)
	}
	cred, ok := e.creds.Acquire("summary:" + thread.RoomID)
	if !ok {
		return ai.Excerpt(thread.Names, turns, e.cfg.SummaryLines)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SummaryTimeout)
	defer cancel()
	summary, err := e.summarizer.Summarize(ctx, cred.Secret, thread.Names, turns)
	if err != nil {
		if errors.Is(err, ai.ErrRateLimited) {
			e.creds.ReportRateLimited(cred.Secret, e.cfg.RateLimitCooldown)
			e.metrics.RateLimited()
		}
		e.log.Warn("summary failed, keeping excerpt", zap.String("room", thread.RoomID), zap.Error(err))
		return ai.Excerpt(thread.Names, turns, e.cfg.SummaryLines)
	}
	return summary
}

// Wait blocks until background summaries have been persisted.
func (e *Engine) Wait() { e.pending.Wait() }

func spoken(turns []core.Turn) []core.Turn {
	out := make([]core.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Text != "" {
			out = append(out, t)
		}
	}
	return out
}

func countSpoken(turns []core.Turn) int { return len(spoken(turns)) }
