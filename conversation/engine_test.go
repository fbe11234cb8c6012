package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/negotiation"
	"github.com/NethermindEth/agent-lounge/storage"
)

var epoch = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

type step struct {
	resp ai.Response
	err  error
}

type scriptGen struct {
	mu       sync.Mutex
	steps    []step
	requests []ai.Request
	secrets  []string
}

func (g *scriptGen) Generate(ctx context.Context, secret string, req ai.Request) (ai.Response, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	g.secrets = append(g.secrets, secret)
	if len(g.steps) == 0 {
		return ai.Response{Text: "Interesting."}, nil
	}
	s := g.steps[0]
	g.steps = g.steps[1:]
	return s.resp, s.err
}

func say(text string, calls ...ai.ToolCall) step {
	return step{resp: ai.Response{Text: text, ToolCalls: calls}}
}

func call(name, args string) ai.ToolCall {
	return ai.ToolCall{ID: "c-" + name, Name: name, Arguments: args}
}

type summaryPersister struct {
	storage.Discard
	mu        sync.Mutex
	summaries []core.ConversationSummary
}

func (p *summaryPersister) SaveSummary(s core.ConversationSummary) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.summaries = append(p.summaries, s)
}

type harness struct {
	engine  *Engine
	gen     *scriptGen
	pool    *keypool.Pool
	clock   *core.ManualClock
	events  *communication.Recorder
	persist *summaryPersister
	room    *core.Room
	a, b    *core.Agent
}

func newHarness(t *testing.T, secrets []string, steps ...step) *harness {
	t.Helper()
	clock := core.NewManualClock(epoch)
	h := &harness{
		gen:     &scriptGen{steps: steps},
		pool:    keypool.New(secrets, clock, zap.NewNop()),
		clock:   clock,
		events:  communication.NewRecorder(200, clock),
		persist: &summaryPersister{},
		room:    &core.Room{ID: "r1", Name: "Lobby", AgentIDs: []string{"a", "b"}},
		a:       &core.Agent{ID: "a", Name: "Ann", Balance: 0, Holdings: map[string]int{"X": 1}},
		b:       &core.Agent{ID: "b", Name: "Bob", Balance: 100},
	}
	negotiator := negotiation.New(negotiation.DefaultConfig(), nil, h.persist, h.events, clock, zap.NewNop(), nil)

	engine, err := New(DefaultConfig(), Deps{
		Generator:  h.gen,
		Creds:      h.pool,
		Negotiator: negotiator,
		Persist:    h.persist,
		Notify:     h.events,
		Clock:      clock,
		Log:        zap.NewNop(),
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) advance() Result {
	return h.engine.Advance(context.Background(), h.room, h.a, h.b)
}

func TestOpenerThenStrictAlternation(t *testing.T) {
	h := newHarness(t, []string{"k1"}, say("Hi Bob."), say("Hey Ann."), say("What's new?"))

	res := h.advance()
	assert.True(t, res.Spoke)
	assert.True(t, res.Attempted)
	assert.False(t, res.Ended)

	require.Len(t, h.gen.requests, 1)
	first := h.gen.requests[0]
	require.Len(t, first.History, 1)
	assert.Equal(t, "You meet Bob; start a conversation.", first.History[0].Content)
	assert.Contains(t, first.System, "You are Ann")

	// Cooldown not yet expired.
	assert.Equal(t, Result{}, h.advance())
	assert.Len(t, h.gen.requests, 1)

	h.clock.Advance(11 * time.Second)
	h.advance()
	h.clock.Advance(11 * time.Second)
	h.advance()

	thread, ok := h.engine.Thread("r1")
	require.True(t, ok)
	require.Len(t, thread.History, 3)
	assert.Equal(t, []string{"a", "b", "a"}, []string{
		thread.History[0].AgentID, thread.History[1].AgentID, thread.History[2].AgentID,
	})

	second := h.gen.requests[1]
	assert.Contains(t, second.System, "You are Bob")
	require.Len(t, second.History, 1)
	assert.Equal(t, ai.RoleUser, second.History[0].Role)
	assert.Equal(t, "Hi Bob.", second.History[0].Content)

	assert.Len(t, h.events.ByTopic(communication.TopicTurnAppended), 3)
}

func TestHostOpensTheConversation(t *testing.T) {
	h := newHarness(t, []string{"k1"})
	h.room.HostID = "b"

	h.advance()

	require.Len(t, h.gen.requests, 1)
	assert.Contains(t, h.gen.requests[0].System, "You are Bob")
}

func TestNoCredentialEndsGracefully(t *testing.T) {
	h := newHarness(t, nil)

	res := h.advance()

	assert.True(t, res.Attempted)
	assert.True(t, res.Exhausted)
	assert.True(t, res.Ended)
	assert.Equal(t, "a", res.Leaver)
	assert.Empty(t, h.gen.requests)

	thread, ok := h.engine.Thread("r1")
	require.True(t, ok)
	require.Len(t, thread.History, 1)
	assert.Contains(t, fallbackLines, thread.History[0].Text)
	assert.Len(t, h.events.ByTopic(communication.TopicConversationEnded), 1)
}

func TestRateLimitReportsCredentialAndEnds(t *testing.T) {
	h := newHarness(t, []string{"k1"}, step{err: fmt.Errorf("wrapped: %w", ai.ErrRateLimited)})

	res := h.advance()

	assert.True(t, res.Ended)
	assert.True(t, res.Exhausted)
	assert.True(t, h.pool.AllOnCooldown())
	assert.Equal(t, []string{"k1"}, h.gen.secrets)
}

func TestGenerationErrorEndsWithoutCooldown(t *testing.T) {
	h := newHarness(t, []string{"k1"}, step{err: errors.New("timeout")})

	res := h.advance()

	assert.True(t, res.Ended)
	assert.False(t, res.Exhausted)
	assert.False(t, h.pool.AllOnCooldown())
	assert.Equal(t, "a", res.Leaver)
}

func TestOwnerNeverLeavesOwnRoomOnEnd(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, []string{"k1"}, say("Time to close up.", call(ToolEndConversation, "{}")))
		h.room.IsOwned = true
		h.room.OwnerAgentID = "a"

		res := h.advance()
		require.True(t, res.Ended)
		assert.Equal(t, "b", res.Leaver)
	}
}

func TestOwnerStaysOnFallback(t *testing.T) {
	h := newHarness(t, nil)
	h.room.IsOwned = true
	h.room.OwnerAgentID = "a"

	res := h.advance()
	assert.Equal(t, "b", res.Leaver)
}

func TestEndConversationPicksAnOccupant(t *testing.T) {
	h := newHarness(t, []string{"k1"}, say("Bye!", call(ToolEndConversation, "")))

	res := h.advance()
	require.True(t, res.Ended)
	assert.Contains(t, []string{"a", "b"}, res.Leaver)
	assert.Equal(t, ToolEndConversation, res.Reason)

	thread, _ := h.engine.Thread("r1")
	assert.Equal(t, "Bye!", thread.History[len(thread.History)-1].Text)
}

func TestOfferThenAcceptThroughToolCalls(t *testing.T) {
	h := newHarness(t, []string{"k1"},
		say("I have something for you.", call(ToolCreateIntelOffer, `{"asset_id":"X","price":50}`)),
		say("Deal.", call(ToolAcceptOffer, `{"asset_id":"X"}`)),
	)

	h.advance()
	require.NotNil(t, h.room.PendingOffer())
	assert.Equal(t, int64(50), h.room.ActiveOffer.Price)

	h.clock.Advance(11 * time.Second)
	h.advance()

	assert.Nil(t, h.room.ActiveOffer)
	assert.Equal(t, int64(50), h.a.Balance)
	assert.Equal(t, int64(50), h.b.Balance)
	assert.True(t, h.b.Holds("X"))

	trades := h.events.ByTopic(communication.TopicTradeExecuted)
	require.Len(t, trades, 1)
	rec := trades[0].Payload.(communication.TradeExecuted).Trade
	assert.Equal(t, "a", rec.FromID)
	assert.Equal(t, "b", rec.ToID)
	assert.Equal(t, int64(50), rec.Price)
}

func TestPendingOfferShowsInBuyerPrompt(t *testing.T) {
	h := newHarness(t, []string{"k1"},
		say("Want X?", call(ToolCreateIntelOffer, `{"asset_id":"X","price":5}`)),
	)
	h.advance()
	h.clock.Advance(11 * time.Second)
	h.advance()

	require.Len(t, h.gen.requests, 2)
	assert.Contains(t, h.gen.requests[1].System, "Ann offered you asset X for 5 credits")
}

func TestUnknownAndInvalidToolCallsAreIgnored(t *testing.T) {
	h := newHarness(t, []string{"k1"}, say("Let's dance.",
		call("dance", `{}`),
		call(ToolCreateIntelOffer, `{"asset_id":"X","price":"fifty"}`),
	))

	res := h.advance()

	assert.True(t, res.Spoke)
	assert.False(t, res.Ended)
	assert.Nil(t, h.room.ActiveOffer)
}

func TestEmptyResponseFallsBack(t *testing.T) {
	h := newHarness(t, []string{"k1"}, say(""))

	res := h.advance()
	assert.True(t, res.Ended)
	assert.Equal(t, "a", res.Leaver)
}

func TestToolOnlyTurnStillAlternates(t *testing.T) {
	h := newHarness(t, []string{"k1"},
		say("", call(ToolCreateIntelOffer, `{"asset_id":"X","price":1}`)),
		say("Hmm."),
	)
	h.advance()
	h.clock.Advance(11 * time.Second)
	h.advance()

	require.Len(t, h.gen.requests, 2)
	assert.Contains(t, h.gen.requests[1].System, "You are Bob")

	appended := h.events.ByTopic(communication.TopicTurnAppended)
	require.Len(t, appended, 2)
	first := appended[0].Payload.(communication.TurnAppended).Turn
	assert.Empty(t, first.Text)
	assert.Equal(t, "offers X for 1", first.Action)
}

func TestToolOnlyTurnIsDescribedInHistory(t *testing.T) {
	h := newHarness(t, []string{"k1"},
		say("", call(ToolCreateIntelOffer, `{"asset_id":"X","price":50}`)),
		say("", call(ToolAcceptOffer, `{"asset_id":"X"}`)),
		say("Pleasure."),
	)
	for i := 0; i < 3; i++ {
		h.advance()
		h.clock.Advance(11 * time.Second)
	}

	require.Len(t, h.gen.requests, 3)
	for i, req := range h.gen.requests {
		require.NotEmpty(t, req.History, "request %d", i)
		for j, msg := range req.History {
			assert.NotEmpty(t, msg.Content, "request %d message %d", i, j)
		}
	}
	buyer := h.gen.requests[1].History
	require.Len(t, buyer, 1)
	assert.Equal(t, ai.RoleUser, buyer[0].Role)
	assert.Equal(t, "(offers X for 50)", buyer[0].Content)

	// The trade went through without a word from either side.
	assert.Nil(t, h.room.ActiveOffer)
	assert.True(t, h.b.Holds("X"))
	assert.Len(t, h.events.ByTopic(communication.TopicTradeExecuted), 1)
}

func TestUnrecognizedToolOnlyTurnKeepsOpener(t *testing.T) {
	h := newHarness(t, []string{"k1"},
		say("", call("dance", `{}`)),
		say("Hello?"),
	)
	h.advance()
	h.clock.Advance(11 * time.Second)
	h.advance()

	require.Len(t, h.gen.requests, 2)
	second := h.gen.requests[1].History
	require.Len(t, second, 1)
	assert.Equal(t, "You meet Ann; start a conversation.", second[0].Content)
	appended := h.events.ByTopic(communication.TopicTurnAppended)
	require.Len(t, appended, 1)
	assert.Equal(t, "b", appended[0].Payload.(communication.TurnAppended).Turn.AgentID)
}

func TestNewPairResetsThread(t *testing.T) {
	h := newHarness(t, []string{"k1"})
	h.advance()

	c := &core.Agent{ID: "c", Name: "Cat"}
	h.room.AgentIDs = []string{"a", "c"}
	h.engine.Advance(context.Background(), h.room, h.a, c)

	thread, _ := h.engine.Thread("r1")
	assert.ElementsMatch(t, []string{"a", "c"}, thread.Participants)
	assert.Len(t, thread.History, 1)
}

func TestAdvanceIgnoresRoomsWithoutPair(t *testing.T) {
	h := newHarness(t, []string{"k1"})
	h.room.AgentIDs = []string{"a"}

	assert.Equal(t, Result{}, h.advance())
	assert.Zero(t, h.engine.Open())
}

func TestDiscardPersistsSummary(t *testing.T) {
	h := newHarness(t, []string{"k1"}, say("Hi."), say("Hello."))
	h.advance()
	h.clock.Advance(11 * time.Second)
	h.advance()

	h.engine.Discard("r1", "occupant left")
	h.engine.Wait()

	_, open := h.engine.Thread("r1")
	assert.False(t, open)
	require.Len(t, h.persist.summaries, 1)
	sum := h.persist.summaries[0]
	assert.Equal(t, "r1", sum.RoomID)
	assert.Equal(t, 2, sum.TurnCount)
	assert.Equal(t, "Ann: Hi. / Bob: Hello.", sum.Summary)
}

func TestDiscardWithoutTurnsPersistsNothing(t *testing.T) {
	h := newHarness(t, []string{"k1"})
	h.engine.Discard("missing", "noop")
	h.engine.Wait()
	assert.Empty(t, h.persist.summaries)
}

func TestDecoderTaggedUnion(t *testing.T) {
	d, err := NewDecoder(Tools)
	require.NoError(t, err)

	got := d.Decode([]ai.ToolCall{
		call(ToolEndConversation, ""),
		call(ToolCreateIntelOffer, `{"asset_id":"X","price":50}`),
		call(ToolAcceptOffer, `{"asset_id":"X"}`),
		call(ToolAcceptOffer, `{}`),
		call(ToolCreateIntelOffer, `not json`),
		call("wave", `{}`),
	})

	require.Len(t, got, 6)
	assert.Equal(t, EndConversation{}, got[0])
	assert.Equal(t, CreateIntelOffer{AssetID: "X", Price: 50}, got[1])
	assert.Equal(t, AcceptOffer{AssetID: "X"}, got[2])
	assert.IsType(t, Unknown{}, got[3])
	assert.IsType(t, Unknown{}, got[4])
	assert.Equal(t, "wave", got[5].(Unknown).Name)
}
