package autonomy

import (
	"context"
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
	"github.com/NethermindEth/agent-lounge/pause"
	"github.com/NethermindEth/agent-lounge/placement"
	"github.com/NethermindEth/agent-lounge/storage"
)

var epoch = time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)

type fakeWorld struct {
	mu   sync.Mutex
	snap *placement.Snapshot
	reqs []placement.Request
}

func newFakeWorld(clock core.Clock, agents []core.Agent, intel []core.Intel) *fakeWorld {
	p := placement.New(placement.DefaultConfig(), placement.Deps{
		Persist: storage.Discard{},
		Notify:  communication.Nop{},
		Clock:   clock,
		Log:     zap.NewNop(),
	})
	p.Restore(agents, nil, intel)
	return &fakeWorld{snap: p.Snapshot()}
}

func (w *fakeWorld) Snapshot() *placement.Snapshot { return w.snap }

func (w *fakeWorld) Submit(req placement.Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reqs = append(w.reqs, req)
	return nil
}

func (w *fakeWorld) visits() []placement.Visit {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []placement.Visit
	for _, r := range w.reqs {
		if v, ok := r.(placement.Visit); ok {
			out = append(out, v)
		}
	}
	return out
}

func (w *fakeWorld) count(kind string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, r := range w.reqs {
		if fmt.Sprintf("%T", r) == kind {
			n++
		}
	}
	return n
}

type fakeGen struct {
	text  string
	err   error
	block chan struct{}
}

func (g *fakeGen) Generate(ctx context.Context, secret string, req ai.Request) (ai.Response, error) {
	if g.block != nil {
		<-g.block
	}
	return ai.Response{Text: g.text}, g.err
}

type fakeResearcher struct {
	finding ai.Finding
	err     error
}

func (r *fakeResearcher) Discover(ctx context.Context, agent core.Agent) ([]ai.Candidate, error) {
	return []ai.Candidate{{Topic: "solar", Query: "solar latest news"}}, nil
}

func (r *fakeResearcher) Research(ctx context.Context, secret string, c ai.Candidate) (ai.Finding, error) {
	return r.finding, r.err
}

type rig struct {
	sched  *Scheduler
	world  *fakeWorld
	pool   *keypool.Pool
	gate   *pause.Controller
	clock  *core.ManualClock
	events *communication.Recorder
}

func newRig(t *testing.T, agents []core.Agent, roll float64, gen ai.Generator, research ai.Researcher, secrets ...string) *rig {
	t.Helper()
	clock := core.NewManualClock(epoch)
	r := &rig{
		world:  newFakeWorld(clock, agents, []core.Intel{{ID: "i1", OwnerAgentID: "p1", Topic: "solar", Summary: "panels are cheap"}}),
		pool:   keypool.New(secrets, clock, zap.NewNop()),
		gate:   pause.NewController(clock),
		clock:  clock,
		events: communication.NewRecorder(100, clock),
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.Retry = ai.RetryConfig{Attempts: 1}
	r.sched = New(cfg, Deps{
		World:      r.world,
		Generator:  gen,
		Researcher: research,
		Creds:      r.pool,
		Gate:       r.gate,
		Notify:     r.events,
		Clock:      clock,
		Log:        zap.NewNop(),
	})
	r.sched.roll = func() float64 { return roll }
	return r
}

func (r *rig) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, r.sched.Tick(context.Background()))
	r.sched.Wait()
}

func proactive(id, owner string) core.Agent {
	return core.Agent{ID: id, Name: id, OwnerID: owner, IsProactive: true, Balance: 10}
}

func TestRoundRobinOverOwners(t *testing.T) {
	r := newRig(t, []core.Agent{
		proactive("p1", "o1"), proactive("p2", "o2"), proactive("p3", "o3"),
	}, 0.1, &fakeGen{}, nil)

	r.tick(t)
	r.tick(t)

	var ids []string
	for _, v := range r.world.visits() {
		ids = append(ids, v.AgentID)
	}
	// Second batch is o3 then o1, but p1 is still cooling down.
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, ids)

	r.clock.Advance(11 * time.Minute)
	r.tick(t)
	assert.Len(t, r.world.visits(), 5)
}

func TestVisitRequestsPlacementAndStamps(t *testing.T) {
	r := newRig(t, []core.Agent{proactive("p1", "o1")}, 0.1, &fakeGen{}, nil)

	r.tick(t)

	visits := r.world.visits()
	require.Len(t, visits, 1)
	assert.Equal(t, epoch.Add(30*time.Minute), visits[0].Until)
	assert.Equal(t, 1, r.world.count("placement.StampAction"))
	assert.Len(t, r.events.ByTopic(communication.TopicAgentVisiting), 1)
	assert.False(t, r.sched.Busy("p1"))
}

func TestSkipsPassiveAgentsAndPersistedCooldown(t *testing.T) {
	passive := proactive("p2", "o1")
	passive.IsProactive = false
	recent := proactive("p3", "o1")
	recent.LastActionAt = epoch.Add(-time.Minute)

	r := newRig(t, []core.Agent{proactive("p1", "o1"), passive, recent}, 0.1, &fakeGen{}, nil)
	r.tick(t)

	visits := r.world.visits()
	require.Len(t, visits, 1)
	assert.Equal(t, "p1", visits[0].AgentID)
}

func TestOwnerMessagePublished(t *testing.T) {
	r := newRig(t, []core.Agent{proactive("p2", "o1")}, 0.7, &fakeGen{text: "All good here."}, nil, "k1")

	r.tick(t)

	msgs := r.events.ByTopic(communication.TopicOwnerMessage)
	require.Len(t, msgs, 1)
	msg := msgs[0].Payload.(communication.OwnerMessage)
	assert.Equal(t, "o1", msg.OwnerID)
	assert.Equal(t, MessagePosition, msg.Kind)
	assert.Equal(t, "All good here.", msg.Text)
}

func TestOwnerMessageSharesFindings(t *testing.T) {
	agent := proactive("p1", "o1")
	agent.Holdings = map[string]int{"i1": 1}
	// 0.7 picks a message, then the last available flavour.
	r := newRig(t, []core.Agent{agent}, 0.7, &fakeGen{text: "Found something."}, nil, "k1")

	r.tick(t)

	msgs := r.events.ByTopic(communication.TopicOwnerMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessageFindings, msgs[0].Payload.(communication.OwnerMessage).Kind)
}

func TestResearchGrantsIntel(t *testing.T) {
	research := &fakeResearcher{finding: ai.Finding{Topic: "solar", Summary: "cheap panels", Sources: []string{"https://a.example"}}}
	r := newRig(t, []core.Agent{proactive("p1", "o1")}, 0.95, &fakeGen{}, research, "k1")

	r.tick(t)

	require.Equal(t, 1, r.world.count("placement.GrantIntel"))
	created := r.events.ByTopic(communication.TopicIntelCreated)
	require.Len(t, created, 1)
	in := created[0].Payload.(communication.IntelCreated).Intel
	assert.Equal(t, "p1", in.OwnerAgentID)
	assert.Equal(t, "cheap panels", in.Summary)
	assert.Equal(t, core.KindInformation, in.Kind)
}

func TestResearchRateLimitCoolsCredential(t *testing.T) {
	research := &fakeResearcher{err: fmt.Errorf("synthesize: %w", ai.ErrRateLimited)}
	r := newRig(t, []core.Agent{proactive("p1", "o1")}, 0.95, &fakeGen{}, research, "k1")

	r.tick(t)

	assert.Zero(t, r.world.count("placement.GrantIntel"))
	assert.Equal(t, 1, r.world.count("placement.StampAction"))
	assert.True(t, r.pool.AllOnCooldown())
}

func TestExhaustedPoolRequestsPause(t *testing.T) {
	r := newRig(t, []core.Agent{proactive("p1", "o1")}, 0.7, &fakeGen{text: "hi"}, nil, "k1")
	r.pool.ReportRateLimited("k1", time.Minute)

	r.tick(t)

	assert.True(t, r.gate.IsPaused())
	assert.Empty(t, r.events.ByTopic(communication.TopicOwnerMessage))
}

func TestPausedTickDoesNothing(t *testing.T) {
	r := newRig(t, []core.Agent{proactive("p1", "o1")}, 0.1, &fakeGen{}, nil)
	r.gate.RequestPause(time.Minute, false)

	r.tick(t)

	assert.Empty(t, r.world.visits())
}

func TestBusyAgentIsNotRestarted(t *testing.T) {
	gen := &fakeGen{text: "hi", block: make(chan struct{})}
	r := newRig(t, []core.Agent{proactive("p1", "o1")}, 0.7, gen, nil, "k1", "k2")

	require.NoError(t, r.sched.Tick(context.Background()))
	require.Eventually(t, func() bool { return r.sched.Busy("p1") }, time.Second, time.Millisecond)

	r.clock.Advance(time.Hour)
	require.NoError(t, r.sched.Tick(context.Background()))

	close(gen.block)
	r.sched.Wait()

	assert.Len(t, r.events.ByTopic(communication.TopicOwnerMessage), 1)
}
