package director

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/config"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/placement"
)

type chatter struct{}

func (chatter) Generate(ctx context.Context, secret string, req ai.Request) (ai.Response, error) {
	return ai.Response{Text: "Nice to meet you."}, nil
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.OpenAI.Keys = []string{"k1", "k2"}
	cfg.Store.Dir = dir
	cfg.Store.InMemory = dir == ""
	cfg.NATS.URL = ""
	cfg.NATS.Embedded = false
	cfg.Placement.Interval = 5 * time.Millisecond
	cfg.Autonomy.Enabled = false
	cfg.Pause.Active = 0
	cfg.SeedDefaults = true
	return cfg
}

func runDirector(t *testing.T, d *Director) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- d.Run(ctx) }()
	return func() {
		cancel()
		require.NoError(t, <-errc)
	}
}

func TestDirectorSeedsAndPairsAgents(t *testing.T) {
	d, err := New(testConfig(t, ""), Options{Generator: chatter{}}, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()
	stop := runDirector(t, d)
	defer stop()

	require.Eventually(t, func() bool {
		snap := d.World().Snapshot()
		return len(snap.Agents) == len(DefaultPersonas()) && len(snap.Rooms) == 3
	}, 5*time.Second, 10*time.Millisecond)

	snap := d.World().Snapshot()
	require.NoError(t, snap.Check())
	assert.Empty(t, snap.Wandering)

	require.Eventually(t, func() bool {
		return len(d.Recent().ByTopic(communication.TopicTurnAppended)) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDirectorRehydratesFromStore(t *testing.T) {
	dir := t.TempDir()

	d, err := New(testConfig(t, dir), Options{Generator: chatter{}}, zap.NewNop())
	require.NoError(t, err)
	stop := runDirector(t, d)
	require.Eventually(t, func() bool {
		return len(d.World().Snapshot().Rooms) == 3
	}, 5*time.Second, 10*time.Millisecond)
	stop()
	before := d.World().Snapshot()
	d.Close()

	d, err = New(testConfig(t, dir), Options{Generator: chatter{}}, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	after := d.World().Snapshot()
	require.Len(t, after.Agents, len(before.Agents))
	for _, a := range before.Agents {
		_, ok := after.Agent(a.ID)
		assert.True(t, ok, "agent %s restored", a.Name)
	}
	assert.NoError(t, after.Check())
}

func TestDirectorRequiresCredentials(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.OpenAI.Keys = nil

	_, err := New(cfg, Options{Generator: chatter{}}, zap.NewNop())
	assert.ErrorIs(t, err, config.ErrNoCredentials)
}

func TestVisitBridgeOverNATS(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.NATS.Embedded = true
	cfg.NATS.Port = -1
	cfg.SeedDefaults = false

	d, err := New(cfg, Options{Generator: chatter{}}, zap.NewNop())
	require.NoError(t, err)
	defer d.Close()

	owned := core.Agent{ID: "owned", Name: "Pat", OwnerID: "user-1", Balance: 10}
	require.NoError(t, d.World().Submit(placement.Register{Agent: owned}))
	stop := runDirector(t, d)
	defer stop()

	client, err := communication.Connect(d.natsServer.ClientURL(), zap.NewNop())
	require.NoError(t, err)
	defer client.Close()

	data, err := json.Marshal(VisitMessage{AgentID: "owned"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := client.Request(ctx, VisitSubject, data)
	require.NoError(t, err)

	var reply VisitReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.True(t, reply.OK)

	require.Eventually(t, func() bool {
		a, ok := d.World().Snapshot().Agent("owned")
		return ok && a.VisitUntil.Equal(reply.Until)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestVisitBridgeAccept(t *testing.T) {
	clock := core.NewManualClock(epoch)
	world := placement.New(placement.DefaultConfig(), placement.Deps{Log: zap.NewNop(), Clock: clock})
	bridge := NewVisitBridge(world, time.Minute, clock, zap.NewNop())

	_, err := bridge.accept([]byte(`{}`))
	assert.ErrorIs(t, err, placement.ErrAgentRequired)

	_, err = bridge.accept([]byte(`not json`))
	assert.Error(t, err)

	until, err := bridge.accept([]byte(`{"agent_id":"a1"}`))
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), until)
}
