package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/metrics"
)

func openTestDB(t *testing.T) *DBStorage {
	t.Helper()
	db, err := Open(InMemoryConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetByPrefix(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put("a:1", []byte("one")))
	require.NoError(t, db.Put("a:2", []byte("two")))
	require.NoError(t, db.Put("b:1", []byte("other")))

	got, err := db.GetByPrefix("a:")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []byte("two"), got["a:2"])

	missing, err := db.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, db.DeleteByPrefix("a:"))
	got, err = db.GetByPrefix("a:")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetObjectMissingKey(t *testing.T) {
	db := openTestDB(t)
	var a core.Agent
	err := db.GetObject("agent:ghost", &a)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(openTestDB(t))
	now := time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveAgent(core.Agent{ID: "a1", Name: "Ada", Balance: 100, Holdings: map[string]int{"intel-1": 1}}))
	require.NoError(t, store.SaveRoom(core.Room{ID: "r1", IsOwned: true, OwnerAgentID: "a1"}))
	require.NoError(t, store.SaveRoom(core.Room{ID: "r2"}))
	require.NoError(t, store.DeleteRoom("r2"))
	require.NoError(t, store.SaveTrade(core.TradeRecord{ID: "t2", Price: 20, Timestamp: now.Add(time.Second)}))
	require.NoError(t, store.SaveTrade(core.TradeRecord{ID: "t1", Price: 10, Timestamp: now}))
	require.NoError(t, store.SaveIntel(core.Intel{ID: "intel-1", Topic: "rates", Kind: core.KindInformation}))
	require.NoError(t, store.SaveSummary(core.ConversationSummary{ID: "s1", RoomID: "r1", EndedAt: now}))

	agents, err := store.Agents()
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, 1, agents[0].Holdings["intel-1"])

	rooms, err := store.Rooms()
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "r1", rooms[0].ID)

	trades, err := store.Trades()
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "t1", trades[0].ID, "trades come back in time order")

	sums, err := store.Summaries("r1")
	require.NoError(t, err)
	assert.Len(t, sums, 1)
}

type flakyRepo struct {
	mu       sync.Mutex
	failures int
	calls    int
	saved    []string
}

func (r *flakyRepo) do(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failures > 0 {
		r.failures--
		return errors.New("disk unavailable")
	}
	r.saved = append(r.saved, id)
	return nil
}

func (r *flakyRepo) SaveAgent(a core.Agent) error                 { return r.do(a.ID) }
func (r *flakyRepo) SaveRoom(rm core.Room) error                  { return r.do(rm.ID) }
func (r *flakyRepo) DeleteRoom(id string) error                   { return r.do(id) }
func (r *flakyRepo) SaveTrade(t core.TradeRecord) error           { return r.do(t.ID) }
func (r *flakyRepo) SaveIntel(i core.Intel) error                 { return r.do(i.ID) }
func (r *flakyRepo) SaveSummary(s core.ConversationSummary) error { return r.do(s.ID) }

func (r *flakyRepo) snapshot() (int, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, append([]string(nil), r.saved...)
}

func testWriterConfig() WriterConfig {
	return WriterConfig{QueueSize: 16, MaxRetries: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestWriterRetriesFailedWrites(t *testing.T) {
	repo := &flakyRepo{failures: 2}
	w := NewWriter(repo, testWriterConfig(), zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	w.SaveAgent(core.Agent{ID: "a1"})

	require.Eventually(t, func() bool {
		_, saved := repo.snapshot()
		return len(saved) == 1
	}, time.Second, 5*time.Millisecond)

	calls, _ := repo.snapshot()
	assert.Equal(t, 3, calls)

	cancel()
	<-done
}

func TestWriterGivesUpAfterMaxRetries(t *testing.T) {
	repo := &flakyRepo{failures: 100}
	w := NewWriter(repo, testWriterConfig(), zap.NewNop(), nil)

	w.SaveRoom(core.Room{ID: "r1"})
	w.apply(context.Background(), <-w.queue)

	calls, saved := repo.snapshot()
	assert.Equal(t, 4, calls, "first attempt plus three retries")
	assert.Empty(t, saved)
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	repo := &flakyRepo{}
	w := NewWriter(repo, testWriterConfig(), zap.NewNop(), nil)

	w.SaveTrade(core.TradeRecord{ID: "t1"})
	w.SaveIntel(core.Intel{ID: "i1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, w.Run(ctx))

	_, saved := repo.snapshot()
	assert.ElementsMatch(t, []string{"t1", "i1"}, saved)
}

func TestWriterDropsWhenQueueFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := testWriterConfig()
	cfg.QueueSize = 2
	w := NewWriter(&flakyRepo{}, cfg, zap.NewNop(), metrics.New(reg))

	done := make(chan struct{})
	go func() {
		// Nothing drains the queue; the third write must not block.
		w.SaveRoom(core.Room{ID: "r1"})
		w.SaveRoom(core.Room{ID: "r2"})
		w.SaveRoom(core.Room{ID: "r3"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}

	assert.Len(t, w.queue, 2)
	assert.Equal(t, "r1", (<-w.queue).key)
	expected := `
# HELP lounge_store_writes_dropped_total Durable writes dropped because the write queue was full.
# TYPE lounge_store_writes_dropped_total counter
lounge_store_writes_dropped_total{op="save_room"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "lounge_store_writes_dropped_total"))
}

func TestWriterCopiesBeforeQueueing(t *testing.T) {
	repo := &capturingRepo{}
	w := NewWriter(repo, testWriterConfig(), zap.NewNop(), nil)

	a := core.Agent{ID: "a1", Holdings: map[string]int{"x": 1}}
	w.SaveAgent(a)
	a.Holdings["x"] = 99

	w.apply(context.Background(), <-w.queue)
	assert.Equal(t, 1, repo.agent.Holdings["x"])
}

type capturingRepo struct {
	agent core.Agent
}

func (r *capturingRepo) SaveAgent(a core.Agent) error               { r.agent = a; return nil }
func (r *capturingRepo) SaveRoom(core.Room) error                   { return nil }
func (r *capturingRepo) DeleteRoom(string) error                    { return nil }
func (r *capturingRepo) SaveTrade(core.TradeRecord) error           { return nil }
func (r *capturingRepo) SaveIntel(core.Intel) error                 { return nil }
func (r *capturingRepo) SaveSummary(core.ConversationSummary) error { return nil }
