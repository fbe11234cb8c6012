// Package autonomy lets owned agents act on their own between conversations:
// visiting the lounge, messaging their owner and researching new intel.
package autonomy

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/metrics"
	"github.com/NethermindEth/agent-lounge/pause"
	"github.com/NethermindEth/agent-lounge/placement"
)

const directorName = "autonomy"

// Action is one kind of autonomous behaviour.
type Action string

const (
	ActionVisit    Action = "visit"
	ActionMessage  Action = "owner_message"
	ActionResearch Action = "research"
)

// Owner message flavours.
const (
	MessageTrending = "trending"
	MessageFindings = "findings"
	MessagePosition = "position"
)

// World is the read and write surface autonomy needs from placement.
type World interface {
	Snapshot() *placement.Snapshot
	Submit(req placement.Request) error
}

type Weights struct {
	Visit    float64
	Message  float64
	Research float64
}

type Config struct {
	BatchSize         int
	ActionCooldown    time.Duration
	MaxConcurrent     int64
	VisitDuration     time.Duration
	Weights           Weights
	Retry             ai.RetryConfig
	GenerationTimeout time.Duration
	RateLimitCooldown time.Duration
	ExhaustionPause   time.Duration
	Trending          []string
}

func DefaultConfig() Config {
	return Config{
		BatchSize:         5,
		ActionCooldown:    10 * time.Minute,
		MaxConcurrent:     4,
		VisitDuration:     30 * time.Minute,
		Weights:           Weights{Visit: 0.6, Message: 0.3, Research: 0.1},
		Retry:             ai.DefaultRetryConfig(),
		GenerationTimeout: 60 * time.Second,
		RateLimitCooldown: 60 * time.Second,
		ExhaustionPause:   2 * time.Minute,
	}
}

type Deps struct {
	World      World
	Generator  ai.Generator
	Researcher ai.Researcher
	Creds      keypool.Source
	Gate       pause.Gate
	Notify     communication.Notifier
	Clock      core.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

type Scheduler struct {
	cfg        Config
	world      World
	gen        ai.Generator
	researcher ai.Researcher
	creds      keypool.Source
	gate       pause.Gate
	notify     communication.Notifier
	clock      core.Clock
	log        *zap.Logger
	metrics    *metrics.Metrics

	// roll returns a value in [0, 1). Replaced in tests.
	roll func() float64

	ticking atomic.Bool
	cursor  int
	sem     *semaphore.Weighted
	wg      sync.WaitGroup

	mu         sync.Mutex
	busy       map[string]bool
	lastAction map[string]time.Time
}

func New(cfg Config, deps Deps) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Scheduler{
		cfg:        cfg,
		world:      deps.World,
		gen:        deps.Generator,
		researcher: deps.Researcher,
		creds:      deps.Creds,
		gate:       deps.Gate,
		notify:     deps.Notify,
		clock:      deps.Clock,
		log:        deps.Log,
		metrics:    deps.Metrics,
		roll:       rand.Float64,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		busy:       make(map[string]bool),
		lastAction: make(map[string]time.Time),
	}
}

// Tick visits the next batch of owners and starts an action for every
// eligible agent. Actions run in the background; Wait blocks until they are
// done.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.gate.IsPaused() {
		s.metrics.TickSkipped(directorName, "paused")
		return nil
	}
	if !s.ticking.CompareAndSwap(false, true) {
		s.metrics.TickSkipped(directorName, "busy")
		return nil
	}
	defer s.ticking.Store(false)

	snap := s.world.Snapshot()
	owners := snap.Owners()
	if len(owners) == 0 {
		return nil
	}

	n := min(s.cfg.BatchSize, len(owners))
	start := s.cursor % len(owners)
	s.cursor = (start + n) % len(owners)

	now := s.clock.Now()
	for i := 0; i < n; i++ {
		owner := owners[(start+i)%len(owners)]
		for _, agent := range snap.AgentsOf(owner) {
			if !agent.IsProactive || !s.claim(agent, now) {
				continue
			}
			if !s.sem.TryAcquire(1) {
				s.release(agent.ID, time.Time{})
				continue
			}
			action := s.pick()
			s.wg.Add(1)
			go func(agent core.Agent) {
				defer s.wg.Done()
				defer s.sem.Release(1)
				s.run(ctx, agent, action)
			}(agent)
		}
	}
	s.metrics.Tick(directorName)
	return nil
}

// Wait blocks until every started action has finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// claim marks the agent busy when it is idle and past its cooldown.
func (s *Scheduler) claim(agent core.Agent, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy[agent.ID] {
		return false
	}
	last := s.lastAction[agent.ID]
	if agent.LastActionAt.After(last) {
		last = agent.LastActionAt
	}
	if !last.IsZero() && now.Sub(last) < s.cfg.ActionCooldown {
		return false
	}
	s.busy[agent.ID] = true
	return true
}

// release clears the busy flag. A non-zero at stamps the cooldown.
func (s *Scheduler) release(agentID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, agentID)
	if !at.IsZero() {
		s.lastAction[agentID] = at
	}
}

// Busy reports whether an action is running for agentID.
func (s *Scheduler) Busy(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[agentID]
}

func (s *Scheduler) pick() Action {
	w := s.cfg.Weights
	total := w.Visit + w.Message + w.Research
	if total <= 0 {
		return ActionVisit
	}
	r := s.roll() * total
	switch {
	case r < w.Visit:
		return ActionVisit
	case r < w.Visit+w.Message:
		return ActionMessage
	default:
		return ActionResearch
	}
}

func (s *Scheduler) run(ctx context.Context, agent core.Agent, action Action) {
	var err error
	switch action {
	case ActionVisit:
		err = s.visit(agent)
	case ActionMessage:
		err = s.ownerMessage(ctx, agent)
	case ActionResearch:
		err = s.research(ctx, agent)
	}

	outcome := "ok"
	if err != nil {
		outcome = "failed"
		s.log.Info("autonomous action failed",
			zap.String("agent", agent.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
	s.metrics.Action(string(action), outcome)

	done := s.clock.Now()
	s.release(agent.ID, done)
	if err := s.world.Submit(placement.StampAction{AgentID: agent.ID, At: done}); err != nil {
		s.log.Warn("could not record action time", zap.String("agent", agent.ID), zap.Error(err))
	}
}

func (s *Scheduler) visit(agent core.Agent) error {
	until := s.clock.Now().Add(s.cfg.VisitDuration)
	if err := s.world.Submit(placement.Visit{AgentID: agent.ID, Until: until}); err != nil {
		return err
	}
	s.notify.Publish(communication.TopicAgentVisiting, communication.AgentVisiting{
		OwnerID: agent.OwnerID,
		AgentID: agent.ID,
		Until:   until,
	})
	return nil
}

// acquire fetches a credential, pausing the system when the whole pool is
// cooling down.
func (s *Scheduler) acquire(agent core.Agent) (keypool.Credential, error) {
	cred, ok := s.creds.Acquire(agent.ID)
	if ok {
		return cred, nil
	}
	if s.creds.AllOnCooldown() {
		s.gate.RequestPause(s.cfg.ExhaustionPause, false)
	}
	return keypool.Credential{}, fmt.Errorf("no credential available")
}

func (s *Scheduler) reportIfRateLimited(cred keypool.Credential, err error) {
	if ai.IsRateLimited(err) {
		s.creds.ReportRateLimited(cred.Secret, s.cfg.RateLimitCooldown)
		s.metrics.RateLimited()
	}
}

func (s *Scheduler) ownerMessage(ctx context.Context, agent core.Agent) error {
	kind, prompt := s.messagePrompt(agent)

	cred, err := s.acquire(agent)
	if err != nil {
		return err
	}
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()

	resp, err := ai.GenerateWithRetry(genCtx, s.gen, cred.Secret, ai.Request{
		System:  fmt.Sprintf("You are %s. %s Write a short, friendly note to the person who owns you.", agent.Name, agent.Personality),
		History: []ai.Message{{Role: ai.RoleUser, Content: prompt}},
	}, s.cfg.Retry)
	if err != nil {
		s.reportIfRateLimited(cred, err)
		return err
	}
	if resp.Text == "" {
		return ai.ErrMalformedResponse
	}

	s.notify.Publish(communication.TopicOwnerMessage, communication.OwnerMessage{
		OwnerID: agent.OwnerID,
		AgentID: agent.ID,
		Kind:    kind,
		Text:    resp.Text,
	})
	return nil
}

// messagePrompt sub-rolls the message flavour among those that have
// material: trending topics, recent findings, the open position.
func (s *Scheduler) messagePrompt(agent core.Agent) (string, string) {
	snap := s.world.Snapshot()

	var findings []string
	for id := range agent.Holdings {
		if in, ok := snap.IntelByID(id); ok {
			findings = append(findings, fmt.Sprintf("%s: %s", in.Topic, in.Summary))
		}
	}

	kinds := []string{MessagePosition}
	if len(s.cfg.Trending) > 0 {
		kinds = append(kinds, MessageTrending)
	}
	if len(findings) > 0 {
		kinds = append(kinds, MessageFindings)
	}
	kind := kinds[int(s.roll()*float64(len(kinds)))%len(kinds)]

	switch kind {
	case MessageTrending:
		topic := s.cfg.Trending[int(s.roll()*float64(len(s.cfg.Trending)))%len(s.cfg.Trending)]
		return kind, fmt.Sprintf("Tell your owner what you think about the trending topic %q and whether it matters for them.", topic)
	case MessageFindings:
		return kind, "Share the most useful of your recent findings with your owner:\n" + strings.Join(findings, "\n")
	default:
		return kind, fmt.Sprintf("Give your owner a quick update on your position: %d credits, %d holdings, reputation %.1f. Suggest one next move.",
			agent.Balance, len(agent.Holdings), agent.Reputation)
	}
}

func (s *Scheduler) research(ctx context.Context, agent core.Agent) error {
	if s.researcher == nil {
		return fmt.Errorf("research is not configured")
	}
	cred, err := s.acquire(agent)
	if err != nil {
		return err
	}

	candidates, err := s.researcher.Discover(ctx, agent)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("nothing to research")
	}

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	defer cancel()
	finding, err := s.researcher.Research(genCtx, cred.Secret, candidates[0])
	if err != nil {
		s.reportIfRateLimited(cred, err)
		return fmt.Errorf("research %q: %w", candidates[0].Topic, err)
	}

	in := core.Intel{
		ID:           uuid.New().String(),
		OwnerAgentID: agent.ID,
		Topic:        finding.Topic,
		Summary:      finding.Summary,
		Sources:      finding.Sources,
		Kind:         core.KindInformation,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.world.Submit(placement.GrantIntel{Intel: in}); err != nil {
		return err
	}
	s.notify.Publish(communication.TopicIntelCreated, communication.IntelCreated{OwnerID: agent.OwnerID, Intel: in})
	s.log.Info("intel created", zap.String("agent", agent.ID), zap.String("topic", in.Topic))
	return nil
}
