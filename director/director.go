// Package director assembles the lounge: it rehydrates the world from the
// store, owns the shared credential pool and pause state, and drives the
// placement and autonomy heartbeats until shut down.
package director

import (
	"context"
	"fmt"
	"sort"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/agent-lounge/ai"
	"github.com/NethermindEth/agent-lounge/autonomy"
	"github.com/NethermindEth/agent-lounge/communication"
	"github.com/NethermindEth/agent-lounge/config"
	"github.com/NethermindEth/agent-lounge/conversation"
	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/keypool"
	"github.com/NethermindEth/agent-lounge/metrics"
	"github.com/NethermindEth/agent-lounge/negotiation"
	"github.com/NethermindEth/agent-lounge/pause"
	"github.com/NethermindEth/agent-lounge/placement"
	"github.com/NethermindEth/agent-lounge/storage"
)

const recentEvents = 200

// Options carries collaborators that are not built from configuration. Zero
// values select the production implementations.
type Options struct {
	Generator ai.Generator
	Searcher  ai.Searcher
	Clock     core.Clock
	Registry  *prometheus.Registry
}

type Director struct {
	cfg     *config.Config
	clock   core.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	reg     *prometheus.Registry

	db     *storage.DBStorage
	store  *storage.Store
	writer *storage.Writer

	natsServer *natsserver.Server
	broker     *communication.Broker
	visitSub   *nats.Subscription
	hub        *communication.Hub
	recent     *communication.Recorder

	coord         *Coordinator
	ledger        *negotiation.Ledger
	conversations *conversation.Engine
	world         *placement.Scheduler
	autonomy      *autonomy.Scheduler
}

// New builds and rehydrates the director. Close releases what New opened.
func New(cfg *config.Config, opts Options, log *zap.Logger) (d *Director, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	d = &Director{cfg: cfg, clock: opts.Clock, log: log, reg: opts.Registry}
	if d.clock == nil {
		d.clock = core.SystemClock{}
	}
	if d.reg == nil {
		d.reg = prometheus.NewRegistry()
	}
	d.metrics = metrics.New(d.reg)

	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if err := d.openStore(); err != nil {
		return nil, err
	}
	if err := d.connectNATS(); err != nil {
		return nil, err
	}

	d.hub = communication.NewHub(log)
	d.recent = communication.NewRecorder(recentEvents, d.clock)
	notify := communication.NewFanout(d.hub, d.broker, d.recent, d.clock, log)

	keys := keypool.NewServer(keypool.New(cfg.OpenAI.Keys, d.clock, log))
	var cycle *pause.Cycle
	if cfg.Pause.Active > 0 {
		cycle = pause.NewCycle(cfg.Pause.Active, cfg.Pause.Cooldown, cfg.Pause.Retry)
	}
	d.coord = NewCoordinator(keys, pause.NewController(d.clock), cycle, notify, d.clock, log, d.metrics)

	gen := opts.Generator
	if gen == nil {
		gen = ai.NewOpenAIGenerator(ai.LLMConfig{
			Model:       cfg.OpenAI.Model,
			BaseURL:     cfg.OpenAI.BaseURL,
			MaxTokens:   cfg.OpenAI.MaxTokens,
			Temperature: cfg.OpenAI.Temperature,
		})
	}

	trades, err := d.store.Trades()
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	d.ledger = negotiation.NewLedger(trades...)
	negotiator := negotiation.New(negotiation.DefaultConfig(), d.ledger, d.writer, notify, d.clock, log, d.metrics)

	convCfg := conversation.DefaultConfig()
	convCfg.TurnCooldown = cfg.Conversation.TurnCooldown
	convCfg.TurnTimeout = cfg.Conversation.TurnTimeout
	convCfg.RateLimitCooldown = cfg.Conversation.RateLimitCooldown
	convCfg.MaxHistory = cfg.Conversation.MaxHistory
	d.conversations, err = conversation.New(convCfg, conversation.Deps{
		Generator:  gen,
		Creds:      d.coord,
		Negotiator: negotiator,
		Summarizer: ai.NewLLMSummarizer(gen, ai.RetryConfig{Attempts: 1}),
		Persist:    d.writer,
		Notify:     notify,
		Clock:      d.clock,
		Log:        log.Named("conversation"),
		Metrics:    d.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("build conversation engine: %w", err)
	}

	placeCfg := placement.DefaultConfig()
	placeCfg.RoomCapDivisor = cfg.Placement.RoomCapDivisor
	placeCfg.MaxRooms = cfg.Placement.MaxRooms
	placeCfg.ExhaustionPause = cfg.Placement.ExhaustionPause
	placeCfg.ConversationConcurrency = cfg.Placement.Concurrency
	d.world = placement.New(placeCfg, placement.Deps{
		Conversations: d.conversations,
		Offers:        negotiator,
		Gate:          d.coord,
		Creds:         d.coord,
		Persist:       d.writer,
		Notify:        notify,
		Clock:         d.clock,
		Log:           log.Named("placement"),
		Metrics:       d.metrics,
	})
	d.conversations.SetCatalog(d.world)
	negotiator.SetKindResolver(d.world.KindOf)

	if err := d.restore(); err != nil {
		return nil, err
	}

	if cfg.Autonomy.Enabled {
		d.autonomy = d.buildAutonomy(gen, opts.Searcher, notify)
	}

	if d.broker != nil {
		bridge := NewVisitBridge(d.world, cfg.Autonomy.VisitDuration, d.clock, log.Named("bridge"))
		if d.visitSub, err = bridge.Subscribe(d.broker); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", VisitSubject, err)
		}
	}
	return d, nil
}

func (d *Director) openStore() error {
	bcfg := storage.DefaultConfig(d.cfg.Store.Dir)
	if d.cfg.Store.InMemory {
		bcfg = storage.InMemoryConfig()
	}
	db, err := storage.Open(bcfg, d.log)
	if err != nil {
		return err
	}
	d.db = db
	d.store = storage.NewStore(db)
	d.writer = storage.NewWriter(d.store, storage.DefaultWriterConfig(), d.log.Named("writer"), d.metrics)
	return nil
}

func (d *Director) connectNATS() error {
	url := d.cfg.NATS.URL
	if d.cfg.NATS.Embedded {
		ns, err := communication.StartEmbeddedNATS(d.cfg.NATS.Port)
		if err != nil {
			return err
		}
		d.natsServer = ns
		url = ns.ClientURL()
	}
	if url == "" {
		return nil
	}
	broker, err := communication.Connect(url, d.log)
	if err != nil {
		return err
	}
	d.broker = broker
	return nil
}

// restore loads the persisted world, seeding the default personas into an
// empty store when configured to.
func (d *Director) restore() error {
	agents, err := d.store.Agents()
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	rooms, err := d.store.Rooms()
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	intel, err := d.store.Intel()
	if err != nil {
		return fmt.Errorf("load intel: %w", err)
	}
	d.world.Restore(agents, rooms, intel)

	if len(agents) > 0 || !d.cfg.SeedDefaults {
		return nil
	}
	personas := DefaultPersonas()
	slugs := make([]string, 0, len(personas))
	for slug := range personas {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	now := d.clock.Now()
	for _, slug := range slugs {
		if err := d.world.Submit(placement.Register{Agent: personas[slug].Agent(now)}); err != nil {
			return fmt.Errorf("seed %s: %w", slug, err)
		}
	}
	d.log.Info("seeding default personas", zap.Int("count", len(slugs)))
	return nil
}

func (d *Director) buildAutonomy(gen ai.Generator, searcher ai.Searcher, notify communication.Notifier) *autonomy.Scheduler {
	if searcher == nil {
		scfg := ai.DefaultSearchConfig()
		scfg.APIKey = d.cfg.SerpAPIKey
		searcher = ai.NewSerpSearcher(scfg)
	}
	rcfg := ai.DefaultResearchConfig()
	rcfg.Trending = d.cfg.Autonomy.Trending
	rcfg.SearchesPerMinute = d.cfg.Autonomy.SearchesPerMinute
	researcher := ai.NewWebResearcher(rcfg, searcher, gen, d.log.Named("research"))

	acfg := autonomy.DefaultConfig()
	acfg.BatchSize = d.cfg.Autonomy.BatchSize
	acfg.ActionCooldown = d.cfg.Autonomy.ActionCooldown
	acfg.MaxConcurrent = d.cfg.Autonomy.MaxConcurrent
	acfg.VisitDuration = d.cfg.Autonomy.VisitDuration
	acfg.GenerationTimeout = d.cfg.Autonomy.GenerationTimeout
	acfg.RateLimitCooldown = d.cfg.Conversation.RateLimitCooldown
	acfg.ExhaustionPause = d.cfg.Placement.ExhaustionPause
	acfg.Trending = d.cfg.Autonomy.Trending
	acfg.Weights = autonomy.Weights{
		Visit:    d.cfg.Autonomy.WeightVisit,
		Message:  d.cfg.Autonomy.WeightMessage,
		Research: d.cfg.Autonomy.WeightResearch,
	}
	return autonomy.New(acfg, autonomy.Deps{
		World:      d.world,
		Generator:  gen,
		Researcher: researcher,
		Creds:      d.coord,
		Gate:       d.coord,
		Notify:     notify,
		Clock:      d.clock,
		Log:        d.log.Named("autonomy"),
		Metrics:    d.metrics,
	})
}

// Run drives the director until ctx is cancelled. Queued writes are flushed
// after the last in-flight action has finished.
func (d *Director) Run(ctx context.Context) error {
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.writer.Run(writerCtx) })
	g.Go(func() error { return d.coord.Run(gctx) })
	g.Go(func() error { return d.hub.Run(gctx) })
	g.Go(func() error {
		defer stopWriter()
		err := d.heartbeats(gctx)
		if d.autonomy != nil {
			d.autonomy.Wait()
		}
		d.conversations.Wait()
		return err
	})

	d.log.Info("director started",
		zap.Duration("placement_interval", d.cfg.Placement.Interval),
		zap.Bool("autonomy", d.autonomy != nil),
		zap.Bool("nats", d.broker != nil))
	return g.Wait()
}

func (d *Director) heartbeats(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return heartbeat(gctx, d.cfg.Placement.Interval, d.world.Tick, d.log.With(zap.String("director", "placement")))
	})
	if d.autonomy != nil {
		g.Go(func() error {
			return heartbeat(gctx, d.cfg.Autonomy.Interval, d.autonomy.Tick, d.log.With(zap.String("director", "autonomy")))
		})
	}
	return g.Wait()
}

func heartbeat(ctx context.Context, every time.Duration, tick func(context.Context) error, log *zap.Logger) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				log.Warn("tick failed", zap.Error(err))
			}
		}
	}
}

// Close releases the store and the NATS connection. It is safe to call on a
// partially built director.
func (d *Director) Close() {
	if d.visitSub != nil {
		_ = d.visitSub.Unsubscribe()
	}
	if d.broker != nil {
		d.broker.Close()
	}
	if d.natsServer != nil {
		d.natsServer.Shutdown()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.log.Warn("closing store", zap.Error(err))
		}
	}
}

func (d *Director) World() *placement.Scheduler { return d.world }
func (d *Director) Coordinator() *Coordinator { return d.coord }
func (d *Director) Ledger() *negotiation.Ledger { return d.ledger }
func (d *Director) Recent() *communication.Recorder { return d.recent }
func (d *Director) Hub() *communication.Hub { return d.hub }
func (d *Director) Store() *storage.Store { return d.store }
func (d *Director) Registry() *prometheus.Registry { return d.reg }
func (d *Director) Conversations() *conversation.Engine { return d.conversations }
