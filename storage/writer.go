package storage

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/core"
	"github.com/NethermindEth/agent-lounge/metrics"
)

// Persister is the fire-and-forget write side used by the schedulers. Values
// are copied before they are queued.
type Persister interface {
	SaveAgent(a core.Agent)
	SaveRoom(r core.Room)
	DeleteRoom(id string)
	SaveTrade(t core.TradeRecord)
	SaveIntel(i core.Intel)
	SaveSummary(s core.ConversationSummary)
}

type writeOp struct {
	name string
	key  string
	fn   func() error
}

// WriterConfig bounds how hard a failing write is retried.
type WriterConfig struct {
	QueueSize   int
	MaxRetries  uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:   1024,
		MaxRetries:  5,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
	}
}

// Writer serializes durable writes on its own goroutine and retries failures
// with exponential backoff. In-memory state never waits on it.
type Writer struct {
	repo    Repository
	cfg     WriterConfig
	queue   chan writeOp
	done    chan struct{}
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewWriter(repo Repository, cfg WriterConfig, log *zap.Logger, m *metrics.Metrics) *Writer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultWriterConfig().QueueSize
	}
	return &Writer{
		repo:    repo,
		cfg:     cfg,
		queue:   make(chan writeOp, cfg.QueueSize),
		done:    make(chan struct{}),
		log:     log,
		metrics: m,
	}
}

// Run applies queued writes until ctx is cancelled, then flushes whatever is
// still queued before returning.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return nil
		case op := <-w.queue:
			w.apply(ctx, op)
		}
	}
}

func (w *Writer) flush() {
	for {
		select {
		case op := <-w.queue:
			w.apply(context.Background(), op)
		default:
			return
		}
	}
}

func (w *Writer) apply(ctx context.Context, op writeOp) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.BaseBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		return op.fn()
	}, backoff.WithContext(backoff.WithMaxRetries(b, w.cfg.MaxRetries), ctx))
	if err != nil {
		w.metrics.StoreFailure(op.name)
		w.log.Error("durable write abandoned",
			zap.String("op", op.name),
			zap.String("key", op.key),
			zap.Int("attempts", attempt),
			zap.Error(err))
	}
}

// enqueue never blocks. Writes that find the queue full are dropped and
// counted.
func (w *Writer) enqueue(op writeOp) {
	select {
	case <-w.done:
		w.log.Warn("writer stopped, write dropped", zap.String("op", op.name), zap.String("key", op.key))
		return
	default:
	}
	select {
	case w.queue <- op:
	default:
		w.metrics.WriteDropped(op.name)
		w.log.Warn("write queue full, write dropped", zap.String("op", op.name), zap.String("key", op.key))
	}
}

func (w *Writer) SaveAgent(a core.Agent) {
	a = a.Clone()
	w.enqueue(writeOp{name: "save_agent", key: a.ID, fn: func() error { return w.repo.SaveAgent(a) }})
}

func (w *Writer) SaveRoom(r core.Room) {
	r = r.Clone()
	w.enqueue(writeOp{name: "save_room", key: r.ID, fn: func() error { return w.repo.SaveRoom(r) }})
}

func (w *Writer) DeleteRoom(id string) {
	w.enqueue(writeOp{name: "delete_room", key: id, fn: func() error { return w.repo.DeleteRoom(id) }})
}

func (w *Writer) SaveTrade(t core.TradeRecord) {
	w.enqueue(writeOp{name: "save_trade", key: t.ID, fn: func() error { return w.repo.SaveTrade(t) }})
}

func (w *Writer) SaveIntel(i core.Intel) {
	w.enqueue(writeOp{name: "save_intel", key: i.ID, fn: func() error { return w.repo.SaveIntel(i) }})
}

func (w *Writer) SaveSummary(s core.ConversationSummary) {
	w.enqueue(writeOp{name: "save_summary", key: s.ID, fn: func() error { return w.repo.SaveSummary(s) }})
}

// Discard is a Persister that drops every write.
type Discard struct{}

func (Discard) SaveAgent(core.Agent)                 {}
func (Discard) SaveRoom(core.Room)                   {}
func (Discard) DeleteRoom(string)                    {}
func (Discard) SaveTrade(core.TradeRecord)           {}
func (Discard) SaveIntel(core.Intel)                 {}
func (Discard) SaveSummary(core.ConversationSummary) {}
