package communication

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/NethermindEth/agent-lounge/core"
)

// Notifier is the fire-and-forget broadcast channel used by the schedulers.
// Delivery is best effort.
type Notifier interface {
	Publish(topic string, payload interface{})
}

// SubjectPrefix is prepended to topics when events are forwarded to NATS.
const SubjectPrefix = "lounge.events."

// Fanout delivers each event to the websocket hub, NATS and the in-memory
// recent-events ring. Any of them may be nil.
type Fanout struct {
	hub    *Hub
	broker *Broker
	recent *Recorder
	clock  core.Clock
	log    *zap.Logger
}

func NewFanout(hub *Hub, broker *Broker, recent *Recorder, clock core.Clock, log *zap.Logger) *Fanout {
	return &Fanout{hub: hub, broker: broker, recent: recent, clock: clock, log: log}
}

func (f *Fanout) Publish(topic string, payload interface{}) {
	ev := Event{Type: topic, Payload: payload, Timestamp: f.clock.Now()}

	if f.recent != nil {
		f.recent.record(ev)
	}
	if f.hub != nil && !f.hub.Broadcast(ev) {
		f.log.Debug("websocket queue full, event dropped", zap.String("topic", topic))
	}
	if f.broker != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			f.log.Warn("failed to encode event", zap.String("topic", topic), zap.Error(err))
			return
		}
		if err := f.broker.Publish(SubjectPrefix+topic, data); err != nil {
			f.log.Warn("failed to publish event to nats", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Recorder keeps the last N events in memory. It backs the recent events
// endpoint and doubles as a Notifier for tests.
type Recorder struct {
	mu     sync.Mutex
	clock  core.Clock
	limit  int
	events []Event
}

func NewRecorder(limit int, clock core.Clock) *Recorder {
	if limit <= 0 {
		limit = 200
	}
	return &Recorder{limit: limit, clock: clock}
}

func (r *Recorder) Publish(topic string, payload interface{}) {
	r.record(Event{Type: topic, Payload: payload, Timestamp: r.clock.Now()})
}

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if over := len(r.events) - r.limit; over > 0 {
		r.events = append(r.events[:0:0], r.events[over:]...)
	}
}

// Events returns a copy of the recorded events, oldest first.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// ByTopic returns the recorded events with the given topic.
func (r *Recorder) ByTopic(topic string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == topic {
			out = append(out, ev)
		}
	}
	return out
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(string, interface{}) {}
