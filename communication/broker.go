package communication

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Broker wraps a NATS connection.
type Broker struct {
	conn *nats.Conn
	log  *zap.Logger
}

// Connect dials the NATS server at url.
func Connect(url string, log *zap.Logger) (*Broker, error) {
	nc, err := nats.Connect(url,
		nats.Name("agent-lounge"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	log.Info("connected to nats", zap.String("url", url))
	return &Broker{conn: nc, log: log}, nil
}

func (b *Broker) Publish(subject string, data []byte) error {
	return b.conn.Publish(subject, data)
}

func (b *Broker) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	return b.conn.Publish(subject, data)
}

// Subscribe registers cb for subject.
func (b *Broker) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return b.conn.Subscribe(subject, cb)
}

// Request publishes data on subject and waits for a single reply.
func (b *Broker) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	return b.conn.RequestWithContext(ctx, subject, data)
}

// Flush round-trips to the server so earlier publishes and subscriptions are
// known to it.
func (b *Broker) Flush() error {
	return b.conn.Flush()
}

func (b *Broker) Close() {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// StartEmbeddedNATS boots an in-process NATS server. Port -1 picks a random
// free port.
func StartEmbeddedNATS(port int) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded nats not ready")
	}
	return ns, nil
}
