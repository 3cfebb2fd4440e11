package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/heron/internal/domain"
)

const (
	subjectPrefix  = "heron"
	drainTimeout   = 10 * time.Second
	requestTimeout = 30 * time.Second
)

// queuedTopics are consumed by exactly one replica when a queue group is set.
var queuedTopics = map[string]bool{
	domain.TopicAnalysisRequested: true,
}

// NATSBus is the Pro tier event bus. Subjects are heron.<tenant>.<topic>.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
	closed     chan struct{}
	closeOnce  sync.Once

	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

type natsSubscription struct {
	bus   *NATSBus
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying up to cfg.NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}

	b := &NATSBus{
		queueGroup: cfg.NATSQueueGroup,
		closed:     make(chan struct{}),
		subs:       make(map[*natsSubscription]struct{}),
	}

	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	var err error
	for attempt := 1; ; attempt++ {
		b.conn, err = nats.Connect(cfg.NATSUrl, b.options(cfg, wait)...)
		if err == nil {
			break
		}
		if attempt >= cfg.NATSMaxReconnects {
			return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", attempt, err)
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.NATSMaxReconnects,
			"error", err,
		)
		time.Sleep(wait)
	}

	slog.Info("NATS connected",
		"url", b.conn.ConnectedUrl(),
		"server_id", b.conn.ConnectedServerId(),
		"queue_group", b.queueGroup,
	)
	return b, nil
}

func (b *NATSBus) options(cfg domain.EventBusConfig, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("heron"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
			b.closeOnce.Do(func() { close(b.closed) })
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "error", err, "subject", subject)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}
	return opts
}

// Publish sends an enveloped message to the tenant's subject.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	data, err := encode(ctx, tenantID, topic, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(subject(tenantID, topic), data)
}

// Subscribe registers a handler for the tenant's subject. Analysis requests
// join the configured queue group so each is handled by one replica.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	cb := func(m *nats.Msg) {
		msg, err := decode(m.Data)
		if err != nil {
			slog.Error("failed to decode NATS message", "subject", m.Subject, "error", err)
			return
		}
		if msg.TenantID != tenantID {
			slog.Warn("dropping message for foreign tenant", "subject", m.Subject, "message_tenant", msg.TenantID)
			return
		}
		if m.Reply != "" {
			msg.Metadata[MetaReplyTo] = m.Reply
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("handler error", "subject", m.Subject, "message_id", msg.ID, "error", err)
		}
	}

	var (
		natsSub *nats.Subscription
		err     error
	)
	if b.queueGroup != "" && queuedTopics[topic] {
		natsSub, err = b.conn.QueueSubscribe(subject(tenantID, topic), b.queueGroup, cb)
	} else {
		natsSub, err = b.conn.Subscribe(subject(tenantID, topic), cb)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &natsSubscription{bus: b, topic: topic, sub: natsSub}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Request publishes on topic and waits for one reply, using a NATS inbox as
// the reply address.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	data, err := encode(ctx, tenantID, topic, payload)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, requestTimeout)
		defer cancel()
	}

	resp, err := b.conn.RequestWithContext(ctx, subject(tenantID, topic), data)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	msg, err := decode(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return msg.Payload, nil
}

func (b *NATSBus) reply(ctx context.Context, tenantID, replyTo string, payload []byte) error {
	data, err := encode(ctx, tenantID, replyTo, payload)
	if err != nil {
		return err
	}
	return b.conn.Publish(replyTo, data)
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return errors.New("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains the connection so in-flight handlers finish, then waits for
// the connection to close.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	clear(b.subs)
	b.mu.Unlock()

	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	select {
	case <-b.closed:
	case <-time.After(drainTimeout + time.Second):
		b.conn.Close()
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) Topic() string {
	return s.topic
}

func subject(tenantID, topic string) string {
	return subjectPrefix + "." + tenantID + "." + topic
}

func encode(ctx context.Context, tenantID, topic string, payload []byte) ([]byte, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	data, err := json.Marshal(newMessage(ctx, tenantID, topic, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string)
	}
	return &msg, nil
}
