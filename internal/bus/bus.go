package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/heron/internal/domain"
)

// Message metadata keys.
const (
	MetaReplyTo = "reply_to"
	MetaTraceID = "trace_id"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, tenantID, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// Reply answers a message sent with Request. Messages without a reply
// address are ignored.
func Reply(ctx context.Context, b domain.EventBus, msg *domain.Message, payload []byte) error {
	replyTo := msg.Metadata[MetaReplyTo]
	if replyTo == "" {
		return nil
	}
	if r, ok := b.(replier); ok {
		return r.reply(ctx, msg.TenantID, replyTo, payload)
	}
	return b.Publish(withReplyTo(ctx, ""), msg.TenantID, replyTo, payload)
}

// replier is implemented by buses whose reply addresses bypass topic naming.
type replier interface {
	reply(ctx context.Context, tenantID, replyTo string, payload []byte) error
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}
	return nil
}

type replyKey struct{}

// withReplyTo marks messages published under ctx with a reply address.
func withReplyTo(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, replyKey{}, topic)
}

func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.Metadata[MetaTraceID] = sc.TraceID().String()
	}
	if replyTo, _ := ctx.Value(replyKey{}).(string); replyTo != "" {
		msg.Metadata[MetaReplyTo] = replyTo
	}
	return msg
}
