package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentorch/orchestrator/internal/common/config"
	"github.com/agentorch/orchestrator/internal/common/logger"
)

// NATSEventBus is the NATS-backed bus. It is selected when
// events.natsUrl is set, letting external dashboards observe the same
// transition stream the lifecycle loop consumes.
type NATSEventBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSEventBus connects to NATS with reconnection handling.
func NewNATSEventBus(cfg config.EventsConfig, log *logger.Logger) (*NATSEventBus, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info("connected to NATS", zap.String("url", cfg.NATSURL))
	return &NATSEventBus{conn: conn, logger: log}, nil
}

// Publish sends an event to a subject.
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe registers a handler in a load-balanced queue group.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

func (b *NATSEventBus) msgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("unmarshal event failed",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}
}

// Close drains pending messages and closes the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("drain NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports the connection status.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}
