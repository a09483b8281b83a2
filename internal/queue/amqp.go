package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// AMQPChannel is the subset of *amqp.Channel used for publishing.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ engine.EventPublisher = (*AMQPEventPublisher)(nil)

// AMQPEventPublisher publishes notifier events to a topic exchange, routed
// by "<tenant>.<state>". It is the alternative to SQSEventPublisher for
// deployments running on RabbitMQ.
type AMQPEventPublisher struct {
	conn     *amqp.Connection
	channel  AMQPChannel
	exchange string
	codec    *Codec
	logger   types.Logger
	now      func() time.Time
}

// DialAMQPEventPublisher connects, opens a channel and declares exchange as
// a durable topic exchange.
func DialAMQPEventPublisher(url types.SecretString, exchange string, codec *Codec, logger types.Logger) (*AMQPEventPublisher, error) {
	conn, err := amqp.Dial(url.Unmask())
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue, "failed to connect to AMQP broker", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue, "failed to open AMQP channel", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, types.NewAppError(types.ErrCodeUpstreamQueue, fmt.Sprintf("failed to declare exchange %s", exchange), err)
	}
	p := NewAMQPEventPublisher(ch, exchange, codec, logger)
	p.conn = conn
	return p, nil
}

// NewAMQPEventPublisher wraps an open channel.
func NewAMQPEventPublisher(ch AMQPChannel, exchange string, codec *Codec, logger types.Logger) *AMQPEventPublisher {
	return &AMQPEventPublisher{
		channel:  ch,
		exchange: exchange,
		codec:    codec,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Publish sends each event as a persistent message. It stops at the first
// failure; events already sent stay sent.
func (p *AMQPEventPublisher) Publish(ctx context.Context, events []types.NotifierEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i, e := range events {
		body, encoding, err := encodeEvent(p.codec, e)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode notifier event", err)
		}
		msg := amqp.Publishing{
			ContentType:     "application/json",
			ContentEncoding: encoding,
			DeliveryMode:    amqp.Persistent,
			Timestamp:       p.now(),
			CorrelationId:   types.GetTraceID(ctx),
			Headers: amqp.Table{
				types.AttrTenant: e.Tenant,
				types.AttrState:  string(e.State),
			},
			Body: []byte(body),
		}
		if err := p.channel.PublishWithContext(ctx, p.exchange, routingKey(e), false, false, msg); err != nil {
			p.logger.Error("failed to publish notifier event", "request_id", e.RequestID, "error", err)
			return types.NewAppErrorWithDetails(types.ErrCodeUpstreamQueue,
				fmt.Sprintf("failed to publish notifier event %d of %d", i+1, len(events)), err,
				map[string]any{"request_id": e.RequestID})
		}
	}
	p.logger.Info("notifier events published", "count", len(events), "exchange", p.exchange)
	return nil
}

// Close closes the underlying connection when the publisher owns it.
func (p *AMQPEventPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}
