package payment

import (
	"context"
	"drone-delivery-service/internal/domain"
	"drone-delivery-service/internal/platform/obs"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const refundRoutingKey = "refund.requested"

// confirmWaiter is the broker confirm for one publish, *amqp.DeferredConfirmation
// in production.
type confirmWaiter interface {
	WaitContext(ctx context.Context) (bool, error)
}

type publishFunc func(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmWaiter, error)

// RabbitRefundPublisher hands refund descriptors to the payment service over
// a durable topic exchange and waits for the broker's publisher confirm.
type RabbitRefundPublisher struct {
	Exchange string

	conn    *amqp.Connection
	ch      *amqp.Channel
	publish publishFunc
}

func DialRefundPublisher(url, exchange string) (*RabbitRefundPublisher, error) {
	if exchange == "" {
		return nil, errors.New("refund publisher: exchange is empty")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("refund publisher: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("refund publisher: channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("refund publisher: declare exchange %s: %w", exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("refund publisher: enable confirms: %w", err)
	}

	p := &RabbitRefundPublisher{Exchange: exchange, conn: conn, ch: ch}
	p.publish = func(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmWaiter, error) {
		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
		if err != nil {
			return nil, err
		}
		if dc == nil {
			return nil, errors.New("channel is not in confirm mode")
		}
		return dc, nil
	}
	return p, nil
}

// RequestRefund publishes one persistent refund request and waits for the
// confirm carrying that publish's delivery tag, so an abandoned wait can never
// be answered by a later publish's confirm.
func (p *RabbitRefundPublisher) RequestRefund(ctx context.Context, refund domain.RefundDescriptor) (err error) {
	defer obs.Time(ctx, "payment.RequestRefund")(&err)

	msg, err := refundPublishing(refund, time.Now())
	if err != nil {
		return err
	}

	conf, err := p.publish(ctx, p.Exchange, refundRoutingKey, msg)
	if err != nil {
		return fmt.Errorf("publish refund order=%s: %w", refund.OrderID, err)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish refund order=%s: wait confirm: %w", refund.OrderID, err)
	}
	if !acked {
		return fmt.Errorf("publish refund order=%s: broker nack", refund.OrderID)
	}
	return nil
}

func refundPublishing(refund domain.RefundDescriptor, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(refund)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal refund: %w", err)
	}

	return amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   "application/json",
		Body:          body,
		MessageId:     uuid.NewString(),
		CorrelationId: refund.OrderID,
		Timestamp:     now.UTC(),
		Headers: amqp.Table{
			"x-source": "drone-delivery-service",
		},
	}, nil
}

func (p *RabbitRefundPublisher) Ping() error {
	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

func (p *RabbitRefundPublisher) Close() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
