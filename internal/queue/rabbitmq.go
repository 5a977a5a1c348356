package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitQueue 持久化队列 + 持久消息 + publisher confirm，消费端手动 ack。
// 一个实例持有一个 channel；channel 不是并发安全的，发布时加锁。
type RabbitQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	log     *zap.Logger

	mu         sync.Mutex
	retryDelay time.Duration
}

// NewRabbitQueue 连接并声明持久化队列。
func NewRabbitQueue(url, queue string, prefetch int, log *zap.Logger) (*RabbitQueue, error) {
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}

	log.Info("Connected to RabbitMQ", zap.String("queue", queue))
	return &RabbitQueue{
		conn:       conn,
		channel:    ch,
		queue:      queue,
		log:        log,
		retryDelay: 500 * time.Millisecond,
	}, nil
}

// Publish 发布并等待 broker 确认；未确认视为失败。
func (q *RabbitQueue) Publish(ctx context.Context, ev SettlementEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}

	q.mu.Lock()
	dc, err := q.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		"",      // default exchange
		q.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			MessageId:    ev.EventID,
			Body:         body,
			Headers: amqp.Table{
				"event_version": int32(ev.Version),
			},
		},
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("rabbitmq confirm: message %s nacked by broker", ev.EventID)
	}
	return nil
}

// Subscribe 手动 ack：终态 Ack，Retry 延迟后 Nack(requeue)。
func (q *RabbitQueue) Subscribe(ctx context.Context, h Handler) error {
	msgs, err := q.channel.Consume(
		q.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("rabbitmq delivery channel closed")
			}
			out := dispatch(ctx, h, d.Body)
			if out == Retry {
				_ = sleepCtx(ctx, q.retryDelay)
				if err := d.Nack(false, true); err != nil {
					q.log.Warn("rabbitmq nack failed", zap.Error(err))
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				q.log.Warn("rabbitmq ack failed", zap.String("outcome", out.String()), zap.Error(err))
			}
		}
	}
}

// Close 关闭 channel 与连接。
func (q *RabbitQueue) Close() error {
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			q.log.Error("Failed to close channel", zap.Error(err))
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
