package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaPublisher 封装 Kafka 写入器。
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher 创建生产者并配置可靠性参数：
// - Hash + Key: 同一 order_id 落到同一分区，重投也保持单分区内有序。
// - RequireAll: 等待 ISR 副本确认，降低消息丢失风险。
// - MaxAttempts/Timeout: 控制重试与超时边界。
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *KafkaPublisher) Close() error { return p.w.Close() }

// Publish 同步写入一条结算事件，以 order_id 作为 key。
func (p *KafkaPublisher) Publish(ctx context.Context, ev SettlementEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "event_version", Value: []byte(fmt.Sprint(ev.Version))},
		},
	})
}

// KafkaSubscriber 消费者组读取。只在处理出终态后提交 offset，崩溃后会重投。
type KafkaSubscriber struct {
	r          *kafka.Reader
	log        *zap.Logger
	retryDelay time.Duration
}

func NewKafkaSubscriber(brokers []string, topic, groupID string, log *zap.Logger) *KafkaSubscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaSubscriber{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1e6,
		}),
		log:        log,
		retryDelay: 500 * time.Millisecond,
	}
}

func (s *KafkaSubscriber) Close() error { return s.r.Close() }

// Subscribe Kafka 没有单条 NACK，Retry 在进程内重放同一条消息，offset 不前移。
func (s *KafkaSubscriber) Subscribe(ctx context.Context, h Handler) error {
	for {
		m, err := s.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		out, err := dispatchUntilTerminal(ctx, h, m.Value, s.retryDelay)
		if err != nil {
			// ctx 结束：不提交，重启后重投
			return nil
		}
		if err := s.r.CommitMessages(ctx, m); err != nil {
			s.log.Warn("kafka commit failed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.String("outcome", out.String()),
				zap.Error(err),
			)
		}
	}
}
