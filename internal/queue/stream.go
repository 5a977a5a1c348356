package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamQueue 基于 Redis Stream + 消费者组的结算队列。
// 语义：处理出终态后才 ACK + DEL，Retry 的消息留在 PEL 中，下一轮优先重读。
type StreamQueue struct {
	rdb *rd.Client
	log *zap.Logger

	stream   string
	group    string
	consumer string

	batch      int64
	block      time.Duration
	retryDelay time.Duration
	// claimIdle 其他消费者名下超过该时长未 ACK 的消息会被本消费者接管
	claimIdle time.Duration
}

// DefaultClaimIdle 需大于单条消息的最长处理时间（含落单重试退避）。
const DefaultClaimIdle = time.Minute

type StreamOption func(*StreamQueue)

// WithClaimIdle 设置接管空闲 pending 消息的阈值。
func WithClaimIdle(d time.Duration) StreamOption {
	return func(q *StreamQueue) {
		if d > 0 {
			q.claimIdle = d
		}
	}
}

func NewStreamQueue(rdb *rd.Client, stream, group, consumer string, log *zap.Logger, opts ...StreamOption) *StreamQueue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &StreamQueue{
		rdb:        rdb,
		log:        log,
		stream:     stream,
		group:      group,
		consumer:   consumer,
		batch:      16,
		block:      2 * time.Second,
		retryDelay: 300 * time.Millisecond,
		claimIdle:  DefaultClaimIdle,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Publish 追加一条事件，字段 v 便于不解码就能按版本路由。
func (q *StreamQueue) Publish(ctx context.Context, ev SettlementEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{
			"v":       ev.Version,
			"payload": b,
		},
	}).Err()
}

// Subscribe 循环消费直到 ctx 结束。
func (q *StreamQueue) Subscribe(ctx context.Context, h Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return fmt.Errorf("stream ensure group: %w", err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := q.poll(ctx, h, q.block); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			q.log.Warn("stream poll failed", zap.String("stream", q.stream), zap.Error(err))
			if sleepCtx(ctx, q.retryDelay) != nil {
				return nil
			}
		}
	}
}

// Close 客户端由调用方持有，这里无需释放。
func (q *StreamQueue) Close() error { return nil }

// poll 依次处理：接管他人名下的空闲消息 → 本消费者的 pending → 阻塞读取新消息；
// 返回处理成终态的条数。
func (q *StreamQueue) poll(ctx context.Context, h Handler, block time.Duration) (int, error) {
	msgs, err := q.claimIdleEntries(ctx)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		msgs, err = q.readGroup(ctx, "0", -1)
		if err != nil {
			return 0, err
		}
	}
	if len(msgs) == 0 {
		msgs, err = q.readGroup(ctx, ">", block)
		if err != nil {
			return 0, err
		}
	}

	done := 0
	for _, xm := range msgs {
		out := q.processOne(ctx, h, xm)
		if out == Retry {
			// 不 ACK，留在 PEL 中等待下一轮；退避后再读避免空转
			q.log.Info("settlement deferred", zap.String("id", xm.ID))
			if err := sleepCtx(ctx, q.retryDelay); err != nil {
				return done, err
			}
			break
		}
		if err := q.ackAndDelete(ctx, xm.ID); err != nil {
			return done, fmt.Errorf("ack %s: %w", xm.ID, err)
		}
		done++
	}
	return done, nil
}

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (q *StreamQueue) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := q.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, streamID},
		Count:    q.batch,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, q.batch)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// claimIdleEntries 消费者退出或改名后，其 PEL 中的消息只能靠 XAUTOCLAIM 转移，否则永远不会重投。
func (q *StreamQueue) claimIdleEntries(ctx context.Context) ([]rd.XMessage, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &rd.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.batch,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	if len(msgs) > 0 {
		q.log.Info("claimed idle settlement entries",
			zap.String("consumer", q.consumer), zap.Int("count", len(msgs)))
	}
	return msgs, nil
}

func (q *StreamQueue) processOne(ctx context.Context, h Handler, xm rd.XMessage) Outcome {
	payload, err := getStreamString(xm.Values, "payload")
	if err != nil {
		return h.HandleMalformed(ctx, []byte(fmt.Sprint(xm.Values)), fmt.Errorf("%w: %v", ErrMalformedEvent, err))
	}
	return dispatch(ctx, h, []byte(payload))
}

func (q *StreamQueue) ackAndDelete(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, id)
	pipe.XDel(ctx, q.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
