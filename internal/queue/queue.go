package queue

import (
	"context"
	"time"
)

// Outcome 处理结果，决定消息确认方式。
type Outcome int

const (
	// Settled 已落单，ACK。
	Settled Outcome = iota
	// Discarded 终态失败（已补偿/已停放），ACK 且不再重投。
	Discarded
	// Retry 不 ACK，等待重投。
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Settled:
		return "settled"
	case Discarded:
		return "discarded"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Handler 结算消费者。解码失败的消息交给 HandleMalformed。
type Handler interface {
	HandleSettlement(ctx context.Context, ev SettlementEvent) Outcome
	HandleMalformed(ctx context.Context, raw []byte, err error) Outcome
}

// Publisher 请求侧投递。返回错误时占位处于不确定状态，调用方必须自行回滚。
type Publisher interface {
	Publish(ctx context.Context, ev SettlementEvent) error
	Close() error
}

// Subscriber 至少一次投递的消费端。Subscribe 阻塞直到 ctx 结束。
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// dispatch 解码并分发一条原始消息。
func dispatch(ctx context.Context, h Handler, raw []byte) Outcome {
	ev, err := Decode(raw)
	if err != nil {
		return h.HandleMalformed(ctx, raw, err)
	}
	return h.HandleSettlement(ctx, ev)
}

// dispatchUntilTerminal 对不支持“拒绝重投”的驱动，在进程内按间隔重试直到终态或 ctx 结束。
func dispatchUntilTerminal(ctx context.Context, h Handler, raw []byte, retryDelay time.Duration) (Outcome, error) {
	for {
		out := dispatch(ctx, h, raw)
		if out != Retry {
			return out, nil
		}
		if err := sleepCtx(ctx, retryDelay); err != nil {
			return Retry, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
