package queue

import (
	"context"
	"fmt"
	"time"
)

// MemoryQueue 进程内结算队列，仅用于本地运行与测试：进程退出即丢失消息。
type MemoryQueue struct {
	ch         chan []byte
	retryDelay time.Duration
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan []byte, size), retryDelay: 50 * time.Millisecond}
}

// Publish 队列满时直接失败，由请求侧回滚，而不是阻塞请求。
func (q *MemoryQueue) Publish(ctx context.Context, ev SettlementEvent) error {
	b, err := Encode(ev)
	if err != nil {
		return err
	}
	select {
	case q.ch <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("memory queue full (%d)", cap(q.ch))
	}
}

// Subscribe 可被多个 goroutine 同时调用，消息在它们之间分摊。
func (q *MemoryQueue) Subscribe(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-q.ch:
			if _, err := dispatchUntilTerminal(ctx, h, b, q.retryDelay); err != nil {
				return nil
			}
		}
	}
}

// Len 当前积压条数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error { return nil }
