package settlement

import (
	"context"
	"errors"
	"time"

	"flash_sale_pipeline/internal/metrics"
	"flash_sale_pipeline/internal/model"
	"flash_sale_pipeline/internal/queue"
	fsredis "flash_sale_pipeline/pkg/redis"

	"go.uber.org/zap"
)

// OrderStore 订单持久层。
type OrderStore interface {
	Insert(ctx context.Context, o *model.Order) error
	FindByOrderID(ctx context.Context, orderID string) (model.Order, error)
}

// Checkpointer 结算检查点，保证补偿只发生一次且与落单互斥。
type Checkpointer interface {
	Begin(ctx context.Context, orderID string) (fsredis.SettlementStatus, error)
	MarkSettled(ctx context.Context, orderID string) error
	Compensate(ctx context.Context, in fsredis.Compensation) (fsredis.CompensationResult, error)
	RecordStoreFailure(ctx context.Context, orderID string) (int64, error)
}

// Parker 停放终态失败的消息。
type Parker interface {
	Park(ctx context.Context, payload []byte, reason string) error
}

// RetryPolicy 落单重试：有上限的指数退避。
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy 与配置默认值一致。
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}

const (
	reasonConflict         = "order_conflict"
	reasonRetriesExhausted = "retries_exhausted"
	reasonStoreUnavailable = "store_unavailable"
	reasonRecheckFailed    = "order_recheck_failed"
	reasonMalformed        = "malformed_event"
	reasonUnsupported      = "unsupported_version"
)

// Worker 结算消费者：把占位落成订单，失败则补偿令牌与占位。
type Worker struct {
	store   OrderStore
	cp      Checkpointer
	parker  Parker
	log     *zap.Logger
	metrics *metrics.Metrics
	retry   RetryPolicy
}

type Option func(*Worker)

func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithRetry(p RetryPolicy) Option {
	return func(w *Worker) {
		if p.MaxAttempts > 0 {
			w.retry = p
		}
	}
}

func NewWorker(store OrderStore, cp Checkpointer, parker Parker, opts ...Option) *Worker {
	w := &Worker{
		store:  store,
		cp:     cp,
		parker: parker,
		log:    zap.NewNop(),
		retry:  DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

var _ queue.Handler = (*Worker)(nil)

// HandleSettlement 处理一条结算事件，返回值决定 ACK 方式。
func (w *Worker) HandleSettlement(ctx context.Context, ev queue.SettlementEvent) (out queue.Outcome) {
	log := w.log.With(
		zap.String("order_id", ev.OrderID),
		zap.String("event_id", ev.EventID),
		zap.Uint("product_id", ev.ProductID),
		zap.Int64("user_id", ev.UserID),
	)
	defer func() { w.metrics.Settlement(out.String()) }()

	state, err := w.cp.Begin(ctx, ev.OrderID)
	if err != nil {
		log.Warn("checkpoint begin failed", zap.Error(err))
		return queue.Retry
	}
	switch state {
	case fsredis.StatusSettled:
		log.Info("duplicate delivery, already settled")
		return queue.Settled
	case fsredis.StatusCompensated:
		// 已补偿的占位绝不能再落单，否则令牌被用了两次
		log.Info("duplicate delivery, already compensated")
		return queue.Discarded
	}

	err = w.insertWithRetry(ctx, log, ev.Reservation().Order())
	switch {
	case err == nil, errors.Is(err, model.ErrOrderExists):
		w.markSettled(ctx, log, ev.OrderID)
		log.Info("order settled")
		return queue.Settled
	case ctx.Err() != nil:
		// 停机：不补偿，消息留给下一次投递
		log.Info("settlement interrupted", zap.Error(err))
		return queue.Retry
	}

	reason := reasonRetriesExhausted
	if errors.Is(err, model.ErrOrderConflict) {
		reason = reasonConflict
	}
	return w.compensate(ctx, log, ev, reason, err)
}

// HandleMalformed 无法解码的消息：停放并告警，不做补偿（拿不到可信的令牌信息）。
func (w *Worker) HandleMalformed(ctx context.Context, raw []byte, cause error) queue.Outcome {
	reason := reasonMalformed
	if errors.Is(cause, queue.ErrUnsupportedVersion) {
		reason = reasonUnsupported
	}
	if err := w.parker.Park(ctx, raw, reason+": "+cause.Error()); err != nil {
		w.log.Warn("park malformed event failed", zap.Error(err))
		w.metrics.Settlement(queue.Retry.String())
		return queue.Retry
	}
	w.alert(w.log, reason, cause, zap.ByteString("payload", raw))
	w.metrics.Settlement(queue.Discarded.String())
	return queue.Discarded
}

func (w *Worker) insertWithRetry(ctx context.Context, log *zap.Logger, o *model.Order) error {
	backoff := w.retry.Backoff
	var err error
	for attempt := 1; attempt <= w.retry.MaxAttempts; attempt++ {
		err = w.store.Insert(ctx, o)
		if err == nil || errors.Is(err, model.ErrOrderExists) || errors.Is(err, model.ErrOrderConflict) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		log.Warn("order insert failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", w.retry.MaxAttempts),
			zap.Error(err),
		)
		if attempt == w.retry.MaxAttempts {
			break
		}
		if sleepErr := sleep(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
		if w.retry.MaxBackoff > 0 && backoff > w.retry.MaxBackoff {
			backoff = w.retry.MaxBackoff
		}
	}
	return err
}

func (w *Worker) compensate(ctx context.Context, log *zap.Logger, ev queue.SettlementEvent, reason string, cause error) queue.Outcome {
	// 写入可能已提交但返回了错误，补偿前按 order_id 复查
	_, err := w.store.FindByOrderID(ctx, ev.OrderID)
	switch {
	case err == nil:
		w.markSettled(ctx, log, ev.OrderID)
		log.Info("order found on re-check, settled")
		return queue.Settled
	case !errors.Is(err, model.ErrOrderNotFound):
		if ctx.Err() != nil {
			return queue.Retry
		}
		// 持久层整体不可用：每次都告警；累计超过上限后按不可用补偿并停放
		w.alert(log, reasonRecheckFailed, err)
		n, cpErr := w.cp.RecordStoreFailure(ctx, ev.OrderID)
		if cpErr != nil {
			log.Error("record store failure failed, keep event", zap.Error(cpErr))
			return queue.Retry
		}
		if n < int64(w.retry.MaxAttempts) {
			log.Warn("order re-check failed, keep event",
				zap.Int64("store_failures", n), zap.Int("max_attempts", w.retry.MaxAttempts))
			return queue.Retry
		}
		reason = reasonStoreUnavailable
		cause = errors.Join(cause, err)
	}

	res, err := w.cp.Compensate(ctx, fsredis.Compensation{
		OrderID:       ev.OrderID,
		ProductID:     ev.ProductID,
		UserID:        ev.UserID,
		Token:         ev.Token,
		Reason:        reason,
		AllowSettling: true,
	})
	if err != nil {
		log.Error("compensation failed, keep event", zap.Error(err))
		return queue.Retry
	}
	switch res {
	case fsredis.CompensationApplied:
		w.metrics.Compensation("worker")
	case fsredis.CompensationDuplicate:
		log.Info("already compensated")
	case fsredis.CompensationRefused:
		// 只有 settled 会拒绝 AllowSettling 的补偿
		return queue.Settled
	}

	payload, encErr := queue.Encode(ev)
	if encErr != nil {
		payload = []byte(ev.OrderID)
	}
	if err := w.parker.Park(ctx, payload, reason+": "+cause.Error()); err != nil {
		log.Error("park settlement event failed", zap.Error(err))
	}
	w.alert(log, reason, cause)
	return queue.Discarded
}

func (w *Worker) markSettled(ctx context.Context, log *zap.Logger, orderID string) {
	// 订单已持久化，检查点写失败只影响去重速度，重投时会命中 ErrOrderExists
	if err := w.cp.MarkSettled(ctx, orderID); err != nil {
		log.Warn("checkpoint mark settled failed", zap.Error(err))
	}
}

func (w *Worker) alert(log *zap.Logger, reason string, cause error, fields ...zap.Field) {
	w.metrics.Alert(reason)
	log.Error("settlement alert: reservation not settled",
		append(fields, zap.String("reason", reason), zap.Error(cause))...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
