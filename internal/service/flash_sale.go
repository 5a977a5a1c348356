package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flash_sale_pipeline/internal/cache"
	"flash_sale_pipeline/internal/clock"
	"flash_sale_pipeline/internal/metrics"
	"flash_sale_pipeline/internal/model"
	"flash_sale_pipeline/internal/queue"
	fsredis "flash_sale_pipeline/pkg/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OrderFinder 读路径需要的订单查询。
type OrderFinder interface {
	FindByUserProduct(ctx context.Context, userID int64, productID uint) (model.Order, error)
}

// Deps 服务依赖，全部在启动时构建并注入。
type Deps struct {
	Sales      *cache.SaleCache
	Pool       *fsredis.TokenPool
	Guard      *fsredis.Guard
	Checkpoint *fsredis.Checkpoint
	Publisher  queue.Publisher
	Orders     OrderFinder
	Clock      clock.Clock
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

// FlashSaleService 请求路径：占位、查单、查活动。
type FlashSaleService struct {
	sales *cache.SaleCache
	pool  *fsredis.TokenPool
	guard *fsredis.Guard
	cp    *fsredis.Checkpoint
	pub   queue.Publisher
	ord   OrderFinder
	clock clock.Clock
	log   *zap.Logger
	m     *metrics.Metrics
}

func NewFlashSaleService(d Deps) *FlashSaleService {
	if d.Clock == nil {
		d.Clock = clock.NewSystem()
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &FlashSaleService{
		sales: d.Sales,
		pool:  d.Pool,
		guard: d.Guard,
		cp:    d.Checkpoint,
		pub:   d.Publisher,
		ord:   d.Orders,
		clock: d.Clock,
		log:   d.Log,
		m:     d.Metrics,
	}
}

// ReserveResult 受理结果。pending 表示已占到令牌，落单异步完成。
type ReserveResult struct {
	OrderID   string            `json:"order_id"`
	ProductID uint              `json:"product_id"`
	Status    model.OrderStatus `json:"status"`
}

// Reserve 秒杀下单入口：
// 1. 活动状态（缓存）
// 2. 一人一单快速检查（只读）
// 3. 原子取令牌
// 4. 原子写占位
// 5. 投递结算事件
// 任一步失败都会把之前的副作用撤销，撤销不受请求取消影响。
func (s *FlashSaleService) Reserve(ctx context.Context, userID int64, productID uint) (res ReserveResult, err error) {
	defer func() { s.m.Reservation(reserveResultLabel(err)) }()

	if userID <= 0 || productID == 0 {
		return ReserveResult{}, fmt.Errorf("%w: user_id and product_id are required", model.ErrValidation)
	}

	sale, err := s.sales.Get(ctx, productID)
	if err != nil {
		return ReserveResult{}, err
	}
	if st := sale.StatusAt(s.clock.Now()); st != model.SaleActive {
		return ReserveResult{}, fmt.Errorf("%w: %s", model.ErrSaleNotActive, st)
	}

	if _, found, err := s.guard.Lookup(ctx, productID, userID); err != nil {
		return ReserveResult{}, fmt.Errorf("guard lookup: %w", err)
	} else if found {
		return ReserveResult{}, model.ErrAlreadyPurchased
	}

	token, err := s.pool.Reserve(ctx, productID)
	if err != nil {
		if errors.Is(err, fsredis.ErrPoolEmpty) {
			return ReserveResult{}, model.ErrSoldOut
		}
		return ReserveResult{}, fmt.Errorf("token reserve: %w", err)
	}

	orderID := uuid.NewString()
	log := s.log.With(zap.String("order_id", orderID), zap.Uint("product_id", productID), zap.Int64("user_id", userID))
	rollbackCtx := context.WithoutCancel(ctx)

	claim, err := s.guard.TryClaim(ctx, productID, userID, orderID)
	if err != nil {
		// 写占位的结果未知：只删属于本单的占位，再还令牌
		if _, relErr := s.guard.ReleaseIfMatch(rollbackCtx, productID, userID, orderID); relErr != nil {
			log.Error("rollback guard failed", zap.Error(relErr))
		}
		s.releaseToken(rollbackCtx, log, productID, token)
		return ReserveResult{}, fmt.Errorf("guard claim: %w", err)
	}
	if !claim.Claimed {
		// 并发的同用户请求抢先写入占位
		s.releaseToken(rollbackCtx, log, productID, token)
		return ReserveResult{}, model.ErrAlreadyPurchased
	}

	r := model.Reservation{
		OrderID:   orderID,
		ProductID: productID,
		UserID:    userID,
		Token:     token,
		Amount:    sale.Price,
		CreatedAt: s.clock.Now(),
	}
	if pubErr := s.pub.Publish(ctx, queue.NewSettlementEvent(r)); pubErr != nil {
		return s.rollbackPublish(rollbackCtx, log, r, pubErr)
	}

	log.Info("reservation accepted")
	return ReserveResult{OrderID: orderID, ProductID: productID, Status: model.OrderPending}, nil
}

// rollbackPublish 投递失败时消息可能其实已送达，因此走与 worker 相同的检查点补偿：
// worker 已接手（settling/settled）时拒绝补偿，请求视为已受理。
func (s *FlashSaleService) rollbackPublish(ctx context.Context, log *zap.Logger, r model.Reservation, pubErr error) (ReserveResult, error) {
	res, err := s.cp.Compensate(ctx, fsredis.Compensation{
		OrderID:   r.OrderID,
		ProductID: r.ProductID,
		UserID:    r.UserID,
		Token:     r.Token,
		Reason:    "publish_failed",
	})
	if err != nil {
		log.Error("publish failed and rollback failed, reservation needs reconciliation",
			zap.NamedError("publish_error", pubErr), zap.Error(err))
		return ReserveResult{}, fmt.Errorf("%w: %v", model.ErrAmbiguousReservation, pubErr)
	}

	switch res {
	case fsredis.CompensationRefused:
		log.Warn("publish reported failure but settlement already started", zap.Error(pubErr))
		return ReserveResult{OrderID: r.OrderID, ProductID: r.ProductID, Status: model.OrderPending}, nil
	case fsredis.CompensationApplied:
		s.m.Compensation("request")
	}
	log.Warn("publish failed, reservation rolled back", zap.Error(pubErr))
	return ReserveResult{}, fmt.Errorf("%w: %v", model.ErrAmbiguousReservation, pubErr)
}

func (s *FlashSaleService) releaseToken(ctx context.Context, log *zap.Logger, productID uint, token string) {
	if err := s.pool.Release(ctx, productID, token); err != nil {
		log.Error("rollback token failed", zap.String("token", token), zap.Error(err))
	}
}

// OrderView 用户在某商品上的购买状态。
type OrderView struct {
	Status  model.OrderStatus `json:"status"`
	OrderID string            `json:"order_id,omitempty"`
	Order   *model.Order      `json:"order,omitempty"`
}

// GetOrder 先查持久层，再查占位；都没有则 none。只读。
func (s *FlashSaleService) GetOrder(ctx context.Context, userID int64, productID uint) (OrderView, error) {
	if userID <= 0 || productID == 0 {
		return OrderView{}, fmt.Errorf("%w: user_id and product_id are required", model.ErrValidation)
	}

	o, err := s.ord.FindByUserProduct(ctx, userID, productID)
	switch {
	case err == nil:
		return OrderView{Status: model.OrderCompleted, OrderID: o.OrderID, Order: &o}, nil
	case !errors.Is(err, model.ErrOrderNotFound):
		return OrderView{}, err
	}

	orderID, found, err := s.guard.Lookup(ctx, productID, userID)
	if err != nil {
		return OrderView{}, fmt.Errorf("guard lookup: %w", err)
	}
	if found {
		return OrderView{Status: model.OrderPending, OrderID: orderID}, nil
	}
	return OrderView{Status: model.OrderNone}, nil
}

// SaleView 活动详情 + 实时状态。
type SaleView struct {
	Sale           model.Sale       `json:"sale"`
	Status         model.SaleStatus `json:"status"`
	RemainingStock int64            `json:"remaining_stock"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
}

// GetSaleStatus 剩余量来自令牌池，仅供展示。
func (s *FlashSaleService) GetSaleStatus(ctx context.Context, productID uint) (SaleView, error) {
	if productID == 0 {
		return SaleView{}, fmt.Errorf("%w: product_id is required", model.ErrValidation)
	}
	sale, err := s.sales.Get(ctx, productID)
	if err != nil {
		return SaleView{}, err
	}
	remaining, err := s.pool.Remaining(ctx, productID)
	if err != nil {
		return SaleView{}, fmt.Errorf("token pool remaining: %w", err)
	}
	return SaleView{
		Sale:           sale,
		Status:         sale.StatusAt(s.clock.Now()),
		RemainingStock: remaining,
		StartTime:      sale.StartTime,
		EndTime:        sale.EndTime,
	}, nil
}

// SettlementState 轮询单笔结算的最终结果。
func (s *FlashSaleService) SettlementState(ctx context.Context, orderID string) (fsredis.SettlementState, error) {
	if orderID == "" {
		return fsredis.SettlementState{}, fmt.Errorf("%w: order_id is required", model.ErrValidation)
	}
	st, found, err := s.cp.State(ctx, orderID)
	if err != nil {
		return fsredis.SettlementState{}, err
	}
	if !found {
		return fsredis.SettlementState{}, model.ErrOrderNotFound
	}
	return st, nil
}

func reserveResultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, model.ErrSoldOut):
		return "sold_out"
	case errors.Is(err, model.ErrAlreadyPurchased):
		return "duplicate"
	case errors.Is(err, model.ErrSaleNotActive):
		return "not_active"
	case errors.Is(err, model.ErrSaleNotFound):
		return "not_found"
	case errors.Is(err, model.ErrValidation):
		return "invalid"
	case errors.Is(err, model.ErrAmbiguousReservation):
		return "rolled_back"
	default:
		return "error"
	}
}
