package service

import (
	"context"
	"fmt"
	"time"

	"flash_sale_pipeline/internal/cache"
	"flash_sale_pipeline/internal/model"
	"flash_sale_pipeline/internal/repository"
	fsredis "flash_sale_pipeline/pkg/redis"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SaleStore 活动持久层。
type SaleStore interface {
	Create(ctx context.Context, s *model.Sale) error
	FindByProductID(ctx context.Context, productID uint) (model.Sale, error)
	List(ctx context.Context) ([]model.Sale, error)
	Update(ctx context.Context, productID uint, in repository.SaleUpdate) (model.Sale, error)
}

// OrderCounter 已落库订单数。
type OrderCounter interface {
	CountByProduct(ctx context.Context, productID uint) (int64, error)
}

// AdminService 管理路径：活动维护、令牌池重建、人工对账。
type AdminService struct {
	sales  SaleStore
	orders OrderCounter
	cache  *cache.SaleCache
	pool   *fsredis.TokenPool
	guard  *fsredis.Guard
	parked *fsredis.ParkingLot
	log    *zap.Logger
}

func NewAdminService(sales SaleStore, orders OrderCounter, c *cache.SaleCache, pool *fsredis.TokenPool,
	guard *fsredis.Guard, parked *fsredis.ParkingLot, log *zap.Logger) *AdminService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminService{sales: sales, orders: orders, cache: c, pool: pool, guard: guard, parked: parked, log: log}
}

// CreateSaleInput 新建活动参数。
type CreateSaleInput struct {
	ProductID uint
	Name      string
	Price     int64
	Quantity  int64
	StartTime time.Time
	EndTime   time.Time
}

// CreateSale 落库并按 quantity 初始化令牌池。
func (a *AdminService) CreateSale(ctx context.Context, in CreateSaleInput) (model.Sale, error) {
	if err := validateWindow(in.StartTime, in.EndTime); err != nil {
		return model.Sale{}, err
	}
	switch {
	case in.ProductID == 0:
		return model.Sale{}, fmt.Errorf("%w: product_id is required", model.ErrValidation)
	case in.Quantity < 0:
		return model.Sale{}, fmt.Errorf("%w: quantity must be >= 0", model.ErrValidation)
	case in.Price < 0:
		return model.Sale{}, fmt.Errorf("%w: price must be >= 0", model.ErrValidation)
	}

	s := &model.Sale{
		SaleID:    uuid.NewString(),
		ProductID: in.ProductID,
		Name:      in.Name,
		Price:     in.Price,
		Quantity:  in.Quantity,
		StartTime: in.StartTime.UTC(),
		EndTime:   in.EndTime.UTC(),
	}
	if err := a.sales.Create(ctx, s); err != nil {
		return model.Sale{}, err
	}
	if err := a.cache.Invalidate(ctx, s.ProductID); err != nil {
		return model.Sale{}, fmt.Errorf("invalidate sale cache: %w", err)
	}
	if err := a.pool.Replace(ctx, s.ProductID, fsredis.GenerateTokens(s.Quantity)); err != nil {
		return model.Sale{}, fmt.Errorf("seed token pool: %w", err)
	}
	a.log.Info("sale created", zap.Uint("product_id", s.ProductID), zap.Int64("quantity", s.Quantity))
	return *s, nil
}

// UpdateSale 写库 → 删缓存 → （给了 quantity 时）重建令牌池。
// 重建按新的 quantity 全量生成，不扣除已售；需要扣除时调用 PreloadStock。
func (a *AdminService) UpdateSale(ctx context.Context, productID uint, in repository.SaleUpdate) (model.Sale, error) {
	if productID == 0 {
		return model.Sale{}, fmt.Errorf("%w: product_id is required", model.ErrValidation)
	}
	if in.Quantity != nil && *in.Quantity < 0 {
		return model.Sale{}, fmt.Errorf("%w: quantity must be >= 0", model.ErrValidation)
	}
	if in.Price != nil && *in.Price < 0 {
		return model.Sale{}, fmt.Errorf("%w: price must be >= 0", model.ErrValidation)
	}
	if in.StartTime != nil || in.EndTime != nil {
		cur, err := a.sales.FindByProductID(ctx, productID)
		if err != nil {
			return model.Sale{}, err
		}
		start, end := cur.StartTime, cur.EndTime
		if in.StartTime != nil {
			start = *in.StartTime
		}
		if in.EndTime != nil {
			end = *in.EndTime
		}
		if err := validateWindow(start, end); err != nil {
			return model.Sale{}, err
		}
	}

	s, err := a.sales.Update(ctx, productID, in)
	if err != nil {
		return model.Sale{}, err
	}
	if err := a.cache.Invalidate(ctx, productID); err != nil {
		return model.Sale{}, fmt.Errorf("invalidate sale cache: %w", err)
	}
	if in.Quantity != nil {
		if err := a.pool.Replace(ctx, productID, fsredis.GenerateTokens(*in.Quantity)); err != nil {
			return model.Sale{}, fmt.Errorf("replace token pool: %w", err)
		}
	}
	a.log.Info("sale updated", zap.Uint("product_id", productID), zap.Bool("pool_replaced", in.Quantity != nil))
	return s, nil
}

// ListSales 全部活动。
func (a *AdminService) ListSales(ctx context.Context) ([]model.Sale, error) {
	return a.sales.List(ctx)
}

// PreloadStock 按 quantity - 已落库订单数 重建令牌池，返回写入的令牌数。
// 进行中的占位不在订单表里，活动开始前或流量停止后调用。
func (a *AdminService) PreloadStock(ctx context.Context, productID uint) (int64, error) {
	if productID == 0 {
		return 0, fmt.Errorf("%w: product_id is required", model.ErrValidation)
	}
	s, err := a.sales.FindByProductID(ctx, productID)
	if err != nil {
		return 0, err
	}
	sold, err := a.orders.CountByProduct(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("count orders: %w", err)
	}
	n := max(s.Quantity-sold, 0)
	if err := a.pool.Replace(ctx, productID, fsredis.GenerateTokens(n)); err != nil {
		return 0, fmt.Errorf("replace token pool: %w", err)
	}
	if err := a.cache.Invalidate(ctx, productID); err != nil {
		a.log.Warn("invalidate sale cache failed", zap.Uint("product_id", productID), zap.Error(err))
	}
	a.log.Info("token pool preloaded", zap.Uint("product_id", productID), zap.Int64("tokens", n), zap.Int64("sold", sold))
	return n, nil
}

// ClearGuard 人工对账：删除卡住的占位。
func (a *AdminService) ClearGuard(ctx context.Context, productID uint, userID int64) error {
	if productID == 0 || userID <= 0 {
		return fmt.Errorf("%w: product_id and user_id are required", model.ErrValidation)
	}
	orderID, found, err := a.guard.Lookup(ctx, productID, userID)
	if err != nil {
		return err
	}
	if !found {
		return model.ErrOrderNotFound
	}
	if err := a.guard.Release(ctx, productID, userID); err != nil {
		return err
	}
	a.log.Warn("guard cleared by operator",
		zap.Uint("product_id", productID), zap.Int64("user_id", userID), zap.String("order_id", orderID))
	return nil
}

// ListParked 最近停放的结算消息。
func (a *AdminService) ListParked(ctx context.Context, limit int64) ([]fsredis.ParkedMessage, error) {
	return a.parked.List(ctx, limit)
}

// ParkedBacklog 停放区长度。
func (a *AdminService) ParkedBacklog(ctx context.Context) (int64, error) {
	return a.parked.Len(ctx)
}

func validateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start_time and end_time are required", model.ErrValidation)
	}
	if !end.After(start) {
		return fmt.Errorf("%w: end_time must be after start_time", model.ErrValidation)
	}
	return nil
}
