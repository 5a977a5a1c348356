package repository

import (
	"context"
	"errors"
	"fmt"

	"flash_sale_pipeline/internal/model"

	"gorm.io/gorm"
)

// OrderRepository 订单表读写。写入只来自结算 worker。
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Insert 以 order_id 为幂等键写入订单。
// 同 order_id 已存在返回 model.ErrOrderExists；同用户同商品已有其他订单返回 model.ErrOrderConflict。
func (r *OrderRepository) Insert(ctx context.Context, o *model.Order) error {
	err := r.db.WithContext(ctx).Create(o).Error
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return err
	}

	var existing model.Order
	lookupErr := r.db.WithContext(ctx).Where("order_id = ?", o.OrderID).Limit(1).First(&existing).Error
	switch {
	case lookupErr == nil:
		return model.ErrOrderExists
	case errors.Is(lookupErr, gorm.ErrRecordNotFound):
		return model.ErrOrderConflict
	default:
		return fmt.Errorf("insert conflict lookup: %w", lookupErr)
	}
}

// FindByOrderID 按订单号查询。
func (r *OrderRepository) FindByOrderID(ctx context.Context, orderID string) (model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, model.ErrOrderNotFound
	}
	return o, err
}

// FindByUserProduct 二级查询：(user_id, product_id)。
func (r *OrderRepository) FindByUserProduct(ctx context.Context, userID int64, productID uint) (model.Order, error) {
	var o model.Order
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND product_id = ?", userID, productID).
		First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, model.ErrOrderNotFound
	}
	return o, err
}

// CountByProduct 已落库订单数，用于重建令牌池。
func (r *OrderRepository) CountByProduct(ctx context.Context, productID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Order{}).Where("product_id = ?", productID).Count(&n).Error
	return n, err
}
