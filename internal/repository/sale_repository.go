package repository

import (
	"context"
	"errors"
	"time"

	"flash_sale_pipeline/internal/model"

	"gorm.io/gorm"
)

// SaleUpdate 管理端更新项；nil 字段保持不变。
type SaleUpdate struct {
	StartTime *time.Time
	EndTime   *time.Time
	Quantity  *int64
	Price     *int64
	Name      *string
}

// SaleRepository 活动记录，按 product_id 唯一。
type SaleRepository struct {
	db *gorm.DB
}

func NewSaleRepository(db *gorm.DB) *SaleRepository {
	return &SaleRepository{db: db}
}

// Create 创建活动；同商品重复创建返回 model.ErrValidation。
func (r *SaleRepository) Create(ctx context.Context, s *model.Sale) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if isUniqueViolation(err) {
		return errors.Join(model.ErrValidation, errors.New("sale for product already exists"))
	}
	return err
}

// FindByProductID 按商品查询活动。
func (r *SaleRepository) FindByProductID(ctx context.Context, productID uint) (model.Sale, error) {
	var s model.Sale
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Sale{}, model.ErrSaleNotFound
	}
	return s, err
}

// List 全部活动。
func (r *SaleRepository) List(ctx context.Context) ([]model.Sale, error) {
	var list []model.Sale
	err := r.db.WithContext(ctx).Order("product_id").Find(&list).Error
	return list, err
}

// Update 在事务内读取-修改-写回，返回更新后的记录。
func (r *SaleRepository) Update(ctx context.Context, productID uint, in SaleUpdate) (model.Sale, error) {
	var out model.Sale
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_id = ?", productID).First(&out).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrSaleNotFound
			}
			return err
		}
		if in.StartTime != nil {
			out.StartTime = *in.StartTime
		}
		if in.EndTime != nil {
			out.EndTime = *in.EndTime
		}
		if in.Quantity != nil {
			out.Quantity = *in.Quantity
		}
		if in.Price != nil {
			out.Price = *in.Price
		}
		if in.Name != nil {
			out.Name = *in.Name
		}
		return tx.Save(&out).Error
	})
	if err != nil {
		return model.Sale{}, err
	}
	return out, nil
}
