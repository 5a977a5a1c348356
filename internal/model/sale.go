package model

import "time"

// SaleStatus 由当前时间与秒杀窗口实时推导，从不落库。
type SaleStatus string

const (
	SaleUpcoming SaleStatus = "upcoming"
	SaleActive   SaleStatus = "active"
	SaleEnded    SaleStatus = "ended"
)

// Sale 秒杀活动记录：单商品、固定数量、固定时间窗。
// Quantity 是配置的总量；实时可售量以 Redis 令牌池为准。
type Sale struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	SaleID    string    `gorm:"size:64;uniqueIndex;not null" json:"sale_id"`
	ProductID uint      `gorm:"uniqueIndex;not null" json:"product_id"`
	Name      string    `gorm:"size:128;not null" json:"name"`
	Price     int64     `gorm:"not null" json:"price"` // 单位：分
	Quantity  int64     `gorm:"not null;default:0" json:"quantity"`
	StartTime time.Time `gorm:"not null" json:"start_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
}

func (Sale) TableName() string { return "sales" }

// DeriveStatus 是 (now, start, end) 的纯函数，窗口两端均视为进行中。
func DeriveStatus(now, start, end time.Time) SaleStatus {
	switch {
	case now.Before(start):
		return SaleUpcoming
	case now.After(end):
		return SaleEnded
	default:
		return SaleActive
	}
}

// StatusAt 返回活动在 now 时刻的状态。
func (s Sale) StatusAt(now time.Time) SaleStatus {
	return DeriveStatus(now, s.StartTime, s.EndTime)
}
