package model

import "time"

// OrderStatus 对外暴露的订单状态。pending 只存在于 Redis 占位 + 队列消息中，
// 落库的订单一律是 completed。
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	// OrderNone 既没有落库订单也没有占位。
	OrderNone OrderStatus = "none"
)

// Order 秒杀订单，仅由结算 worker 写入。
// order_id 唯一索引保证重投幂等；(user_id, product_id) 唯一索引兜底一人一单。
type Order struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID   string      `gorm:"size:64;uniqueIndex;not null" json:"order_id"`
	UserID    int64       `gorm:"not null;uniqueIndex:idx_orders_user_product,priority:1" json:"user_id"`
	ProductID uint        `gorm:"not null;uniqueIndex:idx_orders_user_product,priority:2" json:"product_id"`
	Token     string      `gorm:"size:64;not null" json:"token"`
	Amount    int64       `gorm:"not null;default:0" json:"amount"` // 单位：分
	Status    OrderStatus `gorm:"size:16;not null;default:completed" json:"status"`
}

func (Order) TableName() string { return "orders" }
