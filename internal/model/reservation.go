package model

import "time"

// Reservation 一次已扣令牌、待结算的占位。它不单独落库：
// 它的存在由用户占位 key + 队列中的结算事件共同表达。
type Reservation struct {
	OrderID   string
	ProductID uint
	UserID    int64
	Token     string
	Amount    int64
	CreatedAt time.Time
}

// Order 将占位转换为待写入的终态订单。
func (r Reservation) Order() *Order {
	return &Order{
		OrderID:   r.OrderID,
		UserID:    r.UserID,
		ProductID: r.ProductID,
		Token:     r.Token,
		Amount:    r.Amount,
		Status:    OrderCompleted,
	}
}
