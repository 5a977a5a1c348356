package model

import "errors"

var (
	ErrValidation       = errors.New("invalid request")
	ErrSaleNotFound     = errors.New("sale not found")
	ErrSaleNotActive    = errors.New("sale is not active")
	ErrSoldOut          = errors.New("product sold out")
	ErrAlreadyPurchased = errors.New("already purchased")

	// ErrAmbiguousReservation: 令牌与占位已生效但投递队列失败，请求侧已回滚。
	ErrAmbiguousReservation = errors.New("reservation hand-off failed")

	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderExists: 同一 order_id 已落库，重复投递视为成功。
	ErrOrderExists = errors.New("order already persisted")
	// ErrOrderConflict: 该用户在该商品上已有另一笔订单，不可重试。
	ErrOrderConflict = errors.New("user already holds an order for this product")
)
