package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flash_sale_pipeline/internal/model"

	"github.com/google/uuid"
)

// EventSchemaVersion 当前结算事件版本。新增必填字段时必须升级版本号。
const EventSchemaVersion = 1

var (
	ErrMalformedEvent     = errors.New("malformed settlement event")
	ErrUnsupportedVersion = errors.New("unsupported settlement event version")
)

// SettlementEvent 请求侧写入队列的“占位已受理”事件。
type SettlementEvent struct {
	Version    int       `json:"v"`
	EventID    string    `json:"event_id"`
	OrderID    string    `json:"order_id"`
	ProductID  uint      `json:"product_id"`
	UserID     int64     `json:"user_id"`
	Token      string    `json:"token"`
	ReservedAt time.Time `json:"reserved_at"`
	// Amount 可选：缺失时订单金额记为 0，由对账补齐。
	Amount *int64 `json:"amount,omitempty"`
}

// NewSettlementEvent 由占位构造事件。
func NewSettlementEvent(r model.Reservation) SettlementEvent {
	amount := r.Amount
	return SettlementEvent{
		Version:    EventSchemaVersion,
		EventID:    uuid.NewString(),
		OrderID:    r.OrderID,
		ProductID:  r.ProductID,
		UserID:     r.UserID,
		Token:      r.Token,
		ReservedAt: r.CreatedAt.UTC(),
		Amount:     &amount,
	}
}

// Validate 做必填字段校验，防止消费者处理脏消息。
func (e SettlementEvent) Validate() error {
	switch {
	case e.Version <= 0:
		return fmt.Errorf("%w: missing version", ErrMalformedEvent)
	case e.Version > EventSchemaVersion:
		return fmt.Errorf("%w: v%d", ErrUnsupportedVersion, e.Version)
	case e.EventID == "":
		return fmt.Errorf("%w: event_id is required", ErrMalformedEvent)
	case e.OrderID == "":
		return fmt.Errorf("%w: order_id is required", ErrMalformedEvent)
	case e.ProductID == 0:
		return fmt.Errorf("%w: product_id is required", ErrMalformedEvent)
	case e.UserID <= 0:
		return fmt.Errorf("%w: user_id is required", ErrMalformedEvent)
	case e.Token == "":
		return fmt.Errorf("%w: token is required", ErrMalformedEvent)
	case e.ReservedAt.IsZero():
		return fmt.Errorf("%w: reserved_at is required", ErrMalformedEvent)
	case e.Amount != nil && *e.Amount < 0:
		return fmt.Errorf("%w: amount must be >= 0", ErrMalformedEvent)
	}
	return nil
}

// Reservation 还原占位。
func (e SettlementEvent) Reservation() model.Reservation {
	r := model.Reservation{
		OrderID:   e.OrderID,
		ProductID: e.ProductID,
		UserID:    e.UserID,
		Token:     e.Token,
		CreatedAt: e.ReservedAt,
	}
	if e.Amount != nil {
		r.Amount = *e.Amount
	}
	return r
}

// Encode 校验后序列化。
func Encode(e SettlementEvent) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode 反序列化并校验。高于本消费者支持的版本返回 ErrUnsupportedVersion，
// 调用方应停放而非丢弃，避免旧消费者静默吞掉新字段。
func Decode(b []byte) (SettlementEvent, error) {
	var e SettlementEvent
	if err := json.Unmarshal(b, &e); err != nil {
		return SettlementEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := e.Validate(); err != nil {
		return SettlementEvent{}, err
	}
	return e, nil
}
