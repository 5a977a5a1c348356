package redis

import (
	"context"
	"encoding/json"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// ParkedMessage 停放的结算消息，原样保留 payload 以便人工重放或对账。
type ParkedMessage struct {
	Payload  string    `json:"payload"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
}

// ParkingLot 结算失败消息的停放区（Redis list，新消息在头部）。
type ParkingLot struct {
	rdb *rd.Client
}

func NewParkingLot(rdb *rd.Client) *ParkingLot {
	return &ParkingLot{rdb: rdb}
}

// Park 停放一条消息。
func (p *ParkingLot) Park(ctx context.Context, payload []byte, reason string) error {
	b, err := json.Marshal(ParkedMessage{
		Payload:  string(payload),
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return p.rdb.LPush(ctx, ParkedKey(), b).Err()
}

// List 返回最近停放的至多 limit 条消息。
func (p *ParkingLot) List(ctx context.Context, limit int64) ([]ParkedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := p.rdb.LRange(ctx, ParkedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ParkedMessage, 0, len(raw))
	for _, r := range raw {
		var m ParkedMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			m = ParkedMessage{Payload: r, Reason: "undecodable parked entry"}
		}
		out = append(out, m)
	}
	return out, nil
}

// Len 停放区长度，用于告警面板。
func (p *ParkingLot) Len(ctx context.Context) (int64, error) {
	return p.rdb.LLen(ctx, ParkedKey()).Result()
}
