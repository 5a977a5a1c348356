package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// SettlementStatus 结算检查点状态。
type SettlementStatus string

const (
	// StatusNone 检查点不存在。
	StatusNone SettlementStatus = ""
	// StatusSettling 表示 worker 已开始落单。
	StatusSettling SettlementStatus = "settling"
	// StatusSettled 表示订单已落库（终态）。
	StatusSettled SettlementStatus = "settled"
	// StatusCompensated 表示令牌与占位已归还（终态）。
	StatusCompensated SettlementStatus = "compensated"
)

// DefaultCheckpointTTL 检查点保留时长，需覆盖队列最长重投窗口。
const DefaultCheckpointTTL = 7 * 24 * time.Hour

// luaBegin 检查点不存在时置为 settling，否则返回现有状态。
const luaBegin = `
local key = KEYS[1]
local orderID = ARGV[1]
local ttlSec = tonumber(ARGV[2])
local state = redis.call('HGET', key, 'status')
if not state then
  redis.call('HSET', key, 'order_id', orderID, 'status', 'settling', 'updated_at', ARGV[3])
  redis.call('EXPIRE', key, ttlSec)
  return 'settling'
end
return state
`

// luaCompensate 原子补偿：先写检查点，再归还令牌，最后删除仍指向本单的占位。
// 返回 1=本次补偿生效，0=此前已补偿，-1=结算方持有该单，拒绝补偿。
const luaCompensate = `
local cpKey = KEYS[1]
local stockKey = KEYS[2]
local guardKey = KEYS[3]
local orderID = ARGV[1]
local token = ARGV[2]
local allowSettling = ARGV[3]
local reason = ARGV[4]
local ttlSec = tonumber(ARGV[5])

local state = redis.call('HGET', cpKey, 'status')
if state == 'compensated' then
  return 0
end
if state == 'settled' then
  return -1
end
if state == 'settling' and allowSettling ~= '1' then
  return -1
end

redis.call('HSET', cpKey, 'order_id', orderID, 'status', 'compensated', 'reason', reason, 'updated_at', ARGV[6])
redis.call('EXPIRE', cpKey, ttlSec)
redis.call('RPUSH', stockKey, token)
if redis.call('GET', guardKey) == orderID then
  redis.call('DEL', guardKey)
end
return 1
`

// Compensation 描述一次补偿所需的全部信息。
type Compensation struct {
	OrderID   string
	ProductID uint
	UserID    int64
	Token     string
	Reason    string
	// AllowSettling=true 仅供 worker 自身使用：它持有 settling 状态时仍可补偿。
	AllowSettling bool
}

// CompensationResult Compensate 的结果。
type CompensationResult int

const (
	CompensationApplied CompensationResult = iota
	CompensationDuplicate
	CompensationRefused
)

// SettlementState 对应 Redis 内的检查点结构，也是客户端轮询最终结算结果的通道。
type SettlementState struct {
	OrderID   string
	Status    SettlementStatus
	Reason    string
	UpdatedAt time.Time
}

// Checkpoint 按 order_id 记录结算进度，使补偿只发生一次且与落单互斥。
type Checkpoint struct {
	rdb *rd.Client
	ttl time.Duration
	now func() time.Time
}

func NewCheckpoint(rdb *rd.Client, ttl time.Duration) *Checkpoint {
	if ttl <= 0 {
		ttl = DefaultCheckpointTTL
	}
	return &Checkpoint{rdb: rdb, ttl: ttl, now: time.Now}
}

// Begin 进入结算。返回 StatusSettling 表示可以落单，其余终态由调用方直接 ACK。
func (c *Checkpoint) Begin(ctx context.Context, orderID string) (SettlementStatus, error) {
	s, err := c.rdb.Eval(ctx, luaBegin, []string{CheckpointKey(orderID)},
		orderID, c.ttlSeconds(), c.stamp()).Text()
	if err != nil {
		return StatusNone, err
	}
	return SettlementStatus(s), nil
}

// MarkSettled 落单成功后写入终态，并刷新 TTL。
func (c *Checkpoint) MarkSettled(ctx context.Context, orderID string) error {
	key := CheckpointKey(orderID)
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"order_id", orderID,
		"status", string(StatusSettled),
		"reason", "",
		"updated_at", c.stamp(),
	)
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// RecordStoreFailure 累计持久层不可达导致无法确认订单的次数，返回累计值。
// 计数跟随检查点保存，跨重投、跨消费者有效。
func (c *Checkpoint) RecordStoreFailure(ctx context.Context, orderID string) (int64, error) {
	key := CheckpointKey(orderID)
	pipe := c.rdb.TxPipeline()
	incr := pipe.HIncrBy(ctx, key, "store_failures", 1)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Compensate 幂等补偿：同一 order_id 只会归还一次令牌。
func (c *Checkpoint) Compensate(ctx context.Context, in Compensation) (CompensationResult, error) {
	allow := "0"
	if in.AllowSettling {
		allow = "1"
	}
	keys := []string{CheckpointKey(in.OrderID), StockKey(in.ProductID), GuardKey(in.ProductID, in.UserID)}
	n, err := c.rdb.Eval(ctx, luaCompensate, keys,
		in.OrderID, in.Token, allow, in.Reason, c.ttlSeconds(), c.stamp()).Int()
	if err != nil {
		return CompensationRefused, err
	}
	switch n {
	case 1:
		return CompensationApplied, nil
	case 0:
		return CompensationDuplicate, nil
	case -1:
		return CompensationRefused, nil
	default:
		return CompensationRefused, fmt.Errorf("compensate: unexpected reply %d", n)
	}
}

// State 查询 order_id 当前结算状态。found=false 表示检查点不存在。
func (c *Checkpoint) State(ctx context.Context, orderID string) (SettlementState, bool, error) {
	m, err := c.rdb.HGetAll(ctx, CheckpointKey(orderID)).Result()
	if err != nil {
		return SettlementState{}, false, err
	}
	if len(m) == 0 {
		return SettlementState{}, false, nil
	}
	out := SettlementState{
		OrderID: orderID,
		Status:  SettlementStatus(m["status"]),
		Reason:  m["reason"],
	}
	if ts, err := strconv.ParseInt(m["updated_at"], 10, 64); err == nil {
		out.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return out, true, nil
}

func (c *Checkpoint) ttlSeconds() int64 {
	return int64(c.ttl / time.Second)
}

func (c *Checkpoint) stamp() string {
	return strconv.FormatInt(c.now().Unix(), 10)
}
