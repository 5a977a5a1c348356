package redis

import (
	"context"
	"errors"
	"fmt"

	rd "github.com/redis/go-redis/v9"
)

// luaTryClaim: 不存在则写入 order_id，存在则返回已有 order_id，整体原子。
const luaTryClaim = `
local key = KEYS[1]
local orderID = ARGV[1]
if redis.call('SET', key, orderID, 'NX') then
  return {1, orderID}
end
return {0, redis.call('GET', key)}
`

// luaReleaseIfMatch 仅当占位值匹配 order_id 时才删除，避免误删新请求的占位。
const luaReleaseIfMatch = `
local key = KEYS[1]
local orderID = ARGV[1]
if redis.call('GET', key) == orderID then
  return redis.call('DEL', key)
end
return 0
`

// ClaimResult TryClaim 的结果。Claimed=false 时 ExistingOrderID 为已有占位的订单号。
type ClaimResult struct {
	Claimed         bool
	ExistingOrderID string
}

// Guard 一人一单占位：每个 (product, user) 一个 key。
type Guard struct {
	rdb *rd.Client
}

func NewGuard(rdb *rd.Client) *Guard {
	return &Guard{rdb: rdb}
}

// TryClaim 原子 check-and-set。同一用户并发首次请求只有一个成功。
func (g *Guard) TryClaim(ctx context.Context, productID uint, userID int64, orderID string) (ClaimResult, error) {
	res, err := g.rdb.Eval(ctx, luaTryClaim, []string{GuardKey(productID, userID)}, orderID).Slice()
	if err != nil {
		return ClaimResult{}, err
	}
	if len(res) != 2 {
		return ClaimResult{}, fmt.Errorf("guard claim: unexpected reply %v", res)
	}
	claimed, _ := res[0].(int64)
	existing, _ := res[1].(string)
	if claimed == 1 {
		return ClaimResult{Claimed: true}, nil
	}
	return ClaimResult{ExistingOrderID: existing}, nil
}

// Lookup 只读查询占位。found=false 表示没有进行中的占位或订单。
func (g *Guard) Lookup(ctx context.Context, productID uint, userID int64) (string, bool, error) {
	orderID, err := g.rdb.Get(ctx, GuardKey(productID, userID)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return orderID, true, nil
}

// Release 无条件删除占位，用于人工对账。
func (g *Guard) Release(ctx context.Context, productID uint, userID int64) error {
	return g.rdb.Del(ctx, GuardKey(productID, userID)).Err()
}

// ReleaseIfMatch 安全释放占位，返回是否真的删除了。
func (g *Guard) ReleaseIfMatch(ctx context.Context, productID uint, userID int64, orderID string) (bool, error) {
	n, err := g.rdb.Eval(ctx, luaReleaseIfMatch, []string{GuardKey(productID, userID)}, orderID).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
