package redis

import (
	"context"
	"errors"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// ErrPoolEmpty 令牌池已空。
var ErrPoolEmpty = errors.New("token pool empty")

// replaceChunk 单条 RPUSH 的最大令牌数，避免超大命令阻塞 Redis。
const replaceChunk = 1000

// TokenPool 用 Redis list 表示未售出的库存：每个令牌对应一件商品。
// 判断“有没有货”只靠原子 LPOP，不做先查后扣。
type TokenPool struct {
	rdb *rd.Client
}

func NewTokenPool(rdb *rd.Client) *TokenPool {
	return &TokenPool{rdb: rdb}
}

// Reserve 原子弹出一个令牌；池空时返回 ErrPoolEmpty 且没有任何副作用。
func (p *TokenPool) Reserve(ctx context.Context, productID uint) (string, error) {
	token, err := p.rdb.LPop(ctx, StockKey(productID)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", ErrPoolEmpty
		}
		return "", err
	}
	return token, nil
}

// Release 把令牌放回池中。不校验令牌来源，只有回滚/补偿路径会调用。
func (p *TokenPool) Release(ctx context.Context, productID uint, token string) error {
	return p.rdb.RPush(ctx, StockKey(productID), token).Err()
}

// Remaining 当前池内令牌数，仅用于展示。
func (p *TokenPool) Remaining(ctx context.Context, productID uint) (int64, error) {
	return p.rdb.LLen(ctx, StockKey(productID)).Result()
}

// Replace 在一个 MULTI 中清空并重建令牌池。
func (p *TokenPool) Replace(ctx context.Context, productID uint, tokens []string) error {
	key := StockKey(productID)
	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, key)
	for start := 0; start < len(tokens); start += replaceChunk {
		end := min(start+replaceChunk, len(tokens))
		args := make([]interface{}, 0, end-start)
		for _, t := range tokens[start:end] {
			args = append(args, t)
		}
		pipe.RPush(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GenerateTokens 生成 n 个互不相同的 uuid 令牌。
func GenerateTokens(n int64) []string {
	if n <= 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for int64(len(out)) < n {
		t := uuid.NewString()
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
