package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"flash_sale_pipeline/internal/model"
	fsredis "flash_sale_pipeline/pkg/redis"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SaleLoader 缓存未命中时的持久层来源。
type SaleLoader interface {
	FindByProductID(ctx context.Context, productID uint) (model.Sale, error)
}

// SaleCache 活动元数据的读穿缓存。只缓存记录本身，状态每次读取时由调用方按时间推导。
type SaleCache struct {
	rdb    *rd.Client
	loader SaleLoader
	ttl    time.Duration
	log    *zap.Logger
}

func NewSaleCache(rdb *rd.Client, loader SaleLoader, ttl time.Duration, log *zap.Logger) *SaleCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &SaleCache{rdb: rdb, loader: loader, ttl: ttl, log: log}
}

// Get 命中直接返回；未命中从持久层加载并回填。
func (c *SaleCache) Get(ctx context.Context, productID uint) (model.Sale, error) {
	key := fsredis.SaleCacheKey(productID)

	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var s model.Sale
		if jsonErr := json.Unmarshal(b, &s); jsonErr == nil {
			return s, nil
		}
		// 缓存内容损坏时当作未命中，下面会覆盖写回
		c.log.Warn("sale cache entry undecodable", zap.Uint("product_id", productID))
	case !errors.Is(err, rd.Nil):
		return model.Sale{}, fmt.Errorf("sale cache get: %w", err)
	}

	s, err := c.loader.FindByProductID(ctx, productID)
	if err != nil {
		return model.Sale{}, err
	}

	if b, err := json.Marshal(s); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.Warn("sale cache populate failed", zap.Uint("product_id", productID), zap.Error(err))
		}
	}
	return s, nil
}

// Invalidate 删除缓存；管理端更新活动时必须先于令牌池重建调用。
func (c *SaleCache) Invalidate(ctx context.Context, productID uint) error {
	return c.rdb.Del(ctx, fsredis.SaleCacheKey(productID)).Err()
}
