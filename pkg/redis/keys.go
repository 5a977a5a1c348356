package redis

import "fmt"

// StockKey 商品令牌池（Redis list），每个元素是一件可售库存的唯一令牌。
func StockKey(productID uint) string {
	return fmt.Sprintf("flash_sale:stock:%d", productID)
}

// GuardKey 标记某用户在某商品上“已占位/已下单”，值为 order_id。
func GuardKey(productID uint, userID int64) string {
	return fmt.Sprintf("flash_sale:purchase:lock:%d:%d", productID, userID)
}

// SaleCacheKey 活动元数据缓存。
func SaleCacheKey(productID uint) string {
	return fmt.Sprintf("flash_sale:sale:%d", productID)
}

// CheckpointKey 存储 order_id 的结算检查点（settling/settled/compensated）。
func CheckpointKey(orderID string) string {
	return fmt.Sprintf("flash_sale:settlement:%s", orderID)
}

// ParkedKey 结算失败且已补偿的消息停放区，供人工处理。
func ParkedKey() string {
	return "flash_sale:settlement:parked"
}

// RateLimitUserKey / RateLimitIPKey 购买接口限流键。
func RateLimitUserKey(userID int64) string {
	return fmt.Sprintf("rate_limit:flash_sale:user:%d", userID)
}

func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:flash_sale:ip:%s", ip)
}
