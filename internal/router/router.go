package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"flash_sale_pipeline/internal/config"
	"flash_sale_pipeline/internal/metrics"
	"flash_sale_pipeline/internal/middleware"
	"flash_sale_pipeline/internal/model"
	"flash_sale_pipeline/internal/repository"
	"flash_sale_pipeline/internal/service"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps 路由依赖。
type Deps struct {
	FlashSale *service.FlashSaleService
	Admin     *service.AdminService
	Metrics   *metrics.Metrics
	RDB       *rd.Client
	Cfg       config.AppConfig
	Log       *zap.Logger
	// Health 返回 nil 表示依赖健康。
	Health func(ctx context.Context) error
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	h := &handlers{fs: d.FlashSale, admin: d.Admin, log: d.Log}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})
	r.GET("/healthz", healthz(d.Health))
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	user := middleware.UserIdentity(d.Cfg.UserHeader)
	admin := middleware.AdminToken(d.Cfg.AdminToken)

	// 活动
	r.GET("/api/sales", h.listSales)
	r.POST("/api/sales", admin, h.createSale)
	r.PUT("/api/sales/:product_id", admin, h.updateSale)

	// 秒杀
	fs := r.Group("/api/flash_sale")
	fs.POST("/preload/:product_id", admin, h.preloadStock)
	fs.GET("/status/:product_id", h.saleStatus)
	fs.POST("/buy", user, middleware.RedisRateLimit(d.RDB, d.Cfg.BuyRateLimit, d.Cfg.BuyRateWindow, d.Log), h.buy)
	fs.GET("/order/:product_id", user, h.getOrder)
	fs.GET("/settlement/:order_id", h.settlementState)

	// 运维对账
	adm := r.Group("/api/admin", admin)
	adm.GET("/settlement/parked", h.listParked)
	adm.DELETE("/guard/:product_id/:user_id", h.clearGuard)
}

type handlers struct {
	fs    *service.FlashSaleService
	admin *service.AdminService
	log   *zap.Logger
}

func (h *handlers) listSales(c *gin.Context) {
	list, err := h.admin.ListSales(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
}

// createSale 创建活动（含时间窗校验）并初始化令牌池。
func (h *handlers) createSale(c *gin.Context) {
	var req struct {
		ProductID uint   `json:"product_id" binding:"required,min=1"`
		Name      string `json:"name" binding:"required"`
		Price     int64  `json:"price" binding:"min=0"`
		Quantity  int64  `json:"quantity" binding:"min=0"`
		StartTime string `json:"start_time" binding:"required"`
		EndTime   string `json:"end_time" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		badRequest(c, "start_time 格式错误，请用 RFC3339")
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		badRequest(c, "end_time 格式错误，请用 RFC3339")
		return
	}

	s, err := h.admin.CreateSale(c.Request.Context(), service.CreateSaleInput{
		ProductID: req.ProductID,
		Name:      req.Name,
		Price:     req.Price,
		Quantity:  req.Quantity,
		StartTime: start,
		EndTime:   end,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
}

// updateSale 字段可选；给了 quantity 会重建令牌池。
func (h *handlers) updateSale(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	var req struct {
		Name      *string `json:"name"`
		Price     *int64  `json:"price"`
		Quantity  *int64  `json:"quantity"`
		StartTime *string `json:"start_time"`
		EndTime   *string `json:"end_time"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	in := repository.SaleUpdate{Name: req.Name, Price: req.Price, Quantity: req.Quantity}
	if req.StartTime != nil {
		t, err := time.Parse(time.RFC3339, *req.StartTime)
		if err != nil {
			badRequest(c, "start_time 格式错误，请用 RFC3339")
			return
		}
		in.StartTime = &t
	}
	if req.EndTime != nil {
		t, err := time.Parse(time.RFC3339, *req.EndTime)
		if err != nil {
			badRequest(c, "end_time 格式错误，请用 RFC3339")
			return
		}
		in.EndTime = &t
	}

	s, err := h.admin.UpdateSale(c.Request.Context(), productID, in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": s})
}

// preloadStock 按 quantity - 已售 重建令牌池。
func (h *handlers) preloadStock(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	n, err := h.admin.PreloadStock(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功", "data": gin.H{"tokens": n}})
}

func (h *handlers) saleStatus(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	v, err := h.fs.GetSaleStatus(c.Request.Context(), productID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
}

// buy 秒杀下单入口。落单是异步的，这里只返回 pending + order_id。
func (h *handlers) buy(c *gin.Context) {
	var req struct {
		ProductID uint `json:"product_id" binding:"required,min=1"`
		Quantity  int  `json:"quantity" binding:"omitempty,min=1,max=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	userID, _ := middleware.UserID(c)

	res, err := h.fs.Reserve(c.Request.Context(), userID, req.ProductID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": res})
}

func (h *handlers) getOrder(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	v, err := h.fs.GetOrder(c.Request.Context(), userID, productID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
}

// settlementState 根据 order_id 查询异步结算结果。
func (h *handlers) settlementState(c *gin.Context) {
	st, err := h.fs.SettlementState(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"code": 0,
		"data": gin.H{
			"order_id":   st.OrderID,
			"status":     st.Status,
			"reason":     st.Reason,
			"updated_at": st.UpdatedAt,
		},
	})
}

func (h *handlers) listParked(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "100"), 10, 64)
	if err != nil || limit <= 0 {
		badRequest(c, "limit 无效")
		return
	}
	list, err := h.admin.ListParked(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
}

func (h *handlers) clearGuard(c *gin.Context) {
	productID, ok := productIDParam(c)
	if !ok {
		return
	}
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil {
		badRequest(c, "用户ID无效")
		return
	}
	if err := h.admin.ClearGuard(c.Request.Context(), productID, userID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "占位已清除"})
}

func healthz(check func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if check != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "unhealthy: " + err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "healthy"})
	}
}

// productIDParam 32 bit 十进制。
func productIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, "商品ID无效")
		return 0, false
	}
	return uint(id), true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": msg, "reason": "invalid_request"})
}

// fail 把领域错误映射为 HTTP 状态与机器可读的 reason。
func (h *handlers) fail(c *gin.Context, err error) {
	status, reason := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": status, "msg": err.Error(), "reason": reason})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, model.ErrSaleNotFound):
		return http.StatusNotFound, "sale_not_found"
	case errors.Is(err, model.ErrOrderNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrSaleNotActive):
		return http.StatusBadRequest, "sale_not_active"
	case errors.Is(err, model.ErrSoldOut):
		return http.StatusConflict, "sold_out"
	case errors.Is(err, model.ErrAlreadyPurchased):
		return http.StatusConflict, "already_purchased"
	case errors.Is(err, model.ErrAmbiguousReservation):
		return http.StatusServiceUnavailable, "reservation_rolled_back"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
