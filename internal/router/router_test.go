package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"flash_sale_pipeline/internal/cache"
	"flash_sale_pipeline/internal/config"
	"flash_sale_pipeline/internal/db"
	"flash_sale_pipeline/internal/metrics"
	"flash_sale_pipeline/internal/queue"
	"flash_sale_pipeline/internal/repository"
	"flash_sale_pipeline/internal/service"
	fsredis "flash_sale_pipeline/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "test-admin"

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gdb, err := db.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })

	sales := repository.NewSaleRepository(gdb)
	orders := repository.NewOrderRepository(gdb)
	saleCache := cache.NewSaleCache(rdb, sales, time.Minute, nil)
	pool := fsredis.NewTokenPool(rdb)
	guard := fsredis.NewGuard(rdb)
	cp := fsredis.NewCheckpoint(rdb, time.Hour)
	parked := fsredis.NewParkingLot(rdb)
	m := metrics.New()

	fs := service.NewFlashSaleService(service.Deps{
		Sales:      saleCache,
		Pool:       pool,
		Guard:      guard,
		Checkpoint: cp,
		Publisher:  queue.NewMemoryQueue(16),
		Orders:     orders,
		Metrics:    m,
	})
	admin := service.NewAdminService(sales, orders, saleCache, pool, guard, parked, nil)

	r := gin.New()
	Setup(r, Deps{
		FlashSale: fs,
		Admin:     admin,
		Metrics:   m,
		RDB:       rdb,
		Cfg: config.AppConfig{
			AdminToken:    adminToken,
			UserHeader:    "X-User-ID",
			BuyRateLimit:  100,
			BuyRateWindow: time.Second,
		},
	})
	return r
}

func call(r http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func createSale(t *testing.T, r http.Handler, productID uint, qty int64) {
	t.Helper()
	now := time.Now().UTC()
	rec, _ := call(r, http.MethodPost, "/api/sales", map[string]any{
		"product_id": productID,
		"name":       "phone",
		"price":      1999,
		"quantity":   qty,
		"start_time": now.Add(-time.Minute).Format(time.RFC3339),
		"end_time":   now.Add(time.Hour).Format(time.RFC3339),
	}, map[string]string{"X-Admin-Token": adminToken})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestPing(t *testing.T) {
	r := setupRouter(t)
	rec, body := call(r, http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", body["msg"])

	rec, _ = call(r, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	r := setupRouter(t)
	rec, body := call(r, http.MethodPost, "/api/sales", map[string]any{"product_id": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["reason"])

	rec, _ = call(r, http.MethodPost, "/api/flash_sale/preload/1", nil, map[string]string{"X-Admin-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBuyFlow(t *testing.T) {
	r := setupRouter(t)
	createSale(t, r, 1, 1)
	user := map[string]string{"X-User-ID": "42"}

	rec, body := call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 1}, user)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := body["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	orderID := data["order_id"].(string)

	rec, body = call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 1}, user)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_purchased", body["reason"])

	rec, body = call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 1},
		map[string]string{"X-User-ID": "43"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "sold_out", body["reason"])

	rec, body = call(r, http.MethodGet, "/api/flash_sale/order/1", nil, user)
	require.Equal(t, http.StatusOK, rec.Code)
	data = body["data"].(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, orderID, data["order_id"])

	rec, body = call(r, http.MethodGet, "/api/flash_sale/status/1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data = body["data"].(map[string]any)
	assert.Equal(t, "active", data["status"])
	assert.Equal(t, float64(0), data["remaining_stock"])

	rec, _ = call(r, http.MethodGet, "/api/flash_sale/settlement/"+orderID, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuyRequiresIdentity(t *testing.T) {
	r := setupRouter(t)
	createSale(t, r, 1, 1)

	rec, body := call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 1}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", body["reason"])
}

func TestErrorMapping(t *testing.T) {
	r := setupRouter(t)
	user := map[string]string{"X-User-ID": "42"}

	rec, body := call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 9}, user)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "sale_not_found", body["reason"])

	rec, body = call(r, http.MethodGet, "/api/flash_sale/status/abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", body["reason"])

	rec, _ = call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 1, "quantity": 2}, user)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateSaleAndPreload(t *testing.T) {
	r := setupRouter(t)
	createSale(t, r, 1, 2)
	admin := map[string]string{"X-Admin-Token": adminToken}

	rec, _ := call(r, http.MethodPut, "/api/sales/1", map[string]any{"quantity": 5}, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	_, body := call(r, http.MethodGet, "/api/flash_sale/status/1", nil, nil)
	assert.Equal(t, float64(5), body["data"].(map[string]any)["remaining_stock"])

	rec, body = call(r, http.MethodPost, "/api/flash_sale/preload/1", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), body["data"].(map[string]any)["tokens"])
}

func TestClearGuardAndParked(t *testing.T) {
	r := setupRouter(t)
	createSale(t, r, 1, 3)
	admin := map[string]string{"X-Admin-Token": adminToken}

	rec, _ := call(r, http.MethodPost, "/api/flash_sale/buy", map[string]any{"product_id": 1}, map[string]string{"X-User-ID": "5"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = call(r, http.MethodDelete, "/api/admin/guard/1/5", nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = call(r, http.MethodDelete, "/api/admin/guard/1/5", nil, admin)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body := call(r, http.MethodGet, "/api/admin/settlement/parked", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["data"])
}

func TestMetricsEndpoint(t *testing.T) {
	r := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
