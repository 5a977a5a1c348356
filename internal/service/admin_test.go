package service

import (
	"context"
	"testing"
	"time"

	"flash_sale_pipeline/internal/model"
	"flash_sale_pipeline/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSaleSeedsPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createSale(t, 1, 25)
	assert.Equal(t, int64(25), f.remaining(t, 1))

	_, err := f.admin.CreateSale(ctx, CreateSaleInput{
		ProductID: 1, Name: "dup", Quantity: 1, StartTime: saleStart, EndTime: saleStart.Add(time.Hour),
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.admin.CreateSale(ctx, CreateSaleInput{
		ProductID: 2, Name: "bad window", Quantity: 1, StartTime: saleStart, EndTime: saleStart,
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	list, err := f.admin.ListSales(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestUpdateSaleInvalidatesCacheAndReplacesPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createSale(t, 1, 5)

	// 预热缓存
	_, err := f.svc.GetSaleStatus(ctx, 1)
	require.NoError(t, err)

	qty := int64(2)
	end := saleStart.Add(10 * time.Minute)
	_, err = f.admin.UpdateSale(ctx, 1, repository.SaleUpdate{Quantity: &qty, EndTime: &end})
	require.NoError(t, err)

	v, err := f.svc.GetSaleStatus(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Sale.Quantity)
	assert.Equal(t, int64(2), v.RemainingStock)
	assert.True(t, v.EndTime.Equal(end))

	// 不给 quantity 时不动令牌池
	price := int64(10)
	_, err = f.svc.Reserve(ctx, 42, 1)
	require.NoError(t, err)
	_, err = f.admin.UpdateSale(ctx, 1, repository.SaleUpdate{Price: &price})
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.remaining(t, 1))
}

func TestUpdateSaleRejectsInvertedWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createSale(t, 1, 5)

	end := saleStart.Add(-time.Minute)
	_, err := f.admin.UpdateSale(ctx, 1, repository.SaleUpdate{EndTime: &end})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.admin.UpdateSale(ctx, 9, repository.SaleUpdate{EndTime: &end})
	assert.ErrorIs(t, err, model.ErrSaleNotFound)
}

func TestPreloadStockSubtractsSettledOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createSale(t, 1, 5)

	for u := int64(1); u <= 2; u++ {
		_, err := f.svc.Reserve(ctx, u, 1)
		require.NoError(t, err)
	}
	f.settleAll(t)

	n, err := f.admin.PreloadStock(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(3), f.remaining(t, 1))

	_, err = f.admin.PreloadStock(ctx, 9)
	assert.ErrorIs(t, err, model.ErrSaleNotFound)
}

func TestClearGuard(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createSale(t, 1, 5)

	_, err := f.svc.Reserve(ctx, 42, 1)
	require.NoError(t, err)

	require.NoError(t, f.admin.ClearGuard(ctx, 1, 42))
	view, err := f.svc.GetOrder(ctx, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, model.OrderNone, view.Status)

	assert.ErrorIs(t, f.admin.ClearGuard(ctx, 1, 42), model.ErrOrderNotFound)
}

func TestListParked(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.parked.Park(ctx, []byte(`{"v":3}`), "unsupported_version"))
	list, err := f.admin.ListParked(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "unsupported_version", list[0].Reason)

	n, err := f.admin.ParkedBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
