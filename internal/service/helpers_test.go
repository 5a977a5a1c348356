package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flash_sale_pipeline/internal/cache"
	"flash_sale_pipeline/internal/clock"
	"flash_sale_pipeline/internal/db"
	"flash_sale_pipeline/internal/metrics"
	"flash_sale_pipeline/internal/model"
	"flash_sale_pipeline/internal/queue"
	"flash_sale_pipeline/internal/repository"
	"flash_sale_pipeline/internal/settlement"
	fsredis "flash_sale_pipeline/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var saleStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// recordingPublisher 记录投递的事件；err 非空时模拟投递失败。
type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.SettlementEvent
	err    error
	// onPublish 在返回前调用，用于模拟“已送达但确认丢失”。
	onPublish func(ev queue.SettlementEvent)
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.SettlementEvent) error {
	if p.onPublish != nil {
		p.onPublish(ev)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) drain() []queue.SettlementEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.events
	p.events = nil
	return out
}

var errStoreDown = errors.New("store down")

// switchableOrders 在 failInserts 打开时让写入失败，复查照常走真实仓储。
type switchableOrders struct {
	*repository.OrderRepository
	failInserts atomic.Bool
}

func (s *switchableOrders) Insert(ctx context.Context, o *model.Order) error {
	if s.failInserts.Load() {
		return errStoreDown
	}
	return s.OrderRepository.Insert(ctx, o)
}

type fixture struct {
	rdb    *rd.Client
	mr     *miniredis.Miniredis
	clock  *clock.Fixed
	sales  *repository.SaleRepository
	orders *repository.OrderRepository
	store  *switchableOrders
	pool   *fsredis.TokenPool
	guard  *fsredis.Guard
	cp     *fsredis.Checkpoint
	parked *fsredis.ParkingLot
	cache  *cache.SaleCache
	pub    *recordingPublisher
	svc    *FlashSaleService
	admin  *AdminService
	worker *settlement.Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gdb, err := db.Open("sqlite", ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })

	f := &fixture{
		rdb:    rdb,
		mr:     mr,
		clock:  clock.NewFixed(saleStart.Add(time.Minute)),
		sales:  repository.NewSaleRepository(gdb),
		orders: repository.NewOrderRepository(gdb),
		pool:   fsredis.NewTokenPool(rdb),
		guard:  fsredis.NewGuard(rdb),
		cp:     fsredis.NewCheckpoint(rdb, time.Hour),
		parked: fsredis.NewParkingLot(rdb),
		pub:    &recordingPublisher{},
	}
	f.store = &switchableOrders{OrderRepository: f.orders}
	f.cache = cache.NewSaleCache(rdb, f.sales, time.Minute, nil)
	m := metrics.New()
	f.svc = NewFlashSaleService(Deps{
		Sales:      f.cache,
		Pool:       f.pool,
		Guard:      f.guard,
		Checkpoint: f.cp,
		Publisher:  f.pub,
		Orders:     f.orders,
		Clock:      f.clock,
		Metrics:    m,
	})
	f.admin = NewAdminService(f.sales, f.orders, f.cache, f.pool, f.guard, f.parked, nil)
	f.worker = settlement.NewWorker(f.store, f.cp, f.parked,
		settlement.WithMetrics(m),
		settlement.WithRetry(settlement.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
	return f
}

func (f *fixture) createSale(t *testing.T, productID uint, quantity int64) {
	t.Helper()
	_, err := f.admin.CreateSale(context.Background(), CreateSaleInput{
		ProductID: productID,
		Name:      "phone",
		Price:     1999,
		Quantity:  quantity,
		StartTime: saleStart,
		EndTime:   saleStart.Add(time.Hour),
	})
	require.NoError(t, err)
}

// settleAll 把已投递的事件交给 worker。
func (f *fixture) settleAll(t *testing.T) {
	t.Helper()
	for _, ev := range f.pub.drain() {
		out := f.worker.HandleSettlement(context.Background(), ev)
		require.NotEqual(t, queue.Retry, out)
	}
}

func (f *fixture) remaining(t *testing.T, productID uint) int64 {
	t.Helper()
	n, err := f.pool.Remaining(context.Background(), productID)
	require.NoError(t, err)
	return n
}
