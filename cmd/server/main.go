package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"flash_sale_pipeline/internal/cache"
	"flash_sale_pipeline/internal/clock"
	"flash_sale_pipeline/internal/config"
	"flash_sale_pipeline/internal/db"
	"flash_sale_pipeline/internal/metrics"
	"flash_sale_pipeline/internal/queue"
	"flash_sale_pipeline/internal/repository"
	"flash_sale_pipeline/internal/router"
	"flash_sale_pipeline/internal/service"
	"flash_sale_pipeline/internal/settlement"
	"flash_sale_pipeline/pkg/logger"
	fsredis "flash_sale_pipeline/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server exited with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.AppConfig, log *zap.Logger) error {
	// 1. 数据库，自动建表
	log.Info("connecting to database", zap.String("driver", cfg.DBDriver))
	gdb, err := db.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer db.Close(gdb)
	if err := db.Migrate(gdb); err != nil {
		return err
	}

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	// 3. 结算队列
	pub, subs, err := buildQueue(cfg, rdb, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	m := metrics.New()
	sales := repository.NewSaleRepository(gdb)
	orders := repository.NewOrderRepository(gdb)
	saleCache := cache.NewSaleCache(rdb, sales, cfg.SaleCacheTTL, log)
	pool := fsredis.NewTokenPool(rdb)
	guard := fsredis.NewGuard(rdb)
	cp := fsredis.NewCheckpoint(rdb, cfg.CheckpointTTL)
	parked := fsredis.NewParkingLot(rdb)

	m.RegisterParkedBacklog(func() float64 {
		c, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		n, err := parked.Len(c)
		if err != nil {
			return -1
		}
		return float64(n)
	})

	fs := service.NewFlashSaleService(service.Deps{
		Sales:      saleCache,
		Pool:       pool,
		Guard:      guard,
		Checkpoint: cp,
		Publisher:  pub,
		Orders:     orders,
		Clock:      clock.NewSystem(),
		Log:        log,
		Metrics:    m,
	})
	admin := service.NewAdminService(sales, orders, saleCache, pool, guard, parked, log)

	worker := settlement.NewWorker(orders, cp, parked,
		settlement.WithLogger(log.Named("settlement")),
		settlement.WithMetrics(m),
		settlement.WithRetry(settlement.RetryPolicy{
			MaxAttempts: cfg.SettlementMaxAttempts,
			Backoff:     cfg.SettlementBackoff,
			MaxBackoff:  cfg.SettlementMaxBackoff,
		}),
	)

	// 4. 启动结算消费者
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub queue.Subscriber) {
			defer wg.Done()
			log.Info("settlement consumer started", zap.Int("consumer", i), zap.String("driver", cfg.QueueDriver))
			if err := sub.Subscribe(ctx, worker); err != nil {
				log.Error("settlement consumer stopped", zap.Int("consumer", i), zap.Error(err))
			}
		}(i, sub)
	}

	// 5. HTTP
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	router.Setup(r, router.Deps{
		FlashSale: fs,
		Admin:     admin,
		Metrics:   m,
		RDB:       rdb,
		Cfg:       cfg,
		Log:       log,
		Health: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		},
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("address", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// 先停入口，再等消费者把手上的消息处理完（被中断的消息不 ACK，重启后重投）
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	wg.Wait()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			log.Warn("close subscriber", zap.Error(err))
		}
	}
	return nil
}

// buildQueue 按 QUEUE_DRIVER 构建发布端与 SETTLEMENT_CONSUMERS 个消费端。
func buildQueue(cfg config.AppConfig, rdb *rd.Client, log *zap.Logger) (queue.Publisher, []queue.Subscriber, error) {
	n := cfg.SettlementConsumers
	subs := make([]queue.Subscriber, 0, n)

	switch cfg.QueueDriver {
	case config.QueueStream:
		pub := queue.NewStreamQueue(rdb, cfg.SettlementStream, cfg.SettlementGroup, cfg.SettlementConsumer, log)
		for i := 0; i < n; i++ {
			name := fmt.Sprintf("%s-%d", cfg.SettlementConsumer, i)
			subs = append(subs, queue.NewStreamQueue(rdb, cfg.SettlementStream, cfg.SettlementGroup, name, log,
				queue.WithClaimIdle(cfg.SettlementClaimIdle)))
		}
		return pub, subs, nil

	case config.QueueKafka:
		pub := queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		for i := 0; i < n; i++ {
			subs = append(subs, queue.NewKafkaSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, log))
		}
		return pub, subs, nil

	case config.QueueRabbitMQ:
		pub, err := queue.NewRabbitQueue(cfg.RabbitMQURL, cfg.RabbitMQQueue, 0, log)
		if err != nil {
			return nil, nil, err
		}
		for i := 0; i < n; i++ {
			sub, err := queue.NewRabbitQueue(cfg.RabbitMQURL, cfg.RabbitMQQueue, 16, log)
			if err != nil {
				pub.Close()
				for _, s := range subs {
					s.Close()
				}
				return nil, nil, err
			}
			subs = append(subs, sub)
		}
		return pub, subs, nil

	case config.QueueMemory:
		q := queue.NewMemoryQueue(4096)
		for i := 0; i < n; i++ {
			subs = append(subs, q)
		}
		log.Warn("using in-memory settlement queue, accepted reservations are lost on restart")
		return q, subs, nil
	}
	return nil, nil, fmt.Errorf("unsupported queue driver %q", cfg.QueueDriver)
}
