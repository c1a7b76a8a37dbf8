package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"order_processing/internal/cache"
	"order_processing/internal/config"
	"order_processing/internal/handlers"
	"order_processing/internal/metrics"
	"order_processing/internal/repository"
	"order_processing/internal/service"
	"order_processing/internal/warehouse"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---------- config ----------
	cfg := config.Load()

	// ---------- metrics ----------
	metrics.Register()

	// ---------- db ----------
	pool, err := repository.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("db:", err)
	}
	defer pool.Close()

	metrics.StartDBCollectors(ctx, pool, 10*time.Second, nil)

	// ---------- repositories ----------
	orderRepo := repository.NewOrderRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool)

	// ---------- cache ----------
	redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisCache.Close()

	// ---------- warehouse client ----------
	client := warehouse.NewClient(cfg.WarehouseURL, cfg.WarehouseTimeout)

	// ---------- services ----------
	orderService := service.NewOrderService(pool, orderRepo, outboxRepo, nil)
	dispatcher := service.NewDispatcher(orderRepo, outboxRepo, client, redisCache, cfg.BackoffBase, cfg.BackoffMax, nil)

	poller := service.NewPoller(orderRepo, outboxRepo, client, redisCache, clockwork.NewRealClock(), service.PollerConfig{
		PollInterval:  cfg.PollInterval,
		BatchSize:     cfg.BatchSize,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
		RetentionDays: cfg.RetentionDays,
	}, nil)
	pollerDone := poller.Start(ctx)

	// ---------- handlers ----------
	h := handlers.NewOrderHandler(orderService, dispatcher, redisCache, cfg.CacheTTL)

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	handlers.RegisterOrderRoutes(r, h)

	// ---------- start server ----------
	addr := ":" + cfg.HTTPPort
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.Println("server starting on", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Println("server shutdown:", err)
	}

	// the poller finishes or releases its in-flight batch before we close the pool
	select {
	case <-pollerDone:
	case <-shutdownCtx.Done():
		log.Println("poller shutdown timed out")
	}
}
