package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/config"
	deliveryhttp "github.com/egannguyen/go-storefront-checkout/internal/delivery/http"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/gateway"
	"github.com/egannguyen/go-storefront-checkout/internal/logging"
	"github.com/egannguyen/go-storefront-checkout/internal/messaging/kafka"
	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
	"github.com/egannguyen/go-storefront-checkout/internal/repository/postgres"
	"github.com/egannguyen/go-storefront-checkout/internal/service"
)

func main() {
	cfg := config.Load()

	logger := logging.MustNew("storefront-checkout", cfg.Env)
	defer logger.Sync()

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// --- Database ---
	db, err := postgres.InitDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to init database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("database connected and migrated")

	orderRepo := postgres.NewOrderRepository(db)
	productRepo := postgres.NewProductRepository(db)
	stockLedger := postgres.NewStockLedger(db)
	webhookLogRepo := postgres.NewWebhookLogRepository(db)

	if err := productRepo.Seed(context.Background(), seedProducts()); err != nil {
		logger.Fatal("failed to seed products", zap.Error(err))
	}

	// --- Kafka ---
	publisher := kafka.NewPublisher(cfg.KafkaBrokers)
	defer publisher.Close()

	// --- Payment gateway ---
	gw := gateway.NewClient(gateway.Config{
		BaseURL:         cfg.GatewayBaseURL,
		ClientID:        cfg.GatewayClientID,
		ClientSecret:    cfg.GatewayClientSecret,
		WebhookUsername: cfg.GatewayWebhookUsername,
		WebhookPassword: cfg.GatewayWebhookPassword,
		Currency:        cfg.GatewayCurrency,
		Timeout:         cfg.GatewayTimeout,
	}, logger.Named("gateway"))

	// --- Services ---
	confirmer := service.NewConfirmer(orderRepo, stockLedger, publisher, m, logger.Named("confirm"))
	orderSvc := service.NewOrderService(orderRepo, productRepo, gw, confirmer, publisher, m,
		logger.Named("orders"), cfg.MinimumOrderTotal)
	webhookSvc := service.NewWebhookService(webhookLogRepo, orderRepo, gw, confirmer, m,
		logger.Named("webhooks"), cfg.RetryMaxAttempts, cfg.RetryMaxAge, cfg.RetryBatchLimit)
	janitor := service.NewJanitor(orderRepo, m, logger.Named("janitor"), cfg.AbandonAfter, cfg.JanitorInterval)

	// --- HTTP API ---
	handler := deliveryhttp.NewHandler(orderSvc, webhookSvc, janitor,
		logger.Named("http"), cfg.CleanupToken, cfg.OperatorToken)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	observe := deliveryhttp.Observability(logger.Named("http"), m)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: deliveryhttp.EnableCORS(observe(mux)),
	}

	// --- Start everything ---
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go janitor.Run(ctx)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

// seedProducts is the initial catalog for local development.
func seedProducts() []entity.Product {
	return []entity.Product{
		{ID: "prod-keyboard", Name: "Mechanical Keyboard", Description: "Tenkeyless, hot-swappable switches", Price: 89.99, DiscountPercent: 0, Category: "accessories", Stock: 120},
		{ID: "prod-mouse", Name: "Wireless Mouse", Description: "Low-latency 2.4GHz", Price: 39.99, DiscountPercent: 10, Category: "accessories", Stock: 200},
		{ID: "prod-monitor", Name: "27\" QHD Monitor", Description: "165Hz IPS panel", Price: 329.00, DiscountPercent: 5, Category: "displays", Stock: 45},
		{ID: "prod-headset", Name: "USB Headset", Description: "Noise-cancelling microphone", Price: 59.50, DiscountPercent: 0, Category: "audio", Stock: 80},
		{ID: "prod-dock", Name: "USB-C Dock", Description: "Dual display, 100W passthrough", Price: 149.00, DiscountPercent: 15, Category: "accessories", Stock: 60},
	}
}
