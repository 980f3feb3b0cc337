package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/clock"
	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	"github.com/ariefcatur/go-order-fulfillment/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/memory"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/payments"
	"github.com/ariefcatur/go-order-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment/internal/shipping"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

// store is what every service needs; both backends satisfy it.
type store interface {
	fulfillment.Store
	payments.Store
	shipping.Store
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.Setup(ctx, observability.Options{
		ServiceName: cfg.ServiceName,
		Version:     version,
		Endpoint:    cfg.OTelEndpoint,
		AuthHeader:  cfg.OTelAuthHeader,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	log := observability.NewLogger(cfg.ServiceName, cfg.Debug, cfg.OTelEndpoint != "")
	defer func() {
		_ = log.Sync()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	var (
		st      store
		pingers []httpx.Pinger
	)
	switch cfg.Storage {
	case "memory":
		log.Warn("using in-memory storage, data is lost on exit")
		st = memory.NewStore()
	default:
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pg := postgres.NewStore(pool)
		st, pingers = pg, append(pingers, pg)
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// cache, dedup and lease all degrade to no-ops on redis errors
		log.Warn("redis unavailable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cache := redisx.NewStatusCache(rdb)
	holder, _ := os.Hostname()
	lease := redisx.NewLease(rdb, fmt.Sprintf("%s-%d", holder, os.Getpid()))

	producers := make(map[string]*kafkax.Producer, len(orders.Topics))
	for _, topic := range orders.Topics {
		producers[topic] = kafkax.NewProducer(cfg.KafkaBrokers, topic, 1024, log)
	}

	clk := clock.NewSystem()
	notifier := notify.Multi{
		notify.NewLog(log.Named("events")),
		notify.NewCacheInvalidator(cache, log),
		notify.NewKafkaPublisher(producers, cfg.ServiceName, clk, log),
	}

	gateway, carrier, err := integrations(cfg, log)
	if err != nil {
		return err
	}

	ledger := inventory.NewLedger(st, clk)
	reconciler := payments.NewReconciler(st, ledger, gateway, clk,
		payments.Secrets{
			KeyID:         cfg.PaymentKeyID,
			KeySecret:     cfg.PaymentKeySecret,
			WebhookSecret: cfg.PaymentWebhookSecret,
		},
		payments.WithNotifier(notifier),
		payments.WithDeduper(redisx.NewDeduper(rdb, "payment-webhook")),
		payments.WithLogger(log.Named("payments")),
		payments.WithDebug(cfg.Debug),
	)
	coord := fulfillment.NewCoordinator(st, ledger, clk,
		fulfillment.WithNotifier(notifier),
		fulfillment.WithRefunder(reconciler),
		fulfillment.WithLogger(log.Named("fulfillment")),
	)
	shipSync := shipping.NewSync(st, carrier, clk, notifier, log.Named("shipping"))
	reaper := fulfillment.NewReaper(coord,
		fulfillment.WithInterval(cfg.ReaperInterval),
		fulfillment.WithPendingTimeout(cfg.OrderPendingTimeout),
		fulfillment.WithLease(lease),
	)

	pingers = append(pingers, pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }))
	router := httpx.NewRouter(log, pingers...)
	(&httpx.OrdersHandler{Orders: coord, Cache: cache, Log: log}).Register(router)
	(&httpx.PaymentsHandler{Payments: reconciler, Log: log}).Register(router)
	(&httpx.CarrierHandler{Shipping: shipSync, Token: cfg.CarrierWebhookToken, Log: log}).Register(router)
	(&httpx.AdminHandler{Orders: coord, Payments: reconciler, Shipping: shipSync, Token: cfg.AdminToken, Log: log}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range producers {
		p := p
		// producers outlive the server so events from draining requests
		// still go out; they stop on Close below
		g.Go(func() error { return p.Run(context.WithoutCancel(gctx)) })
	}
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		for _, p := range producers {
			p.Close()
		}
		return err
	})
	return g.Wait()
}

// integrations picks real clients when credentials are configured and stubs
// in debug mode.
func integrations(cfg config.Config, log *zap.Logger) (payments.Gateway, shipping.Carrier, error) {
	var (
		gateway payments.Gateway
		carrier shipping.Carrier
	)
	switch {
	case cfg.PaymentConfigured():
		gateway = payments.NewHTTPGateway(cfg.PaymentAPIURL, cfg.PaymentKeyID, cfg.PaymentKeySecret, log)
	case cfg.Debug:
		log.Warn("payment gateway not configured, using stub")
		gateway = &payments.StubGateway{}
	default:
		return nil, nil, errors.New("PAYMENT_KEY_ID and PAYMENT_KEY_SECRET are required outside debug mode")
	}
	switch {
	case cfg.CarrierConfigured():
		carrier = shipping.NewHTTPCarrier(cfg.CarrierAPIURL, cfg.CarrierAPIToken, log)
	case cfg.Debug:
		log.Warn("carrier not configured, using stub")
		carrier = &shipping.StubCarrier{}
	default:
		return nil, nil, errors.New("CARRIER_API_TOKEN is required outside debug mode")
	}
	return gateway, carrier, nil
}
