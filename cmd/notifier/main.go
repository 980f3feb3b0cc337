package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/config"
	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "notifier: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()
	cfg := config.Load()
	service := cfg.ServiceName + "-notifier"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.Setup(ctx, observability.Options{
		ServiceName: service,
		Endpoint:    cfg.OTelEndpoint,
		AuthHeader:  cfg.OTelAuthHeader,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	log := observability.NewLogger(service, cfg.Debug, cfg.OTelEndpoint != "")
	defer func() {
		_ = log.Sync()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(sctx)
	}()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	worker := notify.NewWorker(
		redisx.NewDeduper(rdb, cfg.NotifierGroup),
		redisx.NewStatusCache(rdb),
		notify.NewLogSender(log.Named("sender")),
		log,
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, topic := range orders.Topics {
		topic := topic
		cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifierGroup, topic, cfg.NotifierWorkers, log)
		g.Go(func() error {
			log.Info("consumer started",
				zap.String("group", cfg.NotifierGroup), zap.String("topic", topic), zap.Int("workers", cfg.NotifierWorkers))
			return cons.Start(gctx, worker.Handle)
		})
	}
	err = g.Wait()
	log.Info("notifier stopped", zap.Error(err))
	return err
}
