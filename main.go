package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zlnvch/veiltrade/api"
	"github.com/zlnvch/veiltrade/config"
	"github.com/zlnvch/veiltrade/mq/sqsmq"
	"github.com/zlnvch/veiltrade/relay"
	relaymemory "github.com/zlnvch/veiltrade/relay/memory"
	relayws "github.com/zlnvch/veiltrade/relay/ws"
	"github.com/zlnvch/veiltrade/service"
	"github.com/zlnvch/veiltrade/session"
	sessionmemory "github.com/zlnvch/veiltrade/session/memory"
	"github.com/zlnvch/veiltrade/session/redis"
	"github.com/zlnvch/veiltrade/store"
	"github.com/zlnvch/veiltrade/store/dynamo"
	storememory "github.com/zlnvch/veiltrade/store/memory"
	"github.com/zlnvch/veiltrade/worker"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownCtx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	var relayClient relay.Client
	switch cfg.Relays.Backend {
	case "memory":
		log.Printf("Using in-process relay network")
		relayClient = relaymemory.NewNetwork()
	default:
		pool := relayws.NewPool(relayws.Options{
			PublishTimeout:     cfg.Relays.PublishTimeout,
			QueryTimeout:       cfg.Relays.QueryTimeout,
			PublishesPerSecond: cfg.Relays.PublishesPerSecond,
			PublishBurst:       cfg.Relays.PublishBurst,
		})
		defer pool.Close()
		relayClient = pool
	}

	var secrets session.SecretStore
	switch cfg.Session.Store {
	case "redis":
		secrets, err = redis.NewRedisSecretStore(ctx, cfg.DevMode, cfg.Session.RedisEndpoint, cfg.Session.StoreSecret, cfg.Session.TTL)
		if err != nil {
			log.Fatalf("Failed to create redis session store: %v", err)
		}
	default:
		secrets = sessionmemory.NewMemoryStore()
	}

	var deals store.DealStore
	switch cfg.Deals.Store {
	case "dynamo":
		deals, err = dynamo.NewDynamoDealStore(ctx, cfg.DevMode, cfg.Deals.DynamoEndpoint, cfg.Deals.Table)
		if err != nil {
			log.Fatalf("Failed to create dynamodb store: %v", err)
		}
	default:
		deals = storememory.NewMemoryDealStore()
	}

	var dispatcher worker.Dispatcher
	switch cfg.Dispatch.Mode {
	case "sqs":
		noticeQueue, err := sqsmq.NewSQSMessageQueue(ctx, cfg.DevMode, cfg.Dispatch.SQSEndpoint, cfg.Dispatch.Queue)
		if err != nil {
			log.Fatalf("Failed to create SQS MQ: %v", err)
		}
		mqConsumer := worker.NewMQConsumer(noticeQueue, relayClient)
		go mqConsumer.Run(shutdownCtx)
		dispatcher = worker.NewQueueDispatcher(noticeQueue)
	default:
		dispatcher = worker.NewTimerDispatcher(relayClient)
	}

	keyMode, err := cfg.KeyMode()
	if err != nil {
		log.Fatalf("Invalid key mode: %v", err)
	}
	jwtSecret, err := cfg.JWTSecret()
	if err != nil {
		log.Fatalf("Invalid jwt secret: %v", err)
	}

	svc, err := service.NewService(
		relayClient,
		secrets,
		deals,
		dispatcher,
		jwtSecret,
		service.Options{
			Relays:              cfg.Relays.URLs,
			KeyMode:             keyMode,
			NotificationPadSize: cfg.Privacy.NotificationPadSize,
			NotifyMaxDelay:      cfg.Privacy.NotifyMaxDelay,
			SessionTTL:          cfg.Session.TTL,
		},
	)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	veiltradeApi := api.NewVeiltradeAPI(svc, shutdownCtx, cfg.Server.FeedPollInterval)

	mux := http.NewServeMux()
	veiltradeApi.RegisterRoutes(mux, cfg.Server.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting server on %s (relays: %v)", cfg.Addr(), cfg.Relays.URLs)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	log.Printf("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}
