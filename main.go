package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aquamarinepk/aqm"
	"github.com/aquamarinepk/aqm/middleware"

	"github.com/feastly/dispatch/internal/dispatch"
	dispatchevents "github.com/feastly/dispatch/internal/events"
	"github.com/feastly/dispatch/internal/mongo"
	"github.com/feastly/dispatch/internal/payment"
)

const (
	appNamespace = "DISPATCH"
	appName      = "dispatch"
	appVersion   = "0.1.0"
)

func main() {
	config, err := aqm.LoadConfig(appNamespace, os.Args[1:])
	if err != nil {
		log.Fatalf("Cannot setup %s(%s): %v", appName, appVersion, err)
	}

	logLevel, _ := config.GetString("log.level")
	logger := aqm.NewLogger(logLevel)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	baseRepo := mongo.NewBaseRepo(config, logger)
	if err := baseRepo.Start(ctx); err != nil {
		log.Fatalf("%s(%s) cannot start base repository: %v", appName, appVersion, err)
	}

	db := baseRepo.GetDatabase()
	if db == nil {
		log.Fatalf("%s(%s) cannot initialize repository database: %v", appName, appVersion, errors.New("repository database is nil"))
	}

	orderRepo := mongo.NewOrderRepo(db)
	agentRepo := mongo.NewAgentRepo(db)
	chatRepo := mongo.NewChatRepo(db)
	transitionRepo := mongo.NewTransitionRepo(db)

	natsURL := config.GetStringOrDef("nats.url", "nats://localhost:4222")

	publisher, err := dispatchevents.NewNATSPublisher(natsURL)
	if err != nil {
		log.Fatalf("Cannot connect to NATS publisher: %v", err)
	}

	subscriber, err := dispatchevents.NewNATSSubscriber(natsURL)
	if err != nil {
		log.Fatalf("Cannot connect to NATS subscriber: %v", err)
	}

	// The persistent stream retains order events for cache replay after a
	// restart. When disabled the cache warms from the Order Store instead.
	var stream *dispatchevents.NATSStream
	streamEnabled := config.GetStringOrDef("nats.stream.enabled", "true")
	if streamEnabled == "true" {
		stream, err = dispatchevents.NewNATSStream(dispatchevents.NATSStreamConfig{
			URL:          natsURL,
			StreamName:   config.GetStringOrDef("nats.stream.name", "DISPATCH_ORDER_EVENTS"),
			Topic:        dispatchevents.OrdersTopic,
			ConsumerName: appName,
			MaxAge:       24 * time.Hour,
			MaxMsgs:      100000,
		})
		if err != nil {
			log.Fatalf("Cannot connect to NATS stream: %v", err)
		}
	}

	var cache *dispatch.OrderStateCache
	if stream != nil {
		cache = dispatch.NewOrderStateCache(stream, orderRepo, logger)
	} else {
		cache = dispatch.NewOrderStateCache(nil, orderRepo, logger)
	}

	broadcaster := dispatch.NewBroadcaster(logger)
	cache.SetBroadcaster(broadcaster)

	gatewayURL := config.GetStringOrDef("services.payment.url", "http://localhost:8090")
	gateway := payment.NewHTTPClient(gatewayURL)

	deadline := dispatch.DefaultExpiryDeadline
	if v := config.GetStringOrDef("orders.expiry.deadline", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid orders.expiry.deadline: %v", err)
		}
		deadline = d
	}

	service := dispatch.NewService(dispatch.ServiceDeps{
		Orders:      orderRepo,
		Agents:      agentRepo,
		Chats:       chatRepo,
		Transitions: transitionRepo,
		Gateway:     gateway,
		Publisher:   publisher,
		Cache:       cache,
		Audit:       dispatch.NewAuditLogger(logger),
	}, deadline, logger)

	sweepInterval := dispatch.DefaultSweepInterval
	if v := config.GetStringOrDef("orders.expiry.interval", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("Invalid orders.expiry.interval: %v", err)
		}
		sweepInterval = d
	}
	sweeper := dispatch.NewSweeper(service, sweepInterval, logger)

	bridge := dispatch.NewEventBridge(subscriber, cache, broadcaster, logger)

	sseHandler := dispatch.NewSSEHandler(broadcaster, cache, logger)
	handler := dispatch.NewHandler(service, sseHandler, config, logger)

	cacheLifecycle := aqm.LifecycleHooks{
		OnStart: cache.Warm,
	}

	publisherLifecycle := aqm.LifecycleHooks{
		OnStop: func(context.Context) error {
			return publisher.Close()
		},
	}

	subLifecycle := aqm.LifecycleHooks{
		OnStop: func(context.Context) error {
			return subscriber.Close()
		},
	}

	lifecycles := []interface{}{cacheLifecycle, bridge, sweeper, publisherLifecycle, subLifecycle}
	if stream != nil {
		lifecycles = append(lifecycles, aqm.LifecycleHooks{
			OnStop: func(context.Context) error {
				return stream.Close()
			},
		})
	}

	stack := middleware.DefaultStack(middleware.StackOptions{
		Logger:      logger,
		DisableCORS: true,
	})
	stack = append(stack, dispatch.Identity)

	options := []aqm.Option{
		aqm.WithConfig(config),
		aqm.WithLogger(logger),
		aqm.WithHTTPMiddleware(stack...),
		aqm.WithHTTPServerModules("web.port", handler),
		aqm.WithLifecycle(lifecycles...),
		aqm.WithHealthChecks(appName),
	}

	ms := aqm.NewMicro(options...)
	logger.Infof("Starting %s(%s)", appName, appVersion)

	if err := ms.Run(ctx); err != nil {
		log.Fatalf("%s(%s) stopped with error: %v", appName, appVersion, err)
	}

	// Repos are closed after the HTTP server is fully drained.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := baseRepo.Stop(shutdownCtx); err != nil {
		logger.Errorf("Cannot stop base repository: %v", err)
	}

	logger.Infof("%s(%s) stopped", appName, appVersion)
}
