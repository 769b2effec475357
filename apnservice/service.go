package apnservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-apn-service/apnservice/config"
	"github.com/tinywideclouds/go-apn-service/internal/api"
	"github.com/tinywideclouds/go-apn-service/internal/apn"
	"github.com/tinywideclouds/go-apn-service/internal/clock"
	"github.com/tinywideclouds/go-apn-service/internal/pipeline"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.ChangeEvent]
	pushService     *PushService
	logger          *slog.Logger
}

// New assembles the service: the change-event pipeline feeding the push
// engine, and the authenticated subscription API.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	pushService *PushService,
	store push.SubscriptionStore,
	clk clock.Clock,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Processor
	processor := pipeline.NewProcessor(pushService, logger)

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.ChangeEventTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API (Subscription Registration)
	subscriptionAPI := api.NewSubscriptionAPI(store, pushService, clk, logger)

	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(authMiddleware(handlerFunc)))
	}

	handle("POST /api/v1/apn/subscriptions", subscriptionAPI.Register)
	handle("DELETE /api/v1/apn/subscriptions", subscriptionAPI.Unregister)
	handle("GET /api/v1/apn/subscriptions", subscriptionAPI.List)
	handle("GET /api/v1/apn/topics", subscriptionAPI.ListTopics)

	// Global OPTIONS for the API namespace (CORS preflight)
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	apn.RegisterMetrics()
	mux.Handle("GET /metrics", promhttp.Handler())

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		pushService:     pushService,
		logger:          logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Push engine starting...")
	if err := w.pushService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start push service: %w", err)
	}
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	w.pushService.Stop()
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
