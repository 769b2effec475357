// --- File: cmd/apnservice/main.go ---
package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/spf13/pflag"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-apn-service/apnservice"
	"github.com/tinywideclouds/go-apn-service/apnservice/config"
	"github.com/tinywideclouds/go-apn-service/internal/apn"
	"github.com/tinywideclouds/go-apn-service/internal/clock"
	"github.com/tinywideclouds/go-apn-service/internal/storage/cache"
	fsStore "github.com/tinywideclouds/go-apn-service/internal/storage/firestore"
	"github.com/tinywideclouds/go-apn-service/pkg/push"
)

//go:embed local.yaml
var configFile []byte

const subscriptionCacheTTL = 24 * time.Hour

func main() {
	flagSet := pflag.NewFlagSet("apnservice", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "path to a YAML config file (defaults to the embedded local.yaml)")
	logLevelFlag := flagSet.String("log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	level := *logLevelFlag
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})).With("service", "go-apn-service")
	slog.SetDefault(logger)

	ctx := context.Background()

	// --- Config Loading ---
	raw := configFile
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			logger.Error("Failed to read config file", "path", *configPath, "err", err)
			os.Exit(1)
		}
		raw = data
	}
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(raw, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Infrastructure Clients ---
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("PubSub client failed", "err", err)
		os.Exit(1)
	}
	defer psClient.Close()

	fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		logger.Error("Firestore client failed", "err", err)
		os.Exit(1)
	}
	defer fsClient.Close()

	// --- Subscription Store (Decorated) ---
	var store push.SubscriptionStore = fsStore.NewSubscriptionStore(fsClient)
	logger.Info("SubscriptionStore initialized", "type", "firestore")

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		store = cache.NewCachedSubscriptionStore(store, redisClient, subscriptionCacheTTL)
		logger.Info("SubscriptionStore upgraded", "type", "redis_cached_firestore")
	}

	// --- Gateway Connector ---
	connector, err := newConnector(cfg.Apn, logger)
	if err != nil {
		logger.Error("APN connector failed", "err", err)
		os.Exit(1)
	}
	pushService := apnservice.NewPushService(cfg.Apn, store, connector, clock.Real(), logger)

	// --- Auth ---
	identityURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityURL == "" {
		identityURL = "http://localhost:3000"
	}
	jwksURL, _ := middleware.DiscoverAndValidateJWTConfig(identityURL, middleware.RSA256, logger)
	authMiddleware, _ := middleware.NewJWKSAuthMiddleware(jwksURL, logger)

	// --- Consumer & Service ---
	consumer, err := newIngestionConsumer(ctx, cfg, psClient, logger)
	if err != nil {
		logger.Error("Consumer creation failed", "err", err)
		os.Exit(1)
	}

	service, err := apnservice.New(
		cfg,
		consumer,
		pushService,
		store,
		clock.Real(),
		authMiddleware,
		logger,
	)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newConnector loads the client certificate of every enabled identity.
func newConnector(cfg config.ApnConfig, logger *slog.Logger) (*apn.TLSConnector, error) {
	connector := apn.NewTLSConnector(cfg.ProviderAddr(), cfg.FeedbackAddr(), cfg.ConnectTimeout)
	if !cfg.Enabled {
		logger.Warn("APN push disabled in configuration")
		return connector, nil
	}
	for _, id := range cfg.EnabledIdentities() {
		cert, err := apn.LoadCertificate(apn.Credentials{
			CertificatePath:    id.CertificatePath,
			PrivateKeyPath:     id.PrivateKeyPath,
			AuthorityChainPath: id.AuthorityChainPath,
			Passphrase:         id.Passphrase,
		})
		if err != nil {
			return nil, fmt.Errorf("identity %s: %w", id.Name, err)
		}
		connector.AddIdentity(id.Name, cert)
		logger.Info("Loaded APN identity", "identity", id.Name, "topic", id.Topic, "namespace", id.Namespace)
	}
	return connector, nil
}

func newIngestionConsumer(ctx context.Context, cfg *config.Config, psClient *pubsub.Client, logger *slog.Logger) (messagepipeline.MessageConsumer, error) {
	sub := convertPubsub(cfg.ProjectID, cfg.SubscriptionID, "subscriptions")
	topicID := convertPubsub(cfg.ProjectID, cfg.TopicID, "topics")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              topicID,
		AckDeadlineSeconds: 10,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(5 * time.Second),
		},
		EnableMessageOrdering: false,
	}
	if cfg.SubscriptionDLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(cfg.ProjectID, cfg.SubscriptionDLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}
	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
		} else {
			logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create sub %s: %w", sub, err)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(cfg.PubsubConsumerConfig, psClient, logger)
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
