package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlIdentityConfig struct {
	Name               string `yaml:"name"`
	Enabled            *bool  `yaml:"enabled"`
	Namespace          string `yaml:"namespace"`
	Topic              string `yaml:"topic"`
	CertificatePath    string `yaml:"certificate_path"`
	PrivateKeyPath     string `yaml:"private_key_path"`
	AuthorityChainPath string `yaml:"authority_chain_path"`
	Passphrase         string `yaml:"passphrase"`
}

type YamlApnConfig struct {
	Enabled                          bool                 `yaml:"enabled"`
	ProviderHost                     string               `yaml:"provider_host"`
	ProviderPort                     int                  `yaml:"provider_port"`
	FeedbackHost                     string               `yaml:"feedback_host"`
	FeedbackPort                     int                  `yaml:"feedback_port"`
	ConnectTimeoutSeconds            int                  `yaml:"connect_timeout_seconds"`
	FeedbackUpdateSeconds            int                  `yaml:"feedback_update_seconds"`
	SubscriptionPurgeSeconds         int                  `yaml:"subscription_purge_seconds"`
	SubscriptionPurgeIntervalSeconds int                  `yaml:"subscription_purge_interval_seconds"`
	EnableStaggering                 bool                 `yaml:"enable_staggering"`
	StaggerSeconds                   int                  `yaml:"stagger_seconds"`
	ConnectOffsetSeconds             *int                 `yaml:"connect_offset_seconds"`
	ExpirationSeconds                int                  `yaml:"expiration_seconds"`
	HistorySize                      int                  `yaml:"history_size"`
	RetrySeconds                     int                  `yaml:"retry_seconds"`
	Identities                       []YamlIdentityConfig `yaml:"identities"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string          `yaml:"project_id"`
	ListenAddr             string          `yaml:"listen_addr"`
	TopicID                string          `yaml:"topic_id"`
	SubscriptionID         string          `yaml:"subscription_id"`
	SubscriptionDLQTopicID string          `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig  `yaml:"cors"`
	RedisConfig            YamlRedisConfig `yaml:"redis"`
	ApnConfig              YamlApnConfig   `yaml:"apn"`
	NumPipelineWorkers     int             `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		Apn:                    newApnConfig(baseCfg.ApnConfig),
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"apn_enabled", cfg.Apn.Enabled,
		"apn_identities", len(cfg.Apn.Identities),
	)

	return cfg, nil
}

func newApnConfig(y YamlApnConfig) ApnConfig {
	cfg := ApnConfig{
		Enabled:          y.Enabled,
		ProviderHost:     y.ProviderHost,
		ProviderPort:     y.ProviderPort,
		FeedbackHost:     y.FeedbackHost,
		FeedbackPort:     y.FeedbackPort,
		ConnectTimeout:   seconds(y.ConnectTimeoutSeconds),
		FeedbackInterval: seconds(y.FeedbackUpdateSeconds),
		RetentionWindow:  seconds(y.SubscriptionPurgeSeconds),
		PurgeInterval:    seconds(y.SubscriptionPurgeIntervalSeconds),
		StaggerEnabled:   y.EnableStaggering,
		StaggerInterval:  seconds(y.StaggerSeconds),
		ConnectOffset:    DefaultConnectOffset,
		Expiration:       seconds(y.ExpirationSeconds),
		HistorySize:      y.HistorySize,
		RetryDelay:       seconds(y.RetrySeconds),
	}
	if y.ConnectOffsetSeconds != nil {
		cfg.ConnectOffset = seconds(*y.ConnectOffsetSeconds)
	}
	for _, id := range y.Identities {
		enabled := true
		if id.Enabled != nil {
			enabled = *id.Enabled
		}
		cfg.Identities = append(cfg.Identities, IdentityConfig{
			Name:               id.Name,
			Enabled:            enabled,
			Namespace:          id.Namespace,
			Topic:              id.Topic,
			CertificatePath:    id.CertificatePath,
			PrivateKeyPath:     id.PrivateKeyPath,
			AuthorityChainPath: id.AuthorityChainPath,
			Passphrase:         id.Passphrase,
		})
	}
	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
