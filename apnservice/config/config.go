package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	DefaultProviderHost     = "gateway.push.apple.com"
	DefaultProviderPort     = 2195
	DefaultFeedbackHost     = "feedback.push.apple.com"
	DefaultFeedbackPort     = 2196
	DefaultFeedbackInterval = 300 * time.Second
	DefaultRetentionWindow  = 86400 * time.Second
	DefaultPurgeInterval    = 86400 * time.Second
	DefaultStaggerInterval  = 3 * time.Second
	DefaultConnectOffset    = time.Second
	DefaultConnectTimeout   = 10 * time.Second
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// IdentityConfig describes one application identity: the resource
// namespace it serves, its topic and its client certificate.
type IdentityConfig struct {
	Name               string
	Enabled            bool
	Namespace          string
	Topic              string
	CertificatePath    string
	PrivateKeyPath     string
	AuthorityChainPath string
	Passphrase         string
}

// ApnConfig holds the gateway endpoints and delivery policy.
type ApnConfig struct {
	Enabled          bool
	ProviderHost     string
	ProviderPort     int
	FeedbackHost     string
	FeedbackPort     int
	ConnectTimeout   time.Duration
	FeedbackInterval time.Duration
	RetentionWindow  time.Duration
	PurgeInterval    time.Duration
	StaggerEnabled   bool
	StaggerInterval  time.Duration
	ConnectOffset    time.Duration
	Expiration       time.Duration
	HistorySize      int
	RetryDelay       time.Duration
	Identities       []IdentityConfig
}

func (c ApnConfig) ProviderAddr() string {
	return fmt.Sprintf("%s:%d", c.ProviderHost, c.ProviderPort)
}

func (c ApnConfig) FeedbackAddr() string {
	return fmt.Sprintf("%s:%d", c.FeedbackHost, c.FeedbackPort)
}

// EnabledIdentities returns the identities that should be connected.
func (c ApnConfig) EnabledIdentities() []IdentityConfig {
	var out []IdentityConfig
	for _, id := range c.Identities {
		if id.Enabled {
			out = append(out, id)
		}
	}
	return out
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Apn        ApnConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables, defaults and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	// APN Overrides
	if val := os.Getenv("APN_ENABLED"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			logger.Debug("Overriding config value", "key", "APN_ENABLED", "source", "env")
			cfg.Apn.Enabled = enabled
		}
	}
	if val := os.Getenv("APN_PROVIDER_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "APN_PROVIDER_HOST", "source", "env")
		cfg.Apn.ProviderHost = val
	}
	if val := os.Getenv("APN_PROVIDER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			logger.Debug("Overriding config value", "key", "APN_PROVIDER_PORT", "source", "env")
			cfg.Apn.ProviderPort = port
		}
	}
	if val := os.Getenv("APN_FEEDBACK_HOST"); val != "" {
		logger.Debug("Overriding config value", "key", "APN_FEEDBACK_HOST", "source", "env")
		cfg.Apn.FeedbackHost = val
	}
	if val := os.Getenv("APN_FEEDBACK_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			logger.Debug("Overriding config value", "key", "APN_FEEDBACK_PORT", "source", "env")
			cfg.Apn.FeedbackPort = port
		}
	}
	if val := os.Getenv("APN_ENABLE_STAGGERING"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			logger.Debug("Overriding config value", "key", "APN_ENABLE_STAGGERING", "source", "env")
			cfg.Apn.StaggerEnabled = enabled
		}
	}
	if val := os.Getenv("APN_STAGGER_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil && seconds > 0 {
			logger.Debug("Overriding config value", "key", "APN_STAGGER_SECONDS", "source", "env")
			cfg.Apn.StaggerInterval = time.Duration(seconds) * time.Second
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if err := validateApn(&cfg.Apn); err != nil {
		return nil, err
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

// validateApn fills defaults and rejects identities that cannot be served.
func validateApn(c *ApnConfig) error {
	if c.ProviderHost == "" {
		c.ProviderHost = DefaultProviderHost
	}
	if c.ProviderPort == 0 {
		c.ProviderPort = DefaultProviderPort
	}
	if c.FeedbackHost == "" {
		c.FeedbackHost = DefaultFeedbackHost
	}
	if c.FeedbackPort == 0 {
		c.FeedbackPort = DefaultFeedbackPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.FeedbackInterval <= 0 {
		c.FeedbackInterval = DefaultFeedbackInterval
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = DefaultPurgeInterval
	}
	if c.StaggerInterval <= 0 {
		c.StaggerInterval = DefaultStaggerInterval
	}
	if c.ConnectOffset < 0 {
		c.ConnectOffset = DefaultConnectOffset
	}

	if !c.Enabled {
		return nil
	}
	seen := make(map[string]bool)
	for _, id := range c.Identities {
		if id.Name == "" {
			return fmt.Errorf("apn identity is missing a name")
		}
		if seen[id.Name] {
			return fmt.Errorf("apn identity %q is defined twice", id.Name)
		}
		seen[id.Name] = true
		if !id.Enabled {
			continue
		}
		if id.Namespace == "" {
			return fmt.Errorf("apn identity %q requires a namespace", id.Name)
		}
		if id.CertificatePath == "" {
			return fmt.Errorf("apn identity %q requires certificate_path", id.Name)
		}
	}
	if len(c.EnabledIdentities()) == 0 {
		return fmt.Errorf("apn is enabled but no identity is enabled")
	}
	return nil
}
