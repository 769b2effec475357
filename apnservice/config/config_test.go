package config_test

import (
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-apn-service/apnservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			SubscriptionID:     "base-sub",
			NumPipelineWorkers: 2,
			Apn: config.ApnConfig{
				Enabled: true,
				Identities: []config.IdentityConfig{
					{Name: "calendar", Enabled: true, Namespace: "/CalDAV/", CertificatePath: "cal.pem"},
				},
			},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("APN_PROVIDER_HOST", "gateway.sandbox.push.apple.com")
		t.Setenv("APN_PROVIDER_PORT", "12195")
		t.Setenv("APN_FEEDBACK_HOST", "feedback.sandbox.push.apple.com")
		t.Setenv("APN_FEEDBACK_PORT", "12196")
		t.Setenv("APN_ENABLE_STAGGERING", "true")
		t.Setenv("APN_STAGGER_SECONDS", "7")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "env-sub", finalCfg.SubscriptionID)
		assert.Equal(t, messagepipeline.NewGooglePubsubConsumerDefaults("env-sub"), finalCfg.PubsubConsumerConfig)
		assert.Equal(t, "gateway.sandbox.push.apple.com:12195", finalCfg.Apn.ProviderAddr())
		assert.Equal(t, "feedback.sandbox.push.apple.com:12196", finalCfg.Apn.FeedbackAddr())
		assert.True(t, finalCfg.Apn.StaggerEnabled)
		assert.Equal(t, 7*time.Second, finalCfg.Apn.StaggerInterval)
	})

	t.Run("Success - Defaults filled", func(t *testing.T) {
		cfg := baseConfig()
		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "base-project", finalCfg.ProjectID)
		assert.Equal(t, "gateway.push.apple.com:2195", finalCfg.Apn.ProviderAddr())
		assert.Equal(t, "feedback.push.apple.com:2196", finalCfg.Apn.FeedbackAddr())
		assert.Equal(t, 300*time.Second, finalCfg.Apn.FeedbackInterval)
		assert.Equal(t, 86400*time.Second, finalCfg.Apn.RetentionWindow)
		assert.Equal(t, 86400*time.Second, finalCfg.Apn.PurgeInterval)
		assert.Equal(t, 3*time.Second, finalCfg.Apn.StaggerInterval)
		assert.Equal(t, messagepipeline.NewGooglePubsubConsumerDefaults("base-sub"), finalCfg.PubsubConsumerConfig)
	})

	t.Run("Success - APN disabled by env skips identity checks", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Apn.Identities = []config.IdentityConfig{{Name: "broken", Enabled: true}}
		t.Setenv("APN_ENABLED", "false")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.False(t, finalCfg.Apn.Enabled)
	})

	t.Run("Validation Failure - Missing ProjectID", func(t *testing.T) {
		cfg := &config.Config{SubscriptionID: "sub"}
		os.Unsetenv("PROJECT_ID")
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})

	t.Run("Validation Failure - Identity without namespace", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Apn.Identities[0].Namespace = ""
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "namespace")
	})

	t.Run("Validation Failure - Duplicate identity", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Apn.Identities = append(cfg.Apn.Identities, cfg.Apn.Identities[0])
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.ErrorContains(t, err, "twice")
	})

	t.Run("Validation Failure - No enabled identity", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Apn.Identities[0].Enabled = false
		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		assert.Error(t, err)
	})
}
