package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/tsarna/wmslive/pkg/wmslive/config"
	"github.com/tsarna/wmslive/pkg/wmslive/hub"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	require.NoError(t, viper.BindPFlags(rootCmd.PersistentFlags()))
	require.NoError(t, viper.BindPFlags(watchCmd.Flags()))
	t.Cleanup(viper.Reset)
}

func TestHubDefinition(t *testing.T) {
	t.Run("from arguments", func(t *testing.T) {
		resetViper(t)

		def, topics, err := hubDefinition(nil, []string{"ws://wms.local/ws", "vehicles", "orders"})
		require.NoError(t, err)

		assert.Equal(t, "ws://wms.local/ws", def.URL)
		assert.Equal(t, config.TransportStomp, def.Transport)
		assert.Equal(t, hub.DefaultReconnectDelay, def.ReconnectDelay)
		assert.Equal(t, 10*time.Second, def.Heartbeat)
		assert.True(t, def.HeartbeatSet)
		assert.Equal(t, 10*time.Second, def.DialTimeout)
		assert.Equal(t, []string{"vehicles", "orders"}, topics)
	})

	t.Run("url required", func(t *testing.T) {
		resetViper(t)

		_, _, err := hubDefinition(nil, nil)
		assert.Error(t, err)
	})

	t.Run("unknown transport", func(t *testing.T) {
		resetViper(t)
		viper.Set("transport", "mqtt")

		_, _, err := hubDefinition(nil, []string{"ws://wms.local/ws"})
		assert.Error(t, err)
	})

	t.Run("flags override config", func(t *testing.T) {
		resetViper(t)

		cfg, diags := config.NewConfig().WithSources([]byte(`
hub {
  url                = "ws://cfg.local/ws"
  transport          = "vws"
  destination_prefix = "/topic/"
  reconnect_delay    = 2
  heartbeat          = 0
  topics             = ["vehicles"]
  headers            = { X-Client = "dashboard" }
}
`)).Build()
		require.False(t, diags.HasErrors(), "diagnostics: %v", diags)

		viper.Set("prefix", "/queue/")
		viper.Set("authorization", "Bearer abc")
		viper.Set("dial-timeout", 3*time.Second)

		def, topics, err := hubDefinition(cfg, []string{"orders"})
		require.NoError(t, err)

		assert.Equal(t, "ws://cfg.local/ws", def.URL)
		assert.Equal(t, config.TransportVWS, def.Transport)
		assert.Equal(t, "/queue/", def.DestinationPrefix)
		assert.Equal(t, 2*time.Second, def.ReconnectDelay)
		assert.Equal(t, time.Duration(0), def.Heartbeat)
		assert.Equal(t, 3*time.Second, def.DialTimeout)
		assert.Equal(t, []string{"vehicles", "orders"}, topics)
		assert.Equal(t, map[string]string{"X-Client": "dashboard", "Authorization": "Bearer abc"}, def.Headers)

		// the parsed configuration is left untouched
		assert.Equal(t, "/topic/", cfg.Hub.DestinationPrefix)
		assert.NotContains(t, cfg.Hub.Headers, "Authorization")
	})
}

func TestWatchTopics(t *testing.T) {
	t.Run("explicit topics are kept", func(t *testing.T) {
		topics, err := watchTopics(config.TransportStomp, []string{"vehicles"}, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"vehicles"}, topics)
	})

	t.Run("vws defaults to every topic", func(t *testing.T) {
		topics, err := watchTopics(config.TransportVWS, nil, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"#"}, topics)
	})

	t.Run("stomp needs topics", func(t *testing.T) {
		_, err := watchTopics(config.TransportStomp, nil, false)
		assert.ErrorContains(t, err, "stomp")
	})

	t.Run("config subscriptions are enough", func(t *testing.T) {
		topics, err := watchTopics(config.TransportStomp, nil, true)
		require.NoError(t, err)
		assert.Empty(t, topics)
	})
}

func TestWatchListener(t *testing.T) {
	logger := zaptest.NewLogger(t)
	payload := map[string]any{"vehicleId": "v-1", "status": "moving"}

	t.Run("prints json", func(t *testing.T) {
		var out bytes.Buffer
		listener, err := watchListener(&out, "vehicles", "", logger)
		require.NoError(t, err)

		listener(payload)
		assert.Equal(t, "vehicles\t{\"status\":\"moving\",\"vehicleId\":\"v-1\"}\n", out.String())
	})

	t.Run("applies jq", func(t *testing.T) {
		var out bytes.Buffer
		listener, err := watchListener(&out, "vehicles", ".vehicleId", logger)
		require.NoError(t, err)

		listener(payload)
		assert.Equal(t, "vehicles\t\"v-1\"\n", out.String())
	})

	t.Run("invalid jq", func(t *testing.T) {
		_, err := watchListener(&bytes.Buffer{}, "vehicles", ".[", logger)
		assert.Error(t, err)
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		var out bytes.Buffer
		listener, err := watchListener(&out, "vehicles", "", logger)
		require.NoError(t, err)

		listener(func() {})
		assert.Contains(t, out.String(), "vehicles\t<error marshaling JSON")
	})
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		expected zap.AtomicLevel
	}{
		{"default", nil, zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"log level", map[string]any{"log-level": "ERROR"}, zap.NewAtomicLevelAt(zap.ErrorLevel)},
		{"warning alias", map[string]any{"log-level": "warning"}, zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"unknown level", map[string]any{"log-level": "chatty"}, zap.NewAtomicLevelAt(zap.InfoLevel)},
		{"verbose", map[string]any{"verbose": true}, zap.NewAtomicLevelAt(zap.DebugLevel)},
		{"verbose keeps explicit level", map[string]any{"verbose": true, "log-level": "warn"}, zap.NewAtomicLevelAt(zap.WarnLevel)},
		{"debug wins", map[string]any{"debug": true, "log-level": "error"}, zap.NewAtomicLevelAt(zap.DebugLevel)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			for key, value := range tt.settings {
				viper.Set(key, value)
			}

			logger, err := setupLogger()
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.expected.Level()))
			if tt.expected.Level() > zap.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.expected.Level()-1))
			}
		})
	}
}
