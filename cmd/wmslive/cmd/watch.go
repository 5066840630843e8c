package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/tsarna/wmslive/pkg/wmslive/config"
	"github.com/tsarna/wmslive/pkg/wmslive/hub"
	"github.com/tsarna/wmslive/pkg/wmslive/listeners"
	wmsotel "github.com/tsarna/wmslive/pkg/wmslive/otel"
	wmsprom "github.com/tsarna/wmslive/pkg/wmslive/prometheus"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [websocket-url] [topics...]",
	Short: "Print live events for one or more topics",
	Long: `Connect to the backend's live update endpoint and print every event
received on the given topics to stdout, one "topic<TAB>json" line per event.

The connection is re-established automatically after a network failure and
all topics are subscribed again. With --config the URL and further settings
are read from an HCL file; command line flags take precedence. Without any
topic the vws transport watches "#"; stomp needs at least one topic.

Examples:
  wmslive watch ws://localhost:8080/ws vehicles orders --prefix /topic/
  wmslive watch --transport vws ws://localhost:8080/ws "vehicles/#"
  wmslive watch --config dashboard.hcl --jq '{id: .vehicleId, status}'`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	flags := watchCmd.Flags()
	flags.String("config", "", "HCL configuration file or directory")
	flags.String("transport", config.TransportStomp, "transport protocol (stomp, vws)")
	flags.String("prefix", "", "destination prefix prepended to every topic, e.g. /topic/")
	flags.Duration("reconnect-delay", hub.DefaultReconnectDelay, "delay before reconnecting after a failure")
	flags.Duration("heartbeat", 10*time.Second, "heartbeat or ping interval, 0 disables")
	flags.Duration("dial-timeout", 10*time.Second, "connection handshake timeout")
	flags.String("authorization", "", "Authorization header sent with the WebSocket handshake")
	flags.String("login", "", "STOMP login")
	flags.String("passcode", "", "STOMP passcode")
	flags.Bool("receipts", false, "wait for STOMP receipts on subscribe")
	flags.String("jq", "", "jq query applied to each payload before printing")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")
	flags.Duration("status-interval", 0, "log the connection status at this interval, 0 disables")

	_ = viper.BindPFlags(flags)
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	var cfg *config.Config
	if path := viper.GetString("config"); path != "" {
		built, diags := config.NewConfig().WithLogger(logger).WithSources(path).Build()
		if diags.HasErrors() {
			return diags
		}
		cfg = built
	}

	def, topics, err := hubDefinition(cfg, args)
	if err != nil {
		return err
	}
	topics, err = watchTopics(def.Transport, topics, cfg != nil && len(cfg.Subscriptions) > 0)
	if err != nil {
		return err
	}

	logger.Info("Starting watch",
		zap.String("url", def.URL),
		zap.String("transport", def.Transport),
		zap.String("prefix", def.DestinationPrefix),
		zap.Strings("topics", topics),
	)

	tracker := hub.NewTracker()
	builder := hub.NewEventHub().
		WithLogger(logger).
		WithTransport(def.TransportFactory(logger)).
		WithDestinationPrefix(def.DestinationPrefix).
		WithReconnectPolicy(def.ReconnectPolicy()).
		WithOperationTimeout(def.OperationTimeout).
		WithMonitor(tracker).
		WithTracing(wmsotel.NewProvider("wmslive", Version))

	var registry *prometheus.Registry
	if viper.GetString("metrics-addr") != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		builder = builder.WithMetrics(wmsprom.NewProvider(registry, logger))
	}

	h, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create event hub: %w", err)
	}

	out := &lockedWriter{w: cmd.OutOrStdout()}
	for _, topic := range topics {
		listener, err := watchListener(out, topic, viper.GetString("jq"), logger)
		if err != nil {
			return err
		}
		if _, err := h.Subscribe(topic, listener); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", topic, err)
		}
	}

	if cfg != nil {
		detach, err := cfg.Attach(h)
		if err != nil {
			return err
		}
		defer detach()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if registry != nil {
		g.Go(func() error {
			return serveMetrics(ctx, viper.GetString("metrics-addr"), registry, logger)
		})
	}

	if interval := viper.GetDuration("status-interval"); interval > 0 {
		g.Go(func() error {
			reportStatus(ctx, interval, h, tracker, logger)
			return nil
		})
	}

	h.Activate()
	logger.Info("Listening for events... (Press Ctrl+C to exit)")

	<-ctx.Done()
	h.Deactivate()

	err = g.Wait()
	logger.Info("Shutdown complete")
	return err
}

// hubDefinition merges the configuration file's hub block with the command
// line. Flags win over the file; positional arguments are the URL (unless
// the file provides one) followed by topics.
func hubDefinition(cfg *config.Config, args []string) (*config.HubDefinition, []string, error) {
	def := &config.HubDefinition{}
	if cfg != nil && cfg.Hub != nil {
		copied := *cfg.Hub
		def = &copied
	}

	if def.URL == "" {
		if len(args) == 0 {
			return nil, nil, errors.New("a websocket URL is required")
		}
		def.URL = args[0]
		args = args[1:]
	}

	if def.Transport == "" || viper.IsSet("transport") {
		def.Transport = viper.GetString("transport")
	}
	if def.Transport != config.TransportStomp && def.Transport != config.TransportVWS {
		return nil, nil, fmt.Errorf("unknown transport %q", def.Transport)
	}

	if viper.IsSet("prefix") {
		def.DestinationPrefix = viper.GetString("prefix")
	}
	if def.ReconnectDelay == 0 || viper.IsSet("reconnect-delay") {
		def.ReconnectDelay = viper.GetDuration("reconnect-delay")
	}
	if !def.HeartbeatSet || viper.IsSet("heartbeat") {
		def.Heartbeat = viper.GetDuration("heartbeat")
		def.HeartbeatSet = true
	}
	if def.DialTimeout == 0 || viper.IsSet("dial-timeout") {
		def.DialTimeout = viper.GetDuration("dial-timeout")
	}
	if viper.IsSet("login") {
		def.Login = viper.GetString("login")
		def.Passcode = viper.GetString("passcode")
	}
	if viper.IsSet("receipts") {
		def.Receipts = viper.GetBool("receipts")
	}
	if auth := viper.GetString("authorization"); auth != "" {
		headers := make(map[string]string, len(def.Headers)+1)
		for k, v := range def.Headers {
			headers[k] = v
		}
		headers["Authorization"] = auth
		def.Headers = headers
	}

	topics := append([]string{}, def.Topics...)
	topics = append(topics, args...)

	return def, topics, nil
}

// watchTopics defaults to every topic when nothing else is watched. Only the
// vws transport has a portable wildcard for that; STOMP brokers disagree on
// wildcard syntax, so they need explicit topics.
func watchTopics(transport string, topics []string, haveSubscriptions bool) ([]string, error) {
	if len(topics) > 0 || haveSubscriptions {
		return topics, nil
	}
	if transport == config.TransportVWS {
		return []string{"#"}, nil
	}
	return nil, fmt.Errorf("at least one topic is required with the %s transport", transport)
}

// watchListener prints each payload for topic, optionally reshaped by a jq
// query first.
func watchListener(out io.Writer, topic, query string, logger *zap.Logger) (hub.Listener, error) {
	listener := printer(out, topic, logger)

	if query != "" {
		var err error
		listener, err = listeners.JQ(query, topic, logger, listener)
		if err != nil {
			return nil, err
		}
	}

	return listeners.Logging(logger, zapcore.DebugLevel, topic, listener), nil
}

func printer(out io.Writer, topic string, logger *zap.Logger) hub.Listener {
	return func(payload any) {
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			logger.Warn("Failed to marshal payload to JSON", zap.String("topic", topic), zap.Error(err))
			fmt.Fprintf(out, "%s\t<error marshaling JSON: %v>\n", topic, err)
			return
		}
		fmt.Fprintf(out, "%s\t%s\n", topic, jsonBytes)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func reportStatus(ctx context.Context, interval time.Duration, h *hub.EventHub, tracker *hub.Tracker, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logStatus(h, tracker, logger)
		}
	}
}

func logStatus(h *hub.EventHub, tracker *hub.Tracker, logger *zap.Logger) {
	fields := []zap.Field{
		zap.Stringer("status", h.Status()),
		zap.Strings("topics", h.Topics()),
		zap.Strings("subscribed", tracker.GetSubscriptionTopics()),
		zap.Int("reconnects", tracker.GetReconnectCount()),
		zap.Int("dropped", tracker.GetDropCount()),
	}
	if h.IsConnected() {
		fields = append(fields, zap.Duration("uptime", time.Since(tracker.GetConnectionTime())))
	} else if err := tracker.GetLastError(); err != nil {
		fields = append(fields, zap.NamedError("last_error", err))
	}
	logger.Info("Hub status", fields...)
}
