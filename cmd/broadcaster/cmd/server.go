package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster/config"
	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
	"github.com/tsarna/broadcaster/pkg/broadcaster/otel"
	"github.com/tsarna/broadcaster/pkg/broadcaster/websockets/server"
)

// serverCmd represents the server command
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the broadcaster hub",
	Long: `Start the channel hub and serve it over WebSocket.

The hub signing secret is taken from the server block of the configuration
file, or from --secret or the BROADCASTER_SECRET environment variable.

Examples:
  broadcaster server --secret 0123456789abcdef
  broadcaster server --config broadcaster.hcl --listen :9000`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

var (
	serverListen    string
	serverSecret    string
	serverOtel      bool
	shutdownTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(serverCmd)

	serverCmd.Flags().StringVar(&serverListen, "listen", "", "listen address, overrides the config file")
	serverCmd.Flags().StringVar(&serverSecret, "secret", os.Getenv("BROADCASTER_SECRET"), "auth key signing secret")
	serverCmd.Flags().BoolVar(&serverOtel, "otel", false, "report metrics and traces to the global OpenTelemetry providers")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
}

// hubPublisher lets the standalone metrics provider publish through a hub
// that is built after the provider.
type hubPublisher struct {
	hub *hub.Hub
}

func (p *hubPublisher) Publish(ctx context.Context, channel string, payload any) error {
	if p.hub == nil {
		return errors.New("hub is not running")
	}
	return p.hub.Publish(ctx, channel, payload)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	s := cfg.Server
	if serverListen != "" {
		s.Listen = serverListen
	}
	if s.Secret == "" {
		s.Secret = serverSecret
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	metrics, tracing, standalone, publisher := observability(cfg)

	builder := s.HubBuilder().WithLogger(logger.Named("hub"))
	if metrics != nil {
		builder = builder.WithMetrics(metrics)
	}
	if tracing != nil {
		builder = builder.WithTracing(tracing)
	}
	h, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}
	publisher.hub = h

	if err := h.Start(); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}
	defer h.Stop()

	listenerConfig := server.NewListenerConfig().
		WithHub(h).
		WithLogger(logger.Named("websocket")).
		WithQueueSize(s.QueueSize).
		WithPingInterval(config.Duration(s.PingInterval)).
		WithReadTimeout(config.Duration(s.ReadTimeout)).
		WithWriteTimeout(config.Duration(s.WriteTimeout)).
		WithPublishPolicy(s.PublishPolicy())
	if metrics != nil {
		listenerConfig = listenerConfig.WithMetrics(metrics)
	}
	listener, err := listenerConfig.Build()
	if err != nil {
		return fmt.Errorf("failed to create websocket listener: %w", err)
	}

	if standalone != nil {
		if err := standalone.Start(); err != nil {
			return fmt.Errorf("failed to start metrics: %w", err)
		}
		defer standalone.Stop()
	}

	mux := http.NewServeMux()
	mux.Handle(s.Path, listener)
	httpServer := &http.Server{
		Addr:              s.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	logger.Info("Broadcaster server started",
		zap.String("listen", s.Listen),
		zap.String("path", s.Path),
		zap.String("config", configFile),
		zap.Bool("metrics", standalone != nil),
		zap.Bool("otel", serverOtel),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Signal received, shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := listener.Shutdown(ctx); err != nil {
		logger.Warn("Error during websocket shutdown", zap.Error(err))
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("Error during HTTP shutdown", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return nil
}

// observability picks the metrics and tracing providers. OpenTelemetry takes
// precedence over the standalone provider from the metrics block.
func observability(cfg *config.Config) (o11y.MetricsProvider, o11y.TracingProvider, *o11y.StandaloneProvider, *hubPublisher) {
	publisher := &hubPublisher{}

	if serverOtel {
		provider := otel.NewProvider(cfg.Metrics.ServiceName, version)
		return provider, provider, nil, publisher
	}

	if cfg.Metrics.Enabled {
		standalone := o11y.NewStandaloneProvider(publisher, cfg.Metrics.StandaloneConfig())
		return standalone, nil, standalone, publisher
	}

	return nil, nil, nil, publisher
}
