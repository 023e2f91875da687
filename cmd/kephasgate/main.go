// Command kephasgate connects a bot to the gateway, answers !ping and serves
// Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/events"
	"github.com/luciancaetano/kephasgate/gateway"
	"github.com/luciancaetano/kephasgate/internal/config"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "kephasgate",
		Short:         "Gateway client for chat bots",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCommand(viper.New()), newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the kephasgate version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "kephasgate %s\n", kephasgate.Version)
			return err
		},
	}
}

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every shard and answer !ping until interrupted",
		Long: `Connects to the gateway with the configured number of shards (0 asks the
API for the recommended count), replies "pong" to every "!ping" message and
serves Prometheus metrics when --metrics-listen is set.

Configuration is read from flags, KEPHASGATE_* environment variables and an
optional YAML file given with --config.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := buildLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	d := config.Default()
	flags.String(config.KeyConfig, "", "path to a YAML config file")
	flags.String(config.KeyToken, "", "bot token")
	flags.String(config.KeyGatewayURL, d.GatewayURL, "gateway websocket URL")
	flags.String(config.KeyAPIURL, d.APIURL, "REST API base URL")
	flags.Int(config.KeyShards, d.Shards, "shard count, 0 uses the recommended count")
	flags.Int(config.KeyIntents, d.Intents, "gateway intents bitmask")
	flags.Duration(config.KeyIdentifyStagger, d.IdentifyStagger, "minimum spacing between identifies")
	flags.Duration(config.KeyHandshakeTimeout, d.HandshakeTimeout, "handshake timeout")
	flags.Duration(config.KeyBackoffBase, d.BackoffBase, "initial reconnect backoff")
	flags.Duration(config.KeyBackoffMax, d.BackoffMax, "maximum reconnect backoff")
	flags.Int(config.KeyMaxFailures, d.MaxFailures, "consecutive failures before a shard is retired")
	flags.Int(config.KeyHeartbeatMissTolerance, d.HeartbeatMissTolerance, "unacknowledged heartbeats tolerated")
	flags.Duration(config.KeyCloseGrace, d.CloseGrace, "graceful close deadline")
	flags.Duration(config.KeyRESTTimeout, d.RESTTimeout, "default REST call deadline")
	flags.Int(config.KeyGlobalRate, d.GlobalRate, "REST requests per second across all routes")
	flags.Int(config.KeyRouteCapacity, d.RouteCapacity, "initial per-route bucket capacity")
	flags.Duration(config.KeyRouteWindow, d.RouteWindow, "initial per-route bucket window")
	flags.Int(config.KeyQueueSize, d.QueueSize, "per-shard event queue size")
	flags.Int(config.KeyCommandsPerMinute, d.CommandsPerMinute, "gateway commands per connection per minute, 0 disables the limit")
	flags.String(config.KeyLogLevel, d.LogLevel, "log level (debug, info, warn, error)")
	flags.String(config.KeyMetricsListen, d.MetricsListen, "address serving /metrics, empty disables it")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})
	return cmd
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func run(ctx context.Context, cfg gateway.Config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := gateway.New(cfg, gateway.WithLogger(logger), gateway.WithRegisterer(reg))
	if err != nil {
		return err
	}
	gw.On(events.NameMessageCreate, pingHandler(gw, logger))
	gw.On(events.NameReady, func(ctx context.Context, shard int, ev kephasgate.Event) error {
		ready := ev.(*events.Ready)
		logger.Info("logged in", zap.Int("shard", shard), zap.String("user", ready.User.Username), zap.Int("guilds", len(ready.Guilds)))
		return nil
	})

	var metricsSrv *http.Server
	if cfg.MetricsListen != "" {
		metricsSrv, err = serveMetrics(cfg.MetricsListen, reg, logger)
		if err != nil {
			return err
		}
	}

	if err := gw.Open(ctx); err != nil {
		shutdown(gw, metricsSrv, logger)
		return err
	}
	logger.Info("gateway open", zap.Int("shards", gw.ShardCount()))

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return shutdown(gw, metricsSrv, logger)
		case ev := <-gw.Retired():
			logger.Error("shard retired", zap.Int("shard", ev.Shard), zap.Int("failures", ev.Failures), zap.Error(ev.Err))
		}
	}
}

func shutdown(gw *gateway.Gateway, metricsSrv *http.Server, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := gw.Close(ctx)
	if metricsSrv != nil {
		if serr := metricsSrv.Shutdown(ctx); serr != nil {
			logger.Warn("metrics server shutdown", zap.Error(serr))
		}
	}
	return err
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: ln.Addr().String(), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("metrics enabled", zap.String("listen", srv.Addr))
	return srv, nil
}

// pingHandler replies "pong" to "!ping" messages from users.
func pingHandler(gw *gateway.Gateway, logger *zap.Logger) kephasgate.Handler {
	return func(ctx context.Context, shard int, ev kephasgate.Event) error {
		msg := ev.(*events.MessageCreate)
		if msg.Author.Bot || strings.TrimSpace(msg.Content) != "!ping" {
			return nil
		}
		if _, err := gw.REST().CreateMessage(ctx, msg.ChannelID, gateway.MessageCreate{Content: "pong"}); err != nil {
			return fmt.Errorf("reply to %s: %w", msg.ID, err)
		}
		logger.Debug("answered ping", zap.Int("shard", shard), zap.Stringer("channel", msg.ChannelID))
		return nil
	}
}
