// Package gateway is the entry point of the library. It wires configuration,
// logging, metrics, the rate gate, the REST client, the dispatcher and the
// shard manager into one kephasgate.Gateway.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/config"
	"github.com/luciancaetano/kephasgate/internal/dispatch"
	"github.com/luciancaetano/kephasgate/internal/metrics"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
	"github.com/luciancaetano/kephasgate/internal/rest"
	"github.com/luciancaetano/kephasgate/internal/shard"
)

type Config = config.Config
type Dialer = shard.Dialer
type REST = rest.Client
type MessageCreate = rest.MessageCreate
type BanCreate = rest.BanCreate
type Request = rest.Request
type APIError = rest.APIError
type ErrorSink = dispatch.ErrorSink

// DefaultConfig returns the default configuration. Token must still be set.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig reads the configuration from defaults, the file named by the
// "config" key, KEPHASGATE_* environment variables and flags bound to v.
func LoadConfig(v *viper.Viper) (Config, error) {
	return config.Load(v)
}

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	dialer     Dialer
	httpClient *http.Client
	sink       ErrorSink
}

// Option configures a Gateway.
type Option func(*options)

// WithLogger sets the logger used by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the gateway's Prometheus collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDialer replaces the websocket dialer used by shards.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithErrorSink receives handler errors. Errors carry the shard index; see
// kephasgate.ShardOf.
func WithErrorSink(sink ErrorSink) Option {
	return func(o *options) { o.sink = sink }
}

// Gateway implements kephasgate.Gateway.
type Gateway struct {
	cfg        Config
	logger     *zap.Logger
	gate       *ratelimit.Gate
	rest       *rest.Client
	dispatcher *dispatch.Dispatcher
	manager    *shard.Manager

	mu     sync.Mutex
	open   bool
	closed bool
	shards int
}

var _ kephasgate.Gateway = (*Gateway)(nil)

// New validates cfg and builds a gateway. Nothing connects until Open.
//
// Example:
//
//	cfg := gateway.DefaultConfig()
//	cfg.Token = os.Getenv("BOT_TOKEN")
//	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	gw.On(events.NameMessageCreate, onMessage)
//	if err := gw.Open(ctx); err != nil {
//	    return err
//	}
//	defer gw.Close(context.Background())
func New(cfg Config, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	m, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	gate := ratelimit.New(cfg.RateLimit(),
		ratelimit.WithLogger(o.logger.Named("ratelimit")),
		ratelimit.WithMetrics(m),
	)
	client := rest.New(cfg.REST(), gate,
		rest.WithLogger(o.logger.Named("rest")),
		rest.WithHTTPClient(o.httpClient),
	)
	dispatcher := dispatch.New(cfg.QueueSize,
		dispatch.WithLogger(o.logger.Named("dispatch")),
		dispatch.WithMetrics(m),
		dispatch.WithErrorSink(o.sink),
	)
	manager := shard.NewManager(cfg.Manager(), dispatcher,
		shard.WithLogger(o.logger.Named("shard")),
		shard.WithMetrics(m),
		shard.WithDialer(o.dialer),
	)

	return &Gateway{
		cfg:        cfg,
		logger:     o.logger,
		gate:       gate,
		rest:       client,
		dispatcher: dispatcher,
		manager:    manager,
	}, nil
}

// Open resolves the shard count and starts every shard. A configured count
// of zero asks the REST API for the recommended count.
func (g *Gateway) Open(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return fmt.Errorf("%w: gateway closed", kephasgate.ErrCancelled)
	}
	if g.open {
		return errors.New(kephasgate.ErrMsgAlreadyOpen)
	}

	count := g.cfg.Shards
	if count == 0 {
		bot, err := g.rest.GatewayBot(ctx)
		if err != nil {
			return fmt.Errorf("resolve shard count: %w", err)
		}
		count = bot.Shards
		if count <= 0 {
			count = 1
		}
		g.logger.Info("using recommended shard count",
			zap.Int("shards", count),
			zap.Int("identifies_remaining", bot.SessionStartLimit.Remaining))
	}

	if err := g.manager.Start(ctx, count); err != nil {
		return err
	}
	g.open = true
	g.shards = count
	return nil
}

// Close stops every shard, flushes queued events to their handlers and
// cancels pending REST calls. ctx bounds the whole shutdown.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	var errs []error
	if err := g.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	// Handlers waiting on the gate fail fast so the flush is not held up.
	g.gate.Close()
	if err := g.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	g.logger.Info("gateway closed")
	return errors.Join(errs...)
}

// On registers handler for eventName. Use events.Wildcard for every event.
func (g *Gateway) On(eventName string, handler kephasgate.Handler) {
	g.dispatcher.On(eventName, handler)
}

// REST returns the rate limited REST client.
func (g *Gateway) REST() *REST {
	return g.rest
}

// Retired reports shards that exhausted their reconnect budget.
func (g *Gateway) Retired() <-chan kephasgate.RetiredEvent {
	return g.manager.Retired()
}

// Shard returns shard index, or nil when it does not exist.
func (g *Gateway) Shard(index int) kephasgate.Shard {
	s := g.manager.Session(index)
	if s == nil {
		return nil
	}
	return s
}

// ShardCount returns the number of shards started by Open.
func (g *Gateway) ShardCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shards
}
