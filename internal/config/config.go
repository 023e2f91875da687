// Package config loads the gateway configuration from defaults, an optional
// config file and KEPHASGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephasgate"
	"github.com/luciancaetano/kephasgate/internal/ratelimit"
	"github.com/luciancaetano/kephasgate/internal/rest"
	"github.com/luciancaetano/kephasgate/internal/shard"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "KEPHASGATE"

// Keys. They double as flag names and config file keys.
const (
	KeyConfig                 = "config"
	KeyToken                  = "token"
	KeyGatewayURL             = "gateway-url"
	KeyAPIURL                 = "api-url"
	KeyShards                 = "shards"
	KeyIntents                = "intents"
	KeyIdentifyStagger        = "identify-stagger"
	KeyHandshakeTimeout       = "handshake-timeout"
	KeyBackoffBase            = "backoff-base"
	KeyBackoffMax             = "backoff-max"
	KeyMaxFailures            = "max-failures"
	KeyHeartbeatMissTolerance = "heartbeat-miss-tolerance"
	KeyCloseGrace             = "close-grace"
	KeyRESTTimeout            = "rest-timeout"
	KeyGlobalRate             = "global-rate"
	KeyRouteCapacity          = "route-capacity"
	KeyRouteWindow            = "route-window"
	KeyQueueSize              = "queue-size"
	KeyCommandsPerMinute      = "commands-per-minute"
	KeyLogLevel               = "log-level"
	KeyMetricsListen          = "metrics-listen"
)

// Config is the complete gateway configuration.
type Config struct {
	Token      string `mapstructure:"token"`
	GatewayURL string `mapstructure:"gateway-url"`
	APIURL     string `mapstructure:"api-url"`
	// Shards is the shard count. Zero asks /gateway/bot for the recommended
	// count.
	Shards                 int           `mapstructure:"shards"`
	Intents                int           `mapstructure:"intents"`
	IdentifyStagger        time.Duration `mapstructure:"identify-stagger"`
	HandshakeTimeout       time.Duration `mapstructure:"handshake-timeout"`
	BackoffBase            time.Duration `mapstructure:"backoff-base"`
	BackoffMax             time.Duration `mapstructure:"backoff-max"`
	MaxFailures            int           `mapstructure:"max-failures"`
	HeartbeatMissTolerance int           `mapstructure:"heartbeat-miss-tolerance"`
	CloseGrace             time.Duration `mapstructure:"close-grace"`
	RESTTimeout            time.Duration `mapstructure:"rest-timeout"`
	// GlobalRate is the number of REST requests allowed per second.
	GlobalRate    int           `mapstructure:"global-rate"`
	RouteCapacity int           `mapstructure:"route-capacity"`
	RouteWindow   time.Duration `mapstructure:"route-window"`
	QueueSize     int           `mapstructure:"queue-size"`
	// CommandsPerMinute limits user commands per connection. Zero disables
	// the limit.
	CommandsPerMinute int    `mapstructure:"commands-per-minute"`
	LogLevel          string `mapstructure:"log-level"`
	MetricsListen     string `mapstructure:"metrics-listen"`
}

// Default returns the default configuration.
func Default() Config {
	sess := shard.DefaultConfig()
	rl := ratelimit.DefaultConfig()
	return Config{
		GatewayURL:             sess.URL,
		APIURL:                 rest.DefaultConfig().BaseURL,
		Shards:                 0,
		Intents:                kephasgate.IntentsDefault,
		IdentifyStagger:        5 * time.Second,
		HandshakeTimeout:       sess.HandshakeTimeout,
		BackoffBase:            sess.Backoff.Base,
		BackoffMax:             sess.Backoff.Max,
		MaxFailures:            sess.MaxFailures,
		HeartbeatMissTolerance: sess.HeartbeatMissTolerance,
		CloseGrace:             sess.CloseGrace,
		RESTTimeout:            rest.DefaultConfig().Timeout,
		GlobalRate:             rl.Global.Capacity,
		RouteCapacity:          rl.Route.Capacity,
		RouteWindow:            rl.Route.Window,
		QueueSize:              256,
		CommandsPerMinute:      110,
		LogLevel:               "info",
		MetricsListen:          "",
	}
}

// SetDefaults registers every key's default on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyConfig, "")
	v.SetDefault(KeyToken, d.Token)
	v.SetDefault(KeyGatewayURL, d.GatewayURL)
	v.SetDefault(KeyAPIURL, d.APIURL)
	v.SetDefault(KeyShards, d.Shards)
	v.SetDefault(KeyIntents, d.Intents)
	v.SetDefault(KeyIdentifyStagger, d.IdentifyStagger)
	v.SetDefault(KeyHandshakeTimeout, d.HandshakeTimeout)
	v.SetDefault(KeyBackoffBase, d.BackoffBase)
	v.SetDefault(KeyBackoffMax, d.BackoffMax)
	v.SetDefault(KeyMaxFailures, d.MaxFailures)
	v.SetDefault(KeyHeartbeatMissTolerance, d.HeartbeatMissTolerance)
	v.SetDefault(KeyCloseGrace, d.CloseGrace)
	v.SetDefault(KeyRESTTimeout, d.RESTTimeout)
	v.SetDefault(KeyGlobalRate, d.GlobalRate)
	v.SetDefault(KeyRouteCapacity, d.RouteCapacity)
	v.SetDefault(KeyRouteWindow, d.RouteWindow)
	v.SetDefault(KeyQueueSize, d.QueueSize)
	v.SetDefault(KeyCommandsPerMinute, d.CommandsPerMinute)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyMetricsListen, d.MetricsListen)
}

// Load reads the configuration from v. Defaults come first, then the file
// named by the "config" key, then KEPHASGATE_* environment variables and any
// flags bound to v.
func Load(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(v.GetString(KeyConfig)); path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("config file %q: %w", path, err)
		}
		if info.IsDir() {
			return Config{}, fmt.Errorf("config file %q is a directory", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Token) == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.GatewayURL == "" {
		errs = append(errs, errors.New("gateway-url is required"))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("api-url is required"))
	}
	if c.Shards < 0 {
		errs = append(errs, fmt.Errorf("shards must not be negative, got %d", c.Shards))
	}
	positive := []struct {
		key string
		d   time.Duration
	}{
		{KeyHandshakeTimeout, c.HandshakeTimeout},
		{KeyBackoffBase, c.BackoffBase},
		{KeyBackoffMax, c.BackoffMax},
		{KeyCloseGrace, c.CloseGrace},
		{KeyRESTTimeout, c.RESTTimeout},
		{KeyRouteWindow, c.RouteWindow},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}
	if c.IdentifyStagger < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %s", KeyIdentifyStagger, c.IdentifyStagger))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("%s (%s) is below %s (%s)", KeyBackoffMax, c.BackoffMax, KeyBackoffBase, c.BackoffBase))
	}
	if c.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeyMaxFailures, c.MaxFailures))
	}
	if c.HeartbeatMissTolerance < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeyHeartbeatMissTolerance, c.HeartbeatMissTolerance))
	}
	if c.GlobalRate <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyGlobalRate, c.GlobalRate))
	}
	if c.RouteCapacity <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyRouteCapacity, c.RouteCapacity))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyQueueSize, c.QueueSize))
	}
	if c.CommandsPerMinute < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative, got %d", KeyCommandsPerMinute, c.CommandsPerMinute))
	}
	return errors.Join(errs...)
}

// Manager returns the shard manager configuration.
func (c Config) Manager() shard.ManagerConfig {
	sess := shard.DefaultConfig()
	sess.Token = c.Token
	sess.URL = c.GatewayURL
	sess.Intents = c.Intents
	sess.HandshakeTimeout = c.HandshakeTimeout
	sess.Backoff = shard.Backoff{Base: c.BackoffBase, Max: c.BackoffMax}
	sess.MaxFailures = c.MaxFailures
	sess.HeartbeatMissTolerance = c.HeartbeatMissTolerance
	sess.CloseGrace = c.CloseGrace
	if c.CommandsPerMinute > 0 {
		sess.CommandRateLimit = &shard.CommandRateLimit{
			PerSecond: rate.Limit(float64(c.CommandsPerMinute) / 60),
			Burst:     c.CommandsPerMinute,
			Enabled:   true,
		}
	} else {
		sess.CommandRateLimit = shard.NoCommandRateLimit()
	}
	return shard.ManagerConfig{Session: sess, IdentifyStagger: c.IdentifyStagger}
}

// RateLimit returns the rate gate configuration.
func (c Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Global:         ratelimit.BucketConfig{Capacity: c.GlobalRate, Window: time.Second},
		Route:          ratelimit.BucketConfig{Capacity: c.RouteCapacity, Window: c.RouteWindow},
		DefaultTimeout: c.RESTTimeout,
	}
}

// REST returns the REST client configuration.
func (c Config) REST() rest.Config {
	r := rest.DefaultConfig()
	r.BaseURL = c.APIURL
	r.Token = c.Token
	r.Timeout = c.RESTTimeout
	return r
}
