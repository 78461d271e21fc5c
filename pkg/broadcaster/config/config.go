// Package config loads the HCL configuration file used by the broadcaster
// command line tools.
//
// A configuration file has up to four top level blocks:
//
//	server {
//	  listen         = ":8080"
//	  secret         = env.BROADCASTER_SECRET
//	  grant_patterns = ["user/+", "team/+"]
//	}
//
//	manager {
//	  subscribe_timeout = "10s"
//	}
//
//	logging {
//	  level = "debug"
//	  file  = "/var/log/broadcaster.log"
//	}
//
//	metrics {
//	  channel  = "system-metrics"
//	  interval = "1m"
//	}
//
// Expressions may reference environment variables through the env object and
// call the functions listed in Functions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"

	"github.com/tsarna/broadcaster/pkg/broadcaster"
	"github.com/tsarna/broadcaster/pkg/broadcaster/hub"
	"github.com/tsarna/broadcaster/pkg/broadcaster/logging"
	"github.com/tsarna/broadcaster/pkg/broadcaster/o11y"
)

// Config is a decoded configuration file. Blocks that are absent from the
// file are filled with defaults, so none of them is nil after Build.
type Config struct {
	Server  *ServerBlock  `hcl:"server,block"`
	Manager *ManagerBlock `hcl:"manager,block"`
	Logging *LoggingBlock `hcl:"logging,block"`
	Metrics *MetricsBlock `hcl:"metrics,block"`
}

// ServerBlock configures the hub and its websocket listener.
type ServerBlock struct {
	Listen string `hcl:"listen,optional" validate:"hostname_port"`
	Path   string `hcl:"path,optional" validate:"startswith=/"`

	Secret        string  `hcl:"secret,optional" validate:"omitempty,min=16"`
	Issuer        string  `hcl:"issuer,optional"`
	Retention     string  `hcl:"retention,optional" validate:"duration"`
	PruneSchedule string  `hcl:"prune_schedule,optional"`
	GrantRate     float64 `hcl:"grant_rate,optional" validate:"gt=0"`
	GrantBurst    int     `hcl:"grant_burst,optional" validate:"gt=0"`

	// GrantPatterns are mqtt style kind/id patterns, GrantPrefixes plain
	// channel name prefixes. When both are empty the hub default policy
	// applies.
	GrantPatterns []string `hcl:"grant_patterns,optional" validate:"dive,required"`
	GrantPrefixes []string `hcl:"grant_prefixes,optional" validate:"dive,required"`
	// PublishPrefixes lists the channel prefixes websocket clients may
	// publish to. Publishing is refused when it is empty.
	PublishPrefixes []string `hcl:"publish_prefixes,optional" validate:"dive,required"`

	QueueSize    int    `hcl:"queue_size,optional" validate:"gt=0"`
	PingInterval string `hcl:"ping_interval,optional" validate:"duration"`
	ReadTimeout  string `hcl:"read_timeout,optional" validate:"duration"`
	WriteTimeout string `hcl:"write_timeout,optional" validate:"duration"`
}

// ManagerBlock overrides connection manager tunables. Unset attributes keep
// the values from broadcaster.DefaultConfig.
type ManagerBlock struct {
	TickInterval           string `hcl:"tick_interval,optional" validate:"omitempty,duration"`
	LongTick               string `hcl:"long_tick,optional" validate:"omitempty,duration"`
	SubscribeTimeout       string `hcl:"subscribe_timeout,optional" validate:"omitempty,duration"`
	ThresholdBuffer        string `hcl:"threshold_buffer,optional" validate:"omitempty,duration"`
	FreshSessionLookback   string `hcl:"fresh_session_lookback,optional" validate:"omitempty,duration"`
	CatchUpWindow          string `hcl:"catch_up_window,optional" validate:"omitempty,duration"`
	DedupWindow            string `hcl:"dedup_window,optional" validate:"omitempty,duration"`
	MaxReplayPerChannel    int    `hcl:"max_replay_per_channel,optional" validate:"gte=0"`
	HistoryPageSize        int    `hcl:"history_page_size,optional" validate:"gte=0,lte=25"`
	FetchConcurrency       int    `hcl:"fetch_concurrency,optional" validate:"gte=0"`
	AbortAfterResubscribes int    `hcl:"abort_after_resubscribes,optional" validate:"gte=0"`
}

// LoggingBlock configures the process logger.
type LoggingBlock struct {
	Level      string `hcl:"level,optional" validate:"omitempty,oneof=debug info warn warning error"`
	File       string `hcl:"file,optional"`
	MaxSizeMB  int    `hcl:"max_size_mb,optional" validate:"gte=0"`
	MaxBackups int    `hcl:"max_backups,optional" validate:"gte=0"`
	MaxAgeDays int    `hcl:"max_age_days,optional" validate:"gte=0"`
	Compress   bool   `hcl:"compress,optional"`
}

// MetricsBlock configures the standalone metrics provider, which publishes
// snapshots to a hub channel.
type MetricsBlock struct {
	Enabled     bool   `hcl:"enabled,optional"`
	Channel     string `hcl:"channel,optional" validate:"required"`
	Interval    string `hcl:"interval,optional" validate:"duration"`
	ServiceName string `hcl:"service_name,optional"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	return v
}

// Builder loads a Config from a file or from an in-memory source.
type Builder struct {
	logger   *zap.Logger
	filename string
	src      []byte
	environ  []string
}

// New creates a Builder that reads the process environment.
func New() *Builder {
	return &Builder{environ: os.Environ()}
}

// WithLogger sets the logger used to report the loaded configuration
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithFile reads the configuration from the named file. An empty name
// yields the defaults.
func (b *Builder) WithFile(filename string) *Builder {
	b.filename = filename
	b.src = nil
	return b
}

// WithSource parses src instead of reading a file. filename is used in
// diagnostics and must end in .hcl or .json to select the syntax.
func (b *Builder) WithSource(filename string, src []byte) *Builder {
	b.filename = filename
	b.src = src
	return b
}

// WithEnviron replaces the environment exposed as env, in os.Environ form.
func (b *Builder) WithEnviron(environ []string) *Builder {
	b.environ = environ
	return b
}

// Build decodes, fills in defaults and validates the configuration. Decode
// failures are returned as hcl.Diagnostics.
func (b *Builder) Build() (*Config, error) {
	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := &Config{}

	if b.filename != "" {
		src := b.src
		if src == nil {
			var err error
			src, err = os.ReadFile(b.filename)
			if err != nil {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}

		if err := hclsimple.Decode(b.filename, src, b.evalContext(), cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Debug("Loaded config",
		zap.String("file", b.filename),
		zap.String("listen", cfg.Server.Listen),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	return cfg, nil
}

func (b *Builder) evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": EnvObject(b.environ),
		},
		Functions: Functions(b.baseDir()),
	}
}

func (b *Builder) baseDir() string {
	if b.filename == "" || b.src != nil {
		return "."
	}
	return filepath.Dir(b.filename)
}

func (c *Config) applyDefaults() {
	if c.Server == nil {
		c.Server = &ServerBlock{}
	}
	if c.Manager == nil {
		c.Manager = &ManagerBlock{}
	}
	if c.Logging == nil {
		c.Logging = &LoggingBlock{}
	}
	if c.Metrics == nil {
		c.Metrics = &MetricsBlock{}
	}

	s := c.Server
	setDefault(&s.Listen, ":8080")
	setDefault(&s.Path, "/ws")
	setDefault(&s.Issuer, "broadcaster")
	setDefault(&s.Retention, "720h")
	setDefault(&s.PruneSchedule, "@every 1m")
	setDefault(&s.PingInterval, "30s")
	setDefault(&s.ReadTimeout, "30s")
	setDefault(&s.WriteTimeout, "10s")
	if s.GrantRate == 0 {
		s.GrantRate = 50
	}
	if s.GrantBurst == 0 {
		s.GrantBurst = 10
	}
	if s.QueueSize == 0 {
		s.QueueSize = 100
	}

	setDefault(&c.Logging.Level, "info")

	m := c.Metrics
	setDefault(&m.Channel, "system-metrics")
	setDefault(&m.Interval, "30s")
	setDefault(&m.ServiceName, "broadcaster")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks every block against its constraints.
func (c *Config) Validate() error {
	blocks := []struct {
		name  string
		value any
	}{
		{"server", c.Server},
		{"manager", c.Manager},
		{"logging", c.Logging},
		{"metrics", c.Metrics},
	}
	for _, block := range blocks {
		if err := validate.Struct(block.value); err != nil {
			return fmt.Errorf("invalid %s block: %w", block.name, err)
		}
	}

	if _, err := c.ManagerConfig(); err != nil {
		return err
	}

	return nil
}

// Duration parses a duration attribute that has already passed validation.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// GrantPolicy builds the hub grant policy from the patterns and prefixes.
func (s *ServerBlock) GrantPolicy() hub.GrantPolicy {
	if len(s.GrantPatterns) == 0 && len(s.GrantPrefixes) == 0 {
		return hub.DefaultPolicy()
	}

	policies := make([]hub.GrantPolicy, 0, len(s.GrantPatterns)+len(s.GrantPrefixes))
	for _, pattern := range s.GrantPatterns {
		policies = append(policies, hub.AllowChannelPattern(pattern))
	}
	for _, prefix := range s.GrantPrefixes {
		policies = append(policies, hub.AllowChannelPrefix(prefix))
	}
	return hub.AnyOf(policies...)
}

// PublishPolicy decides which channels websocket clients may publish to.
func (s *ServerBlock) PublishPolicy() hub.GrantPolicy {
	if len(s.PublishPrefixes) == 0 {
		return hub.DenyAllChannels
	}

	policies := make([]hub.GrantPolicy, 0, len(s.PublishPrefixes))
	for _, prefix := range s.PublishPrefixes {
		policies = append(policies, hub.AllowChannelPrefix(prefix))
	}
	return hub.AnyOf(policies...)
}

// HubBuilder returns a hub builder carrying the server settings.
func (s *ServerBlock) HubBuilder() *hub.Builder {
	return hub.New().
		WithSecret([]byte(s.Secret)).
		WithIssuer(s.Issuer).
		WithPolicy(s.GrantPolicy()).
		WithGrantRate(s.GrantRate, s.GrantBurst).
		WithRetention(Duration(s.Retention)).
		WithPruneSchedule(s.PruneSchedule)
}

// ManagerConfig overlays the block onto broadcaster.DefaultConfig and
// validates the result.
func (c *Config) ManagerConfig() (broadcaster.Config, error) {
	cfg := broadcaster.DefaultConfig()
	m := c.Manager

	overlay := func(target *time.Duration, value string) {
		if value != "" {
			*target = Duration(value)
		}
	}
	overlay(&cfg.TickInterval, m.TickInterval)
	overlay(&cfg.LongTick, m.LongTick)
	overlay(&cfg.SubscribeTimeout, m.SubscribeTimeout)
	overlay(&cfg.ThresholdBuffer, m.ThresholdBuffer)
	overlay(&cfg.FreshSessionLookback, m.FreshSessionLookback)
	overlay(&cfg.CatchUpWindow, m.CatchUpWindow)
	overlay(&cfg.DedupWindow, m.DedupWindow)

	if m.MaxReplayPerChannel > 0 {
		cfg.MaxReplayPerChannel = m.MaxReplayPerChannel
	}
	if m.HistoryPageSize > 0 {
		cfg.HistoryPageSize = m.HistoryPageSize
	}
	if m.FetchConcurrency > 0 {
		cfg.FetchConcurrency = m.FetchConcurrency
	}
	if m.AbortAfterResubscribes > 0 {
		cfg.AbortAfterResubscribes = m.AbortAfterResubscribes
	}

	if err := cfg.Validate(); err != nil {
		return broadcaster.Config{}, err
	}
	return cfg, nil
}

// Options converts the block to logger options.
func (l *LoggingBlock) Options() logging.Options {
	return logging.Options{
		Level:      l.Level,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Compress:   l.Compress,
	}
}

// StandaloneConfig converts the block to standalone metrics settings.
func (m *MetricsBlock) StandaloneConfig() *o11y.StandaloneConfig {
	return &o11y.StandaloneConfig{
		Interval:    Duration(m.Interval),
		Channel:     m.Channel,
		ServiceName: m.ServiceName,
	}
}
