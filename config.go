package admit

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rbaliyan/admit/ratelimit"
)

// Config is the top-level configuration of a Gate and the admitd service.
type Config struct {
	// Tiers holds the per-tier budgets. DefaultTier must be present.
	Tiers       map[ratelimit.Tier]ratelimit.TierConfig
	DefaultTier ratelimit.Tier
	// Rules are the ordered classification rules. Empty means
	// ratelimit.DefaultRules().
	Rules []RuleConfig

	// DailyCap is the per-user daily cap shared by every tier. Zero
	// disables it.
	DailyCap int
	// Policy decides whether a rejecting window stops later windows from
	// being consumed.
	Policy ratelimit.ConsumptionPolicy

	MaxQueuePerUser int
	MaxTotalPending int
	// MaxGlobalRunning caps concurrently running tasks. It cannot change
	// on Reload.
	MaxGlobalRunning int

	// DedupeSize is how many recent event IDs are remembered for duplicate
	// suppression. Zero disables it.
	DedupeSize int
	// TaskTimeout bounds each task through its context. Zero means none.
	TaskTimeout time.Duration
	// LocalMaxKeys bounds the in-memory window counter.
	LocalMaxKeys int

	Redis RedisConfig
	NATS  NATSConfig
	HTTP  HTTPConfig
}

// RuleConfig maps one command or attachment kind to a tier. Exactly one of
// Command and Attachment must be set.
type RuleConfig struct {
	Command    string `json:"command,omitempty"`
	Attachment string `json:"attachment,omitempty"`
	Tier       string `json:"tier"`
}

// RedisConfig configures the shared window counter. The counter is local
// to the process when Addrs is empty.
type RedisConfig struct {
	Addrs    []string
	Password string
	DB       int
	Prefix   string
	// ProbeInterval is how often Redis is retried while degraded.
	ProbeInterval time.Duration
	// DedupeTTL is how long event IDs are remembered in Redis for duplicate
	// suppression across instances. Zero keeps duplicate suppression local.
	DedupeTTL time.Duration
}

// Enabled reports whether a Redis counter should be used.
func (c RedisConfig) Enabled() bool {
	return len(c.Addrs) > 0
}

// NATSConfig configures event ingest. Ingest is disabled when URL is empty.
type NATSConfig struct {
	URL string
	// Subject carries inbound events.
	Subject string
	// Queue is the queue group shared by admitd instances.
	Queue string
	// RejectSubject receives rejection notices. Empty disables them.
	RejectSubject string
	// WorkSubject receives accepted events as requests, one at a time per
	// user.
	WorkSubject    string
	RequestTimeout time.Duration
	// Codec is "json" or "msgpack".
	Codec string
}

// Enabled reports whether NATS ingest should be started.
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// HTTPConfig holds the monitor HTTP server settings.
type HTTPConfig struct {
	Addr string
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Tiers:            ratelimit.DefaultTiers(),
		DefaultTier:      ratelimit.TierChat,
		DailyCap:         ratelimit.DefaultDailyCap,
		Policy:           ratelimit.ShortCircuit,
		MaxQueuePerUser:  25,
		MaxTotalPending:  1000,
		MaxGlobalRunning: 8,
		DedupeSize:       10_000,
		LocalMaxKeys:     ratelimit.DefaultMaxKeys,
		Redis: RedisConfig{
			Prefix:        ratelimit.DefaultKeyPrefix,
			ProbeInterval: ratelimit.DefaultProbeInterval,
			DedupeTTL:     24 * time.Hour,
		},
		NATS: NATSConfig{
			Subject:        "admit.events",
			Queue:          "admitd",
			RejectSubject:  "admit.rejected",
			WorkSubject:    "admit.work",
			RequestTimeout: 30 * time.Second,
			Codec:          "json",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Validate checks that the config is valid.
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return configErrorf("tiers", "at least one tier is required")
	}
	for _, tier := range slices.Sorted(maps.Keys(c.Tiers)) {
		if tier == "" {
			return configErrorf("tiers", "tier name must not be empty")
		}
		if err := c.Tiers[tier].Validate(); err != nil {
			return configErrorf("tiers."+string(tier), "%v", err)
		}
	}
	if _, ok := c.Tiers[c.DefaultTier]; !ok {
		return configErrorf("default_tier", "tier %q has no config", c.DefaultTier)
	}
	for i, r := range c.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if (r.Command == "") == (r.Attachment == "") {
			return configErrorf(field, "exactly one of command and attachment must be set")
		}
		if r.Command != "" && !strings.HasPrefix(r.Command, "/") {
			return configErrorf(field, "command %q must start with /", r.Command)
		}
		if _, ok := c.Tiers[ratelimit.Tier(r.Tier)]; !ok {
			return configErrorf(field, "unknown tier %q", r.Tier)
		}
	}
	if c.DailyCap < 0 {
		return configErrorf("daily_cap", "must not be negative, got %d", c.DailyCap)
	}
	switch c.Policy {
	case ratelimit.ShortCircuit, ratelimit.ConsumeAll:
	default:
		return configErrorf("policy", "unknown policy %s", c.Policy)
	}
	if c.MaxQueuePerUser < 1 {
		return configErrorf("max_queue_per_user", "must be positive, got %d", c.MaxQueuePerUser)
	}
	if c.MaxTotalPending < 1 {
		return configErrorf("max_total_pending", "must be positive, got %d", c.MaxTotalPending)
	}
	if c.MaxGlobalRunning < 1 {
		return configErrorf("max_global_running", "must be positive, got %d", c.MaxGlobalRunning)
	}
	if c.DedupeSize < 0 {
		return configErrorf("dedupe_size", "must not be negative, got %d", c.DedupeSize)
	}
	if c.TaskTimeout < 0 {
		return configErrorf("task_timeout", "must not be negative, got %s", c.TaskTimeout)
	}
	if c.LocalMaxKeys < 1 {
		return configErrorf("local_max_keys", "must be positive, got %d", c.LocalMaxKeys)
	}
	if c.Redis.Enabled() && c.Redis.ProbeInterval <= 0 {
		return configErrorf("redis.probe_interval", "must be positive, got %s", c.Redis.ProbeInterval)
	}
	if c.Redis.DedupeTTL < 0 {
		return configErrorf("redis.dedupe_ttl", "must not be negative, got %s", c.Redis.DedupeTTL)
	}
	if c.NATS.Enabled() {
		if c.NATS.Subject == "" {
			return configErrorf("nats.subject", "required when nats.url is set")
		}
		if c.NATS.RequestTimeout <= 0 {
			return configErrorf("nats.request_timeout", "must be positive, got %s", c.NATS.RequestTimeout)
		}
		switch c.NATS.Codec {
		case "json", "msgpack":
		default:
			return configErrorf("nats.codec", "unknown codec %q, must be one of: json, msgpack", c.NATS.Codec)
		}
	}
	return nil
}

// Classifier builds the tier classifier described by the config. Every
// configured tier may be selected by an explicit tier signal.
func (c Config) Classifier() *ratelimit.Classifier {
	var rules []ratelimit.Rule
	if len(c.Rules) == 0 {
		rules = ratelimit.DefaultRules()
	}
	for _, r := range c.Rules {
		if r.Command != "" {
			rules = append(rules, ratelimit.CommandRule(r.Command, ratelimit.Tier(r.Tier)))
		} else {
			rules = append(rules, ratelimit.AttachmentRule(r.Attachment, ratelimit.Tier(r.Tier)))
		}
	}
	for _, tier := range slices.Sorted(maps.Keys(c.Tiers)) {
		rules = append(rules, ratelimit.ExplicitTier(tier))
	}
	return ratelimit.NewClassifier(c.DefaultTier, rules...)
}

// LoadFile reads a JSON config file and merges it with defaults.
// Fields not specified in the file retain their default values.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes JSON config data and merges it with defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	// Use a raw intermediate struct to handle duration parsing.
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if len(raw.Tiers) > 0 {
		tiers := make(map[ratelimit.Tier]ratelimit.TierConfig, len(raw.Tiers))
		for name, rt := range raw.Tiers {
			tier := ratelimit.Tier(name)
			tc, ok := cfg.Tiers[tier]
			if !ok {
				tc = ratelimit.TierConfig{MinuteWindow: ratelimit.DefaultMinuteWindow}
			}
			if rt.PerMinuteLimit > 0 {
				tc.PerMinuteLimit = rt.PerMinuteLimit
			}
			if rt.BurstLimit != nil {
				tc.BurstLimit = *rt.BurstLimit
			}
			if err := parseDuration(rt.MinuteWindow, "tiers."+name+".minute_window", &tc.MinuteWindow); err != nil {
				return cfg, err
			}
			if err := parseDuration(rt.BurstWindow, "tiers."+name+".burst_window", &tc.BurstWindow); err != nil {
				return cfg, err
			}
			tiers[tier] = tc
		}
		cfg.Tiers = tiers
	}
	if raw.DefaultTier != "" {
		cfg.DefaultTier = ratelimit.Tier(raw.DefaultTier)
	}
	if raw.Rules != nil {
		cfg.Rules = raw.Rules
	}
	if raw.DailyCap != nil {
		cfg.DailyCap = *raw.DailyCap
	}
	if raw.Policy != "" {
		p, err := ratelimit.ParseConsumptionPolicy(raw.Policy)
		if err != nil {
			return cfg, fmt.Errorf("parsing policy: %w", err)
		}
		cfg.Policy = p
	}
	if raw.MaxQueuePerUser > 0 {
		cfg.MaxQueuePerUser = raw.MaxQueuePerUser
	}
	if raw.MaxTotalPending > 0 {
		cfg.MaxTotalPending = raw.MaxTotalPending
	}
	if raw.MaxGlobalRunning > 0 {
		cfg.MaxGlobalRunning = raw.MaxGlobalRunning
	}
	if raw.DedupeSize != nil {
		cfg.DedupeSize = *raw.DedupeSize
	}
	if err := parseDuration(raw.TaskTimeout, "task_timeout", &cfg.TaskTimeout); err != nil {
		return cfg, err
	}
	if raw.LocalMaxKeys > 0 {
		cfg.LocalMaxKeys = raw.LocalMaxKeys
	}

	if len(raw.Redis.Addrs) > 0 {
		cfg.Redis.Addrs = raw.Redis.Addrs
	}
	if raw.Redis.Password != "" {
		cfg.Redis.Password = raw.Redis.Password
	}
	if raw.Redis.DB > 0 {
		cfg.Redis.DB = raw.Redis.DB
	}
	if raw.Redis.Prefix != "" {
		cfg.Redis.Prefix = raw.Redis.Prefix
	}
	if err := parseDuration(raw.Redis.ProbeInterval, "redis.probe_interval", &cfg.Redis.ProbeInterval); err != nil {
		return cfg, err
	}
	if err := parseDuration(raw.Redis.DedupeTTL, "redis.dedupe_ttl", &cfg.Redis.DedupeTTL); err != nil {
		return cfg, err
	}

	if raw.NATS.URL != "" {
		cfg.NATS.URL = raw.NATS.URL
	}
	if raw.NATS.Subject != "" {
		cfg.NATS.Subject = raw.NATS.Subject
	}
	if raw.NATS.Queue != "" {
		cfg.NATS.Queue = raw.NATS.Queue
	}
	if raw.NATS.RejectSubject != nil {
		cfg.NATS.RejectSubject = *raw.NATS.RejectSubject
	}
	if raw.NATS.WorkSubject != "" {
		cfg.NATS.WorkSubject = raw.NATS.WorkSubject
	}
	if err := parseDuration(raw.NATS.RequestTimeout, "nats.request_timeout", &cfg.NATS.RequestTimeout); err != nil {
		return cfg, err
	}
	if raw.NATS.Codec != "" {
		cfg.NATS.Codec = raw.NATS.Codec
	}

	if raw.HTTP.Addr != "" {
		cfg.HTTP.Addr = raw.HTTP.Addr
	}

	return cfg, nil
}

func parseDuration(s, field string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// rawConfig is the JSON-friendly representation with string durations.
// Pointers mark fields whose zero value is meaningful.
type rawConfig struct {
	Tiers            map[string]rawTier `json:"tiers,omitempty"`
	DefaultTier      string             `json:"default_tier,omitempty"`
	Rules            []RuleConfig       `json:"rules,omitempty"`
	DailyCap         *int               `json:"daily_cap,omitempty"`
	Policy           string             `json:"policy,omitempty"`
	MaxQueuePerUser  int                `json:"max_queue_per_user,omitempty"`
	MaxTotalPending  int                `json:"max_total_pending,omitempty"`
	MaxGlobalRunning int                `json:"max_global_running,omitempty"`
	DedupeSize       *int               `json:"dedupe_size,omitempty"`
	TaskTimeout      string             `json:"task_timeout,omitempty"`
	LocalMaxKeys     int                `json:"local_max_keys,omitempty"`
	Redis            struct {
		Addrs         []string `json:"addrs,omitempty"`
		Password      string   `json:"password,omitempty"`
		DB            int      `json:"db,omitempty"`
		Prefix        string   `json:"prefix,omitempty"`
		ProbeInterval string   `json:"probe_interval,omitempty"`
		DedupeTTL     string   `json:"dedupe_ttl,omitempty"`
	} `json:"redis"`
	NATS struct {
		URL            string  `json:"url,omitempty"`
		Subject        string  `json:"subject,omitempty"`
		Queue          string  `json:"queue,omitempty"`
		RejectSubject  *string `json:"reject_subject,omitempty"`
		WorkSubject    string  `json:"work_subject,omitempty"`
		RequestTimeout string  `json:"request_timeout,omitempty"`
		Codec          string  `json:"codec,omitempty"`
	} `json:"nats"`
	HTTP struct {
		Addr string `json:"addr,omitempty"`
	} `json:"http"`
}

type rawTier struct {
	PerMinuteLimit int    `json:"per_minute_limit"`
	MinuteWindow   string `json:"minute_window,omitempty"`
	BurstLimit     *int   `json:"burst_limit,omitempty"`
	BurstWindow    string `json:"burst_window,omitempty"`
}

func (c Config) raw() rawConfig {
	var raw rawConfig
	raw.Tiers = make(map[string]rawTier, len(c.Tiers))
	for tier, tc := range c.Tiers {
		burst := tc.BurstLimit
		rt := rawTier{
			PerMinuteLimit: tc.PerMinuteLimit,
			MinuteWindow:   tc.MinuteWindow.String(),
			BurstLimit:     &burst,
		}
		if tc.BurstWindow > 0 {
			rt.BurstWindow = tc.BurstWindow.String()
		}
		raw.Tiers[string(tier)] = rt
	}
	raw.DefaultTier = string(c.DefaultTier)
	raw.Rules = c.Rules
	dailyCap, dedupe := c.DailyCap, c.DedupeSize
	raw.DailyCap = &dailyCap
	raw.Policy = c.Policy.String()
	raw.MaxQueuePerUser = c.MaxQueuePerUser
	raw.MaxTotalPending = c.MaxTotalPending
	raw.MaxGlobalRunning = c.MaxGlobalRunning
	raw.DedupeSize = &dedupe
	if c.TaskTimeout > 0 {
		raw.TaskTimeout = c.TaskTimeout.String()
	}
	raw.LocalMaxKeys = c.LocalMaxKeys
	raw.Redis.Addrs = c.Redis.Addrs
	raw.Redis.Password = c.Redis.Password
	raw.Redis.DB = c.Redis.DB
	raw.Redis.Prefix = c.Redis.Prefix
	raw.Redis.ProbeInterval = c.Redis.ProbeInterval.String()
	raw.Redis.DedupeTTL = c.Redis.DedupeTTL.String()
	raw.NATS.URL = c.NATS.URL
	raw.NATS.Subject = c.NATS.Subject
	raw.NATS.Queue = c.NATS.Queue
	reject := c.NATS.RejectSubject
	raw.NATS.RejectSubject = &reject
	raw.NATS.WorkSubject = c.NATS.WorkSubject
	raw.NATS.RequestTimeout = c.NATS.RequestTimeout.String()
	raw.NATS.Codec = c.NATS.Codec
	raw.HTTP.Addr = c.HTTP.Addr
	return raw
}

// MarshalJSON encodes the config in the file format read by LoadFile.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.raw())
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	cfg := Default()
	cfg.Rules = []RuleConfig{
		{Command: "/admin*", Tier: string(ratelimit.TierAdmin)},
		{Command: "/imagine", Tier: string(ratelimit.TierMediaHeavy)},
		{Attachment: "photo", Tier: string(ratelimit.TierMediaHeavy)},
		{Attachment: "voice", Tier: string(ratelimit.TierMediaHeavy)},
	}
	cfg.TaskTimeout = 2 * time.Minute
	cfg.Redis.Addrs = []string{"localhost:6379"}
	cfg.NATS.URL = "nats://localhost:4222"

	data, err := json.MarshalIndent(cfg.raw(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
