package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// WindowRule is one sliding window a request is checked against.
type WindowRule struct {
	Name   string        `mapstructure:"name" json:"name"`
	Window time.Duration `mapstructure:"window" json:"window"`
	Limit  int           `mapstructure:"limit" json:"limit"`
}

// Tier holds the limiter thresholds and quota for one trust level.
type Tier struct {
	Windows           []WindowRule `mapstructure:"windows" json:"windows"`
	DailyMessageLimit int          `mapstructure:"daily_message_limit" json:"daily_message_limit"`
}

// Config holds the application's configuration.
type Config struct {
	Server struct {
		Port string
		Mode string // gin mode: debug, release or test
	}
	Redis struct {
		Addr        string
		Password    string
		DB          int
		DialTimeout time.Duration `mapstructure:"dial_timeout"`
		OpTimeout   time.Duration `mapstructure:"op_timeout"` // per-call budget before failing open
	}
	Database struct {
		DSN string // "memory" or a file path for SQLite
	}
	Audit struct {
		Retention     time.Duration // abuse audit rows older than this are purged
		PurgeInterval time.Duration `mapstructure:"purge_interval"`
	}
	Session struct {
		TTL               time.Duration
		DailyMessageLimit int    `mapstructure:"daily_message_limit"`
		CookieName        string `mapstructure:"cookie_name"`
		HeaderName        string `mapstructure:"header_name"`
	}
	Identity struct {
		HashSalt            string `mapstructure:"hash_salt"`
		AuthenticatedHeader string `mapstructure:"authenticated_header"` // set by a trusted upstream; empty disables
	}
	RateLimit struct {
		FailOpen bool            `mapstructure:"fail_open"`
		Tiers    map[string]Tier `mapstructure:"tiers"`
		Create   WindowRule      `mapstructure:"create"` // per IP, for explicitly fresh sessions
	} `mapstructure:"rate_limit"`
	Circuit struct {
		FailureThreshold int64         `mapstructure:"failure_threshold"`
		OpenDuration     time.Duration `mapstructure:"open_duration"`
	}
	Trust struct {
		DefaultLevel       string        `mapstructure:"default_level"`
		ViolationThreshold int64         `mapstructure:"violation_threshold"`
		ViolationLookback  time.Duration `mapstructure:"violation_lookback"`
		EstablishedAfter   time.Duration `mapstructure:"established_after"`
	}
	Admin struct {
		Token string
	}
	LLM struct {
		BaseURL      string `mapstructure:"base_url"`
		APIKey       string `mapstructure:"api_key"`
		Model        string
		SystemPrompt string `mapstructure:"system_prompt"`
		MaxTokens    int    `mapstructure:"max_tokens"`
	} `mapstructure:"llm"`
}

// AppConfig is the global configuration instance.
var AppConfig Config

// envKeyReplacer maps nested keys to environment names: rate_limit.fail_open
// is read from RATE_LIMIT_FAIL_OPEN.
var envKeyReplacer = strings.NewReplacer(".", "_")

// DefaultTiers returns the built-in trust tier table. NEW sessions get the
// tightest windows, AUTHENTICATED callers a ceiling high enough to be
// effectively unlimited for anonymous abuse purposes.
func DefaultTiers() map[string]Tier {
	return map[string]Tier{
		"new": {
			Windows: []WindowRule{
				{Name: "antispam", Window: 2 * time.Second, Limit: 1},
				{Name: "burst", Window: time.Minute, Limit: 5},
				{Name: "daily", Window: 24 * time.Hour, Limit: 30},
			},
			DailyMessageLimit: 10,
		},
		"low": {
			Windows: []WindowRule{
				{Name: "antispam", Window: 2 * time.Second, Limit: 2},
				{Name: "burst", Window: time.Minute, Limit: 10},
				{Name: "daily", Window: 24 * time.Hour, Limit: 50},
			},
			DailyMessageLimit: 10,
		},
		"authenticated": {
			Windows: []WindowRule{
				{Name: "burst", Window: time.Minute, Limit: 60},
			},
			DailyMessageLimit: 1000,
		},
	}
}

// Default returns a Config populated with the built-in defaults only.
func Default() Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.Mode = "release"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DialTimeout = 2 * time.Second
	cfg.Redis.OpTimeout = 500 * time.Millisecond
	cfg.Database.DSN = "memory"
	cfg.Audit.Retention = 7 * 24 * time.Hour
	cfg.Audit.PurgeInterval = time.Hour
	cfg.Session.TTL = 24 * time.Hour
	cfg.Session.DailyMessageLimit = 10
	cfg.Session.CookieName = "anon_session_id"
	cfg.Session.HeaderName = "X-Session-Id"
	cfg.RateLimit.FailOpen = true
	cfg.RateLimit.Tiers = DefaultTiers()
	cfg.RateLimit.Create = WindowRule{Name: "session_create", Window: time.Hour, Limit: 10}
	cfg.Circuit.FailureThreshold = 5
	cfg.Circuit.OpenDuration = 2 * time.Second
	cfg.Trust.DefaultLevel = "NEW"
	cfg.Trust.ViolationThreshold = 3
	cfg.Trust.ViolationLookback = time.Hour
	cfg.Trust.EstablishedAfter = 30 * time.Minute
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 1024
	return cfg
}

// LoadConfig loads configuration from .env files, config.yaml and environment
// variables, in increasing order of precedence.
func LoadConfig() {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			log.Printf("WARN: [Config] Failed to load %s: %v", file, err)
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")
	viper.AddConfigPath("../config")

	viper.SetEnvKeyReplacer(envKeyReplacer)
	viper.AutomaticEnv()
	setDefaults(viper.GetViper(), Default())

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("WARN: [Config] Configuration file (config.yaml) not found. Using environment variables and defaults.")
		} else {
			log.Fatalf("FATAL: [Config] Error reading configuration file: %v", err)
		}
	}

	if err := viper.Unmarshal(&AppConfig); err != nil {
		log.Fatalf("FATAL: [Config] Failed to unmarshal configuration into AppConfig struct: %v", err)
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		AppConfig.Server.Port = port
		log.Printf("INFO: [Config] Server port overridden by environment variable SERVER_PORT: %s", port)
	}

	normalize(&AppConfig)
	log.Println("INFO: [Config] Configuration loading complete.")
}

// setDefaults registers every scalar default with viper so AutomaticEnv can
// override keys that never appear in config.yaml.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.op_timeout", d.Redis.OpTimeout)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("audit.retention", d.Audit.Retention)
	v.SetDefault("audit.purge_interval", d.Audit.PurgeInterval)
	v.SetDefault("session.ttl", d.Session.TTL)
	v.SetDefault("session.daily_message_limit", d.Session.DailyMessageLimit)
	v.SetDefault("session.cookie_name", d.Session.CookieName)
	v.SetDefault("session.header_name", d.Session.HeaderName)
	v.SetDefault("identity.hash_salt", "")
	v.SetDefault("identity.authenticated_header", "")
	v.SetDefault("rate_limit.fail_open", d.RateLimit.FailOpen)
	v.SetDefault("rate_limit.create.name", d.RateLimit.Create.Name)
	v.SetDefault("rate_limit.create.window", d.RateLimit.Create.Window)
	v.SetDefault("rate_limit.create.limit", d.RateLimit.Create.Limit)
	v.SetDefault("circuit.failure_threshold", d.Circuit.FailureThreshold)
	v.SetDefault("circuit.open_duration", d.Circuit.OpenDuration)
	v.SetDefault("trust.default_level", d.Trust.DefaultLevel)
	v.SetDefault("trust.violation_threshold", d.Trust.ViolationThreshold)
	v.SetDefault("trust.violation_lookback", d.Trust.ViolationLookback)
	v.SetDefault("trust.established_after", d.Trust.EstablishedAfter)
	v.SetDefault("admin.token", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
}

// normalize fills gaps left by a partial config file and lowercases tier keys.
func normalize(cfg *Config) {
	defaults := DefaultTiers()
	tiers := make(map[string]Tier, len(defaults))
	for name, tier := range cfg.RateLimit.Tiers {
		tiers[strings.ToLower(name)] = tier
	}
	for name, tier := range defaults {
		if _, ok := tiers[name]; !ok {
			tiers[name] = tier
		}
	}
	for name, tier := range tiers {
		if tier.DailyMessageLimit <= 0 {
			tier.DailyMessageLimit = cfg.Session.DailyMessageLimit
			tiers[name] = tier
		}
	}
	cfg.RateLimit.Tiers = tiers

	if cfg.Session.TTL <= 0 {
		log.Println("WARN: [Config] session.ttl must be positive, using 24h.")
		cfg.Session.TTL = 24 * time.Hour
	}
	if cfg.Session.DailyMessageLimit <= 0 {
		cfg.Session.DailyMessageLimit = 10
	}
	if cfg.Identity.HashSalt == "" {
		log.Println("WARN: [Config] identity.hash_salt is empty. IP hashes are unsalted; set IDENTITY_HASH_SALT in production.")
	}
}
