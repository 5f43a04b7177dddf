// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DBURL selects and addresses the credential store: postgres://, mongodb://, mongodb+srv://, redis://, rediss:// or memory://.
	DBURL string `mapstructure:"DB_URL"`
	// AccessTokenSecret signs access tokens. Inline value or file:<path>.
	AccessTokenSecret string `mapstructure:"ACCESS_TOKEN_SECRET"`
	// RefreshTokenSecret signs refresh tokens. Must differ from AccessTokenSecret.
	RefreshTokenSecret string `mapstructure:"REFRESH_TOKEN_SECRET"`
	// AccessTokenTTLRaw is the access token lifetime (e.g. "15m").
	AccessTokenTTLRaw string `mapstructure:"ACCESS_TOKEN_TTL"`
	// RefreshTokenTTLRaw is the refresh token lifetime (e.g. "7d" or "168h").
	RefreshTokenTTLRaw string `mapstructure:"REFRESH_TOKEN_TTL"`
	TokenIssuer        string `mapstructure:"TOKEN_ISSUER"`
	// MaxSessionsPerUser caps the refresh token list; the oldest session is dropped on overflow. 0 disables the cap.
	MaxSessionsPerUser int `mapstructure:"MAX_SESSIONS_PER_USER"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// AvatarDir is where uploaded avatars are written.
	AvatarDir string `mapstructure:"AVATAR_DIR"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// LoginRatePerSec and LoginRateBurst bound login and refresh attempts per client IP. 0 disables limiting.
	LoginRatePerSec float64 `mapstructure:"LOGIN_RATE_PER_SEC"`
	LoginRateBurst  int     `mapstructure:"LOGIN_RATE_BURST"`

	// GRPCHealthAddr, when set, starts a grpc.health.v1 server on that address.
	GRPCHealthAddr string `mapstructure:"GRPC_HEALTH_ADDR"`

	// OTLPEndpoint enables OpenTelemetry export (traces, metrics, logs) when non-empty.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	// KafkaBrokers is a comma-separated broker list; when set, security events are also written to AuthEventsTopic.
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	AuthEventsTopic string `mapstructure:"AUTH_EVENTS_TOPIC"`

	// Env is the application environment (e.g. "development", "production"). The memory store is refused in production.
	Env string `mapstructure:"APP_ENV"`

	ShutdownTimeoutRaw string `mapstructure:"SHUTDOWN_TIMEOUT"`

	accessTTL       time.Duration
	refreshTTL      time.Duration
	shutdownTimeout time.Duration
}

var requiredKeys = []string{
	"DB_URL",
	"ACCESS_TOKEN_SECRET",
	"REFRESH_TOKEN_SECRET",
	"ACCESS_TOKEN_TTL",
	"REFRESH_TOKEN_TTL",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	// Every key needs a default so Unmarshal sees values coming from the environment.
	for _, k := range requiredKeys {
		v.SetDefault(k, "")
	}
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("TOKEN_ISSUER", "postboard")
	v.SetDefault("MAX_SESSIONS_PER_USER", 50)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("AVATAR_DIR", "public/avatars")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOGIN_RATE_PER_SEC", 1.0)
	v.SetDefault("LOGIN_RATE_BURST", 10)
	v.SetDefault("GRPC_HEALTH_ADDR", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUTH_EVENTS_TOPIC", "postboard-auth-events")
	v.SetDefault("KAFKA_GROUP_ID", "postboard-auth-events-worker")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	return v
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. A missing required key
// or an unparsable duration is an error; callers treat it as fatal.
func Load() (*Config, error) {
	v := newViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	var missing []string
	for _, k := range requiredKeys {
		if strings.TrimSpace(v.GetString(k)) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("config: required keys not set: %s", strings.Join(missing, ", "))
	}

	var err error
	if cfg.accessTTL, err = ParseTTL(cfg.AccessTokenTTLRaw); err != nil {
		return nil, fmt.Errorf("config: ACCESS_TOKEN_TTL: %w", err)
	}
	if cfg.refreshTTL, err = ParseTTL(cfg.RefreshTokenTTLRaw); err != nil {
		return nil, fmt.Errorf("config: REFRESH_TOKEN_TTL: %w", err)
	}
	if cfg.shutdownTimeout, err = ParseTTL(cfg.ShutdownTimeoutRaw); err != nil {
		return nil, fmt.Errorf("config: SHUTDOWN_TIMEOUT: %w", err)
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.MaxSessionsPerUser < 0 {
		return nil, errors.New("config: MAX_SESSIONS_PER_USER must not be negative")
	}
	if cfg.LoginRatePerSec < 0 || cfg.LoginRateBurst < 0 {
		return nil, errors.New("config: LOGIN_RATE_PER_SEC and LOGIN_RATE_BURST must not be negative")
	}
	if cfg.IsProduction() && strings.HasPrefix(cfg.DBURL, "memory://") {
		return nil, errors.New("config: memory:// store must not be used when APP_ENV=production")
	}

	return &cfg, nil
}

// LoadDBURL returns only DB_URL. cmd/migrate uses it so migrations run without token secrets.
func LoadDBURL() (string, error) {
	u := strings.TrimSpace(newViper().GetString("DB_URL"))
	if u == "" {
		return "", errors.New("config: DB_URL is not set; create a .env from .env.example or set DB_URL")
	}
	return u, nil
}

// WorkerConfig is the subset of settings used by cmd/worker.
type WorkerConfig struct {
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	AuthEventsTopic string `mapstructure:"AUTH_EVENTS_TOPIC"`
	KafkaGroupID    string `mapstructure:"KAFKA_GROUP_ID"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	LogFormat       string `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// LoadWorker reads the security event worker settings. KAFKA_BROKERS is required;
// the store and token settings are not.
func LoadWorker() (*WorkerConfig, error) {
	var wc WorkerConfig
	if err := newViper().Unmarshal(&wc); err != nil {
		return nil, err
	}
	if len(splitList(wc.KafkaBrokers)) == 0 {
		return nil, errors.New("config: KAFKA_BROKERS is not set")
	}
	if strings.TrimSpace(wc.AuthEventsTopic) == "" || strings.TrimSpace(wc.KafkaGroupID) == "" {
		return nil, errors.New("config: AUTH_EVENTS_TOPIC and KAFKA_GROUP_ID must not be empty")
	}
	return &wc, nil
}

// Brokers returns the parsed broker list.
func (w *WorkerConfig) Brokers() []string { return splitList(w.KafkaBrokers) }

// maxTTLDays is the largest day count a time.Duration can hold.
const maxTTLDays = math.MaxInt64 / int64(24*time.Hour)

// ParseTTL parses a Go duration string, additionally accepting a whole number
// of days with a "d" suffix ("7d"). The result must be positive.
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		if n <= 0 {
			return 0, fmt.Errorf("duration %q must be positive", s)
		}
		if n > maxTTLDays {
			return 0, fmt.Errorf("duration %q is too large", s)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if d, err = time.ParseDuration(s); err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// AccessTTL is the parsed ACCESS_TOKEN_TTL.
func (c *Config) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL is the parsed REFRESH_TOKEN_TTL.
func (c *Config) RefreshTTL() time.Duration { return c.refreshTTL }

// ShutdownTimeout bounds graceful shutdown of the HTTP and gRPC servers.
func (c *Config) ShutdownTimeout() time.Duration { return c.shutdownTimeout }

// IsProduction reports whether APP_ENV is "production".
func (c *Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Env), "production")
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka security event sink.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
