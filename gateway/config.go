package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server struct {
		Address         string   `yaml:"address"`
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
		// AllowedOrigins are WebSocket origin patterns; empty accepts any.
		AllowedOrigins []string `yaml:"allowed_origins"`
		Heartbeat      Duration `yaml:"heartbeat"`
	} `yaml:"server"`
	Storage struct {
		Driver  string `yaml:"driver"` // memory|postgres
		DSN     string `yaml:"dsn"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"storage"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		Leeway    Duration `yaml:"leeway"`
	} `yaml:"auth"`
	Uploads struct {
		Dir       string `yaml:"dir"`
		PublicURL string `yaml:"public_url"`
		MaxBytes  int64  `yaml:"max_bytes"`
	} `yaml:"uploads"`
	Webhooks struct {
		URLs       []string `yaml:"urls"`
		Secret     string   `yaml:"secret"`
		Timeout    Duration `yaml:"timeout"`
		MaxRetries int      `yaml:"max_retries"`
	} `yaml:"webhooks"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns a config that runs an in-memory gateway on :8080.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Address = ":8080"
	cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	cfg.Server.Heartbeat = Duration(25 * time.Second)
	cfg.Storage.Driver = "memory"
	cfg.Auth.Leeway = Duration(2 * time.Minute)
	cfg.Uploads.Dir = "./uploads"
	cfg.Uploads.MaxBytes = 50 * 1024 * 1024
	cfg.Webhooks.Timeout = Duration(10 * time.Second)
	cfg.Webhooks.MaxRetries = 3
	cfg.RateLimit.RPS = 5
	cfg.RateLimit.Burst = 10
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads path over the defaults, then applies environment
// overrides. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REQSYNC_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("REQSYNC_DSN"); v != "" {
		c.Storage.DSN = v
		if os.Getenv("REQSYNC_STORAGE") == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("REQSYNC_STORAGE"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("REQSYNC_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REQSYNC_WEBHOOK_SECRET"); v != "" {
		c.Webhooks.Secret = v
	}
	if v := os.Getenv("REQSYNC_WEBHOOK_URLS"); v != "" {
		c.Webhooks.URLs = splitList(v)
	}
	if v := os.Getenv("REQSYNC_UPLOAD_DIR"); v != "" {
		c.Uploads.Dir = v
	}
	if v := os.Getenv("REQSYNC_PUBLIC_URL"); v != "" {
		c.Uploads.PublicURL = v
	}
	if v := os.Getenv("REQSYNC_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("REQSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate reports the first unusable setting.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or set REQSYNC_JWT_SECRET)")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if len(c.Webhooks.URLs) > 0 && c.Webhooks.Secret == "" {
		return fmt.Errorf("webhooks.secret is required when webhooks.urls is set")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewLogger builds a text logger at level ("debug", "info", "warn", "error").
func NewLogger(level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
}
