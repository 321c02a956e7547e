package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Review        ReviewConfig        `yaml:"review"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Auth          AuthConfig          `yaml:"auth"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Text2SQL      Text2SQLConfig      `yaml:"text2sql"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL          string `yaml:"url"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// Enabled is false when neither a URL nor a host is configured; the
// server then keeps approvals in memory.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type ReviewConfig struct {
	DaemonURL   string        `yaml:"daemon_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"retry_backoff"`
}

type WorkflowConfig struct {
	DefaultExpiryHours  int     `yaml:"default_expiry_hours"`
	ManualConfidence    float64 `yaml:"manual_confidence"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	SweepSchedule       string  `yaml:"sweep_schedule"`
	DigestSchedule      string  `yaml:"digest_schedule"`
}

func (c WorkflowConfig) DefaultExpiry() time.Duration {
	return time.Duration(c.DefaultExpiryHours) * time.Hour
}

type AuthConfig struct {
	JWTSecret            string        `yaml:"jwt_secret"`
	Issuer               string        `yaml:"issuer"`
	AccessTokenExpiry    time.Duration `yaml:"access_token_expiry"`
	EnforceApproverLevel bool          `yaml:"enforce_approver_level"`
}

type NotificationsConfig struct {
	MinSeverity string            `yaml:"min_severity"`
	Slack       SlackNotifyConfig `yaml:"slack"`
	Email       EmailNotifyConfig `yaml:"email"`
}

type SlackNotifyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	Username   string `yaml:"username"`
	IconEmoji  string `yaml:"icon_emoji"`
}

type EmailNotifyConfig struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

type Text2SQLConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SlogLevel maps the configured level name, defaulting to info.
func (c LoggingConfig) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NewLogger builds a JSON or text slog logger at the configured level.
func (c LoggingConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// UsesDefaultJWTSecret reports whether tokens are signed with the built-in
// development secret.
func (c *Config) UsesDefaultJWTSecret() bool {
	return c.Auth.JWTSecret == defaultJWTSecret
}

func envOr(current, key string) string {
	if current != "" {
		return current
	}
	return os.Getenv(key)
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.CORSAllowOrigin == "" {
		c.Server.CORSAllowOrigin = "*"
	}

	c.Database.URL = envOr(c.Database.URL, "DATABASE_URL")
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	c.Redis.URL = envOr(c.Redis.URL, "REDIS_URL")
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}

	c.Review.DaemonURL = envOr(c.Review.DaemonURL, "HUMANLAYER_DAEMON_URL")
	if c.Review.DaemonURL == "" {
		c.Review.DaemonURL = "http://localhost:8080"
	}
	c.Review.APIKey = envOr(c.Review.APIKey, "HUMANLAYER_API_KEY")
	if c.Review.Timeout == 0 {
		c.Review.Timeout = 10 * time.Second
	}
	if c.Review.MaxAttempts == 0 {
		c.Review.MaxAttempts = 3
	}
	if c.Review.Backoff == 0 {
		c.Review.Backoff = 30 * time.Second
	}

	if c.Workflow.DefaultExpiryHours == 0 {
		c.Workflow.DefaultExpiryHours = 24
	}
	if c.Workflow.ManualConfidence == 0 {
		c.Workflow.ManualConfidence = 0.9
	}
	if c.Workflow.ConfidenceThreshold == 0 {
		c.Workflow.ConfidenceThreshold = 0.7
	}
	if c.Workflow.SweepSchedule == "" {
		c.Workflow.SweepSchedule = "@every 5m"
	}
	if c.Workflow.DigestSchedule == "" {
		c.Workflow.DigestSchedule = "0 0 8 * * *"
	}

	if c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = defaultJWTSecret
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "approvalgate"
	}
	if c.Auth.AccessTokenExpiry == 0 {
		c.Auth.AccessTokenExpiry = 15 * time.Minute
	}

	if c.Notifications.MinSeverity == "" {
		c.Notifications.MinSeverity = "low"
	}
	if c.Notifications.Slack.Username == "" {
		c.Notifications.Slack.Username = "approvalgate"
	}
	if c.Notifications.Email.SMTPPort == 0 {
		c.Notifications.Email.SMTPPort = 587
	}

	c.Text2SQL.APIKey = envOr(c.Text2SQL.APIKey, "OPENAI_API_KEY")
	if c.Text2SQL.Provider == "" {
		c.Text2SQL.Provider = "rules"
		if c.Text2SQL.APIKey != "" {
			c.Text2SQL.Provider = "openai"
		}
	}
	if c.Text2SQL.Model == "" {
		c.Text2SQL.Model = "gpt-4o-mini"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}
