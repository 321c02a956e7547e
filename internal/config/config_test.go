package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("OPENAI_API_KEY", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected addr %s", cfg.Server.Addr())
	}
	if cfg.Database.Enabled() {
		t.Error("expected in-memory repository by default")
	}
	if cfg.Workflow.DefaultExpiry() != 24*time.Hour || cfg.Workflow.ManualConfidence != 0.9 {
		t.Errorf("unexpected workflow defaults %+v", cfg.Workflow)
	}
	if cfg.Review.MaxAttempts != 3 || cfg.Review.Backoff != 30*time.Second {
		t.Errorf("unexpected review defaults %+v", cfg.Review)
	}
	if !cfg.UsesDefaultJWTSecret() {
		t.Error("expected default jwt secret")
	}
	if cfg.Text2SQL.Provider != "rules" {
		t.Errorf("expected rules provider without api key, got %s", cfg.Text2SQL.Provider)
	}
	if cfg.Logging.SlogLevel() != slog.LevelInfo {
		t.Errorf("expected info level, got %v", cfg.Logging.SlogLevel())
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("APPROVALGATE_DB_PASSWORD", "s3cret")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("HUMANLAYER_API_KEY", "")

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
server:
  port: 9090
database:
  host: db.internal
  user: approvals
  password: ${APPROVALGATE_DB_PASSWORD}
  database: approvals
redis:
  enabled: true
  host: cache
review:
  daemon_url: http://hl:7777
  timeout: 5s
workflow:
  sweep_schedule: "@every 1m"
auth:
  jwt_secret: real-secret
  enforce_approver_level: true
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if want := "host=db.internal port=5432 user=approvals password=s3cret dbname=approvals sslmode=disable"; cfg.Database.DSN() != want {
		t.Errorf("expected DSN %q, got %q", want, cfg.Database.DSN())
	}
	if !cfg.Redis.Enabled || cfg.Redis.Addr() != "cache:6379" {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.Review.DaemonURL != "http://hl:7777" || cfg.Review.Timeout != 5*time.Second {
		t.Errorf("unexpected review config %+v", cfg.Review)
	}
	if cfg.Workflow.SweepSchedule != "@every 1m" || cfg.Workflow.DigestSchedule != "0 0 8 * * *" {
		t.Errorf("unexpected schedules %+v", cfg.Workflow)
	}
	if cfg.UsesDefaultJWTSecret() || !cfg.Auth.EnforceApproverLevel {
		t.Errorf("unexpected auth config %+v", cfg.Auth)
	}
	if cfg.Text2SQL.Provider != "openai" || cfg.Text2SQL.APIKey != "sk-env" {
		t.Errorf("expected openai provider from env key, got %+v", cfg.Text2SQL)
	}
	if cfg.Logging.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.Logging.SlogLevel())
	}
}

func TestDatabaseURLOverridesDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://u:p@h/db?sslmode=require")
	cfg := defaultConfig()
	if !cfg.Database.Enabled() || cfg.Database.DSN() != "postgres://u:p@h/db?sslmode=require" {
		t.Errorf("expected URL DSN, got %q", cfg.Database.DSN())
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("server: [unterminated"), 0o600)
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoggingConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("expected info to be filtered at warn, got %q", buf.String())
	}

	LoggingConfig{Level: "debug", Format: "text"}.NewLogger(&buf).Debug("kept", "approval_id", "a1")
	if !strings.Contains(buf.String(), "approval_id=a1") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}
