package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "provisioner.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PROVISIONER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "PROVISIONER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "PROVISIONER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "PROVISIONER_SHUTDOWN_TIMEOUT")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "PROVISIONER_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "PROVISIONER_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "PROVISIONER_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "PROVISIONER_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "PROVISIONER_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Ollama.URL, "OLLAMA_URL")
	setString(&cfg.Ollama.Model, "OLLAMA_MODEL")
	setString(&cfg.Cloudflare.APIToken, "CLOUDFLARE_API_TOKEN")
	setString(&cfg.Cloudflare.AccountID, "CLOUDFLARE_ACCOUNT_ID")
	setString(&cfg.Cloudflare.BaseURL, "CLOUDFLARE_BASE_URL")
	setString(&cfg.Kube.Kubeconfig, "KUBECONFIG")
	setDuration(&cfg.Kube.PollInterval, "PROVISIONER_KUBE_POLL_INTERVAL")
	setString(&cfg.Identity.UsersFile, "PROVISIONER_USERS_FILE")
	setString(&cfg.Logging.Level, "PROVISIONER_LOG_LEVEL")
	setString(&cfg.Logging.Service, "PROVISIONER_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "PROVISIONER_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PROVISIONER_BREAKER_TIMEOUT")
	setDuration(&cfg.Session.TTL, "PROVISIONER_SESSION_TTL")
	setDuration(&cfg.Session.SweepInterval, "PROVISIONER_SESSION_SWEEP_INTERVAL")
	setDuration(&cfg.Classifier.SemanticTimeout, "PROVISIONER_CLASSIFIER_TIMEOUT")
	setFloat64(&cfg.Classifier.ConfidenceThreshold, "PROVISIONER_CLASSIFIER_THRESHOLD")
	setDuration(&cfg.Classifier.CacheTTL, "PROVISIONER_CLASSIFIER_CACHE_TTL")
	setInt64(&cfg.Orchestrator.MaxConcurrentExternal, "PROVISIONER_ORCH_MAX_EXTERNAL")
	setDuration(&cfg.Orchestrator.BackoffBase, "PROVISIONER_ORCH_BACKOFF_BASE")
	setDuration(&cfg.Orchestrator.BackoffCap, "PROVISIONER_ORCH_BACKOFF_CAP")
	setInt(&cfg.Orchestrator.DomainCheckParallel, "PROVISIONER_ORCH_DOMAIN_PARALLEL")
	setInt(&cfg.Orchestrator.MaxAlternatives, "PROVISIONER_ORCH_MAX_ALTERNATIVES")
	setDuration(&cfg.Approval.TTL, "PROVISIONER_APPROVAL_TTL")
	setDuration(&cfg.Approval.SweepInterval, "PROVISIONER_APPROVAL_SWEEP_INTERVAL")
	setStringSlice(&cfg.Approval.Approvers, "PROVISIONER_APPROVAL_APPROVERS")
	setInt64(&cfg.Cache.MaxSizeMB, "PROVISIONER_CACHE_SIZE_MB")
	setString(&cfg.SMTP.Host, "PROVISIONER_SMTP_HOST")
	setInt(&cfg.SMTP.Port, "PROVISIONER_SMTP_PORT")
	setString(&cfg.SMTP.From, "PROVISIONER_SMTP_FROM")
	setString(&cfg.SMTP.To, "PROVISIONER_SMTP_TO")
	setString(&cfg.Webhook.URL, "PROVISIONER_WEBHOOK_URL")
	setBool(&cfg.Telemetry.Enabled, "PROVISIONER_TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Classifier.SemanticTimeout <= 0 {
		return errors.New("classifier.semantic_timeout must be > 0")
	}
	if cfg.Orchestrator.MaxConcurrentExternal < 1 {
		return errors.New("orchestrator.max_concurrent_external must be >= 1")
	}
	if cfg.Orchestrator.DomainCheckParallel < 1 {
		return errors.New("orchestrator.domain_check_parallel must be >= 1")
	}
	if len(cfg.Approval.Approvers) == 0 {
		return errors.New("approval.approvers must name at least one approver")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
