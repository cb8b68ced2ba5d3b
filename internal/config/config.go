package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"smartlog/internal/artifacts"
)

// FileEnv names the optional YAML file whose keys act as defaults under the
// process environment.
const FileEnv = "SMARTLOG_CONFIG_FILE"

type Config struct {
	ListenAddr                 string
	DatabaseURL                string
	RedisAddr                  string
	ContextFeedStream          string
	ContextFeedMaxLen          int64
	CORSAllowedOrigins         []string
	SessionRoot                string
	SessionTTL                 time.Duration
	SessionRetentionDays       int
	SessionCookieName          string
	SessionHeaderName          string
	SecureCookies              bool
	AutoCleanupIntervalMinutes int
	ActivityRetentionDays      int
	RateLimitRequestsPerSec    float64
	RateLimitBurst             int
	IngestTimeout              time.Duration
	StoreQueryTimeout          time.Duration
	AutoFixEnabled             bool
	EscalationWebhookURL       string
	EscalationAuthHeader       string
	EscalationCooldownMinutes  int
	S3Region                   string
	S3Endpoint                 string
	S3AccessKey                string
	S3SecretKey                string
	S3Bucket                   string
	S3KeyPrefix                string
	ArchiveRetentionDays       int
	LogLevel                   string
}

// ArchiveEnabled reports whether an object store is configured.
func (c Config) ArchiveEnabled() bool {
	return strings.TrimSpace(c.S3Bucket) != ""
}

func (c Config) ObjectStore() artifacts.S3Config {
	return artifacts.S3Config{
		Region:    c.S3Region,
		Endpoint:  c.S3Endpoint,
		AccessKey: c.S3AccessKey,
		SecretKey: c.S3SecretKey,
		Bucket:    c.S3Bucket,
		KeyPrefix: c.S3KeyPrefix,
	}
}

func Load() (Config, error) {
	src := source{}
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		values, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = values
	}
	return src.load(), nil
}

func (s source) load() Config {
	port := s.envOrDefault("SMARTLOG_PORT", "8080")

	return Config{
		ListenAddr:                 ":" + port,
		DatabaseURL:                s.databaseURL(),
		RedisAddr:                  s.redisAddr(),
		ContextFeedStream:          s.envOrDefault("CONTEXT_FEED_STREAM", "smartlog-context"),
		ContextFeedMaxLen:          int64(s.envOrDefaultInt("CONTEXT_FEED_MAXLEN", 10000)),
		CORSAllowedOrigins:         parseCSV(s.envOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		SessionRoot:                s.envOrDefault("SESSION_ROOT", "data/sessions"),
		SessionTTL:                 time.Duration(s.envOrDefaultInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		SessionRetentionDays:       s.envOrDefaultInt("SESSION_RETENTION_DAYS", 30),
		SessionCookieName:          s.envOrDefault("SESSION_COOKIE_NAME", "smartlog_session"),
		SessionHeaderName:          s.envOrDefault("SESSION_HEADER_NAME", "X-Session-Token"),
		SecureCookies:              s.envOrDefaultBool("SESSION_COOKIE_SECURE", false),
		AutoCleanupIntervalMinutes: s.envOrDefaultInt("AUTO_CLEANUP_INTERVAL_MINUTES", 0),
		ActivityRetentionDays:      s.envOrDefaultInt("ACTIVITY_RETENTION_DAYS", 90),
		RateLimitRequestsPerSec:    s.envOrDefaultFloat("RATE_LIMIT_REQUESTS_PER_SEC", 25),
		RateLimitBurst:             s.envOrDefaultInt("RATE_LIMIT_BURST", 50),
		IngestTimeout:              time.Duration(s.envOrDefaultInt("INGEST_TIMEOUT_MS", 5000)) * time.Millisecond,
		StoreQueryTimeout:          time.Duration(s.envOrDefaultInt("STORE_QUERY_TIMEOUT_MS", 3000)) * time.Millisecond,
		AutoFixEnabled:             s.envOrDefaultBool("AUTO_FIX_ENABLED", true),
		EscalationWebhookURL:       s.envOrDefault("ESCALATION_WEBHOOK_URL", ""),
		EscalationAuthHeader:       s.envOrDefault("ESCALATION_AUTH_HEADER", ""),
		EscalationCooldownMinutes:  s.envOrDefaultInt("ESCALATION_COOLDOWN_MINUTES", 30),
		S3Region:                   s.envOrDefault("S3_REGION", "us-east-1"),
		S3Endpoint:                 s.envOrDefault("S3_ENDPOINT", ""),
		S3AccessKey:                s.envOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey:                s.envOrDefault("S3_SECRET_KEY", ""),
		S3Bucket:                   s.envOrDefault("S3_BUCKET", ""),
		S3KeyPrefix:                s.envOrDefault("S3_KEY_PREFIX", ""),
		ArchiveRetentionDays:       s.envOrDefaultInt("ARCHIVE_RETENTION_DAYS", 365),
		LogLevel:                   strings.ToLower(s.envOrDefault("LOG_LEVEL", "info")),
	}
}

// source resolves a key from the environment first, then the config file.
type source struct {
	file map[string]string
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	values := make(map[string]string, len(doc))
	for key, value := range doc {
		switch typed := value.(type) {
		case nil:
			continue
		case []any:
			items := make([]string, 0, len(typed))
			for _, item := range typed {
				items = append(items, fmt.Sprint(item))
			}
			values[strings.ToUpper(key)] = strings.Join(items, ",")
		default:
			values[strings.ToUpper(key)] = fmt.Sprint(typed)
		}
	}
	return values, nil
}

func (s source) get(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

func (s source) databaseURL() string {
	if value := s.get("DATABASE_URL"); value != "" {
		return value
	}

	host := s.envOrDefault("POSTGRES_HOST", "localhost")
	port := s.envOrDefault("POSTGRES_PORT", "5432")
	user := s.envOrDefault("POSTGRES_USER", "smartlog")
	password := s.envOrDefault("POSTGRES_PASSWORD", "smartlog")
	database := s.envOrDefault("POSTGRES_DB", "smartlog")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, database)
}

func (s source) envOrDefault(key, fallback string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return fallback
}

func (s source) redisAddr() string {
	host := s.envOrDefault("REDIS_HOST", "localhost")
	port := s.envOrDefault("REDIS_PORT", "6379")
	return fmt.Sprintf("%s:%s", host, port)
}

func parseCSV(value string) []string {
	values := strings.Split(value, ",")
	result := make([]string, 0, len(values))
	for _, item := range values {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}

	if len(result) == 0 {
		return []string{"*"}
	}
	return result
}

func (s source) envOrDefaultInt(key string, fallback int) int {
	value := s.get(key)
	if value == "" {
		return fallback
	}

	var parsed int
	if _, err := fmt.Sscanf(value, "%d", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func (s source) envOrDefaultFloat(key string, fallback float64) float64 {
	value := s.get(key)
	if value == "" {
		return fallback
	}

	var parsed float64
	if _, err := fmt.Sscanf(value, "%f", &parsed); err != nil {
		return fallback
	}
	return parsed
}

func (s source) envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(s.get(key))
	if value == "" {
		return fallback
	}

	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
