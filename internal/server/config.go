// config.go - Environment configuration, validated at startup.
//
// All knobs are CDP_-prefixed environment variables (DATABASE_URL stays
// conventional). Validation collects every problem before failing so a
// misconfigured deployment surfaces all errors in one pass.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries everything the server needs at runtime.
type Config struct {
	Addr        string
	DatabaseURL string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	Bucket      string

	// Bcrypt hash of the site-wide admin password.
	AdminPasswordHash string

	MaxFileBytes  int64
	MaxQuotaBytes int64

	UploadLimit   LimitRule
	RequestLimit  LimitRule
	ProxyDepth    int
	SweepInterval time.Duration

	SessionTTL     time.Duration
	SessionTTLLong time.Duration
}

// ConfigValidationError describes one invalid or missing setting.
type ConfigValidationError struct {
	Field   string
	Message string
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// configValidator accumulates validation errors across all settings.
type configValidator struct {
	errors []ConfigValidationError
}

func (v *configValidator) addError(field, message string) {
	v.errors = append(v.errors, ConfigValidationError{Field: field, Message: message})
}

func (v *configValidator) errorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration invalid, %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func (v *configValidator) required(key string) string {
	value := os.Getenv(key)
	if value == "" {
		v.addError(key, "required environment variable not set")
	}
	return value
}

func (v *configValidator) bytesOr(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		v.addError(key, "must be a positive byte count")
		return def
	}
	return n
}

func (v *configValidator) intOr(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		v.addError(key, "must be a non-negative integer")
		return def
	}
	return n
}

func (v *configValidator) durationOr(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		v.addError(key, "must be a positive duration (e.g. 15m, 24h)")
		return def
	}
	return d
}

func (v *configValidator) bcryptHash(key string) string {
	value := v.required(key)
	if value == "" {
		return value
	}
	if !strings.HasPrefix(value, "$2a$") &&
		!strings.HasPrefix(value, "$2b$") &&
		!strings.HasPrefix(value, "$2y$") {
		v.addError(key, "must be a bcrypt hash (starts with $2a$, $2b$, or $2y$)")
	}
	if len(value) != 60 {
		v.addError(key, "bcrypt hash must be exactly 60 characters")
	}
	return value
}

// LoadConfig reads and validates the full configuration from the
// environment. It returns every validation failure at once.
func LoadConfig() (Config, error) {
	v := &configValidator{}

	cfg := Config{
		Addr:              envDefault("CDP_ADDR", ":8080"),
		DatabaseURL:       v.required("DATABASE_URL"),
		S3Endpoint:        v.required("CDP_S3_ENDPOINT"),
		S3AccessKey:       v.required("CDP_S3_ACCESS_KEY"),
		S3SecretKey:       v.required("CDP_S3_SECRET_KEY"),
		Bucket:            v.required("CDP_BUCKET"),
		AdminPasswordHash: v.bcryptHash("CDP_ADMIN_PASSWORD_HASH"),
		MaxFileBytes:      v.bytesOr("CDP_MAX_FILE_BYTES", 25<<20),
		MaxQuotaBytes:     v.bytesOr("CDP_MAX_QUOTA_BYTES", 5<<30),
		UploadLimit: LimitRule{
			Ceiling: v.intOr("CDP_UPLOADS_PER_WINDOW", 10),
			Window:  v.durationOr("CDP_UPLOAD_WINDOW", 24*time.Hour),
		},
		RequestLimit: LimitRule{
			Ceiling: v.intOr("CDP_REQUESTS_PER_WINDOW", 1000),
			Window:  v.durationOr("CDP_REQUEST_WINDOW", 24*time.Hour),
		},
		ProxyDepth:     v.intOr("CDP_PROXY_DEPTH", 0),
		SweepInterval:  v.durationOr("CDP_SWEEP_INTERVAL", 15*time.Minute),
		SessionTTL:     v.durationOr("CDP_SESSION_TTL", 24*time.Hour),
		SessionTTLLong: v.durationOr("CDP_SESSION_TTL_LONG", 30*24*time.Hour),
	}

	if cfg.DatabaseURL != "" &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgres://") &&
		!strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		v.addError("DATABASE_URL", "must be a PostgreSQL connection string")
	}
	if cfg.MaxFileBytes > cfg.MaxQuotaBytes {
		v.addError("CDP_MAX_FILE_BYTES", "must not exceed CDP_MAX_QUOTA_BYTES")
	}

	if len(v.errors) > 0 {
		return Config{}, fmt.Errorf("%s", v.errorString())
	}
	return cfg, nil
}

// envDefault reads an environment variable with a fallback.
func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
