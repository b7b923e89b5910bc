package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings, read from the environment.
type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string

	NatsURL string

	GraphTenantID     string
	GraphClientID     string
	GraphClientSecret string

	// Public URL Graph posts change notifications to.
	NotificationURL string
	// Shared secret echoed back in every notification's clientState.
	ClientStateSecret string
	// When set, webhook validationTokens are verified against the Microsoft JWKS.
	ValidateNotificationTokens bool

	APIJWTSecret string

	SyncInterval      time.Duration
	BootstrapPageSize int

	AttachmentBackend string // "local" or "gcs"
	AttachmentDir     string
	GCSBucket         string
}

// Load reads configuration from the environment, after merging an optional
// .env file. Missing values fall back to development defaults.
func Load() Config {
	_ = godotenv.Load()

	dataDir := getEnvString("DATA_DIR", "data")

	return Config{
		HTTPAddr: getEnvString("HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnvString("DB_PATH", dataDir+"/mailroom.db"),

		NatsURL: getEnvString("NATS_URL", "nats://127.0.0.1:4222"),

		GraphTenantID:     getEnvString("GRAPH_TENANT_ID", ""),
		GraphClientID:     getEnvString("GRAPH_CLIENT_ID", ""),
		GraphClientSecret: getEnvString("GRAPH_CLIENT_SECRET", ""),

		NotificationURL:            getEnvString("NOTIFICATION_URL", ""),
		ClientStateSecret:          getEnvString("CLIENT_STATE_SECRET", ""),
		ValidateNotificationTokens: getEnvBool("VALIDATE_NOTIFICATION_TOKENS", false),

		APIJWTSecret: getEnvString("API_JWT_SECRET", ""),

		SyncInterval:      getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		BootstrapPageSize: getEnvInt("BOOTSTRAP_PAGE_SIZE", 10),

		AttachmentBackend: getEnvString("ATTACHMENT_BACKEND", "local"),
		AttachmentDir:     getEnvString("ATTACHMENT_DIR", dataDir+"/attachments"),
		GCSBucket:         getEnvString("GCS_BUCKET", ""),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}
