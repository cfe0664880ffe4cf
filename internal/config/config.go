// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret    string
	AdminKeyHash string

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Uploads and deletion
	MaxUploadSize int64
	DeleteGrace   time.Duration

	// Backups ("file", "postgres", "badger" or "none")
	BackupBackend  string
	BackupPath     string
	DatabaseURL    string
	BackupInterval time.Duration

	// Rate limiting (0 = unlimited)
	VaultRequestsPerMin int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:          envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:         envOr("METRICS_ADDR", ":9090"),
		LogLevel:            envOr("LOG_LEVEL", "info"),
		LogFormat:           envOr("LOG_FORMAT", "json"),
		TLSCertFile:         envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:          envOr("TLS_KEY_FILE", ""),
		JWTSecret:           envOr("JWT_SECRET", ""),
		AdminKeyHash:        envOr("ADMIN_KEY_HASH", ""),
		StorageBackend:      envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath:    envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:          envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:            envOr("S3_BUCKET", "web-vault"),
		S3AccessKey:         envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:         envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:            envOr("S3_REGION", "us-east-1"),
		S3UseSSL:            envBool("S3_USE_SSL", false),
		MaxUploadSize:       envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		DeleteGrace:         envDuration("DELETE_GRACE", 30*time.Second),
		BackupBackend:       envOr("BACKUP_BACKEND", "file"),
		BackupPath:          envOr("BACKUP_PATH", ""),
		DatabaseURL:         envOr("DATABASE_URL", ""),
		BackupInterval:      envDuration("BACKUP_INTERVAL", 5*time.Minute),
		VaultRequestsPerMin: envInt("VAULT_REQUESTS_PER_MIN", 0),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	switch cfg.StorageBackend {
	case "local", "s3":
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
	switch cfg.BackupBackend {
	case "file":
		if cfg.BackupPath == "" {
			cfg.BackupPath = "/data/backup/snapshot.json"
		}
	case "badger":
		if cfg.BackupPath == "" {
			cfg.BackupPath = "/data/backup/badger"
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for postgres backups")
		}
	case "none":
	default:
		return nil, fmt.Errorf("unknown BACKUP_BACKEND %q", cfg.BackupBackend)
	}
	if cfg.BackupInterval <= 0 {
		return nil, fmt.Errorf("BACKUP_INTERVAL must be positive")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
