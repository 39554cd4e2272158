package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// parseEnv overlays settings from environment variables, typically loaded
// from a .env file in development. Only secrets and per-environment
// endpoints are exposed this way; tuning knobs live in the JSON file.
func parseEnv(config *Config) {
	envString(&config.EndpointAddrHTTP, "SERVER_ADDRESS")
	envString(&config.DatabaseDSN, "DATABASE_DSN")
	envString(&config.RedisAddr, "REDIS_ADDR")
	envString(&config.RedisPassword, "REDIS_PASSWORD")
	envInt(&config.RedisDB, "REDIS_DB")
	envString(&config.SecretKey, "SECRET_KEY")

	envString(&config.S3RootUser, "S3_ROOT_USER")
	envString(&config.S3RootPassword, "S3_ROOT_PASSWORD")
	envString(&config.S3Bucket, "S3_BUCKET")
	envString(&config.S3Region, "S3_REGION")
	envString(&config.S3BaseEndpoint, "S3_BASE_ENDPOINT")
	envString(&config.StagingDir, "STAGING_DIR")

	envString(&config.IngestionEndpoint, "INGESTION_ENDPOINT")
	envString(&config.IngestionAPIKey, "INGESTION_API_KEY")
	envDuration(&config.IngestionTimeout, "INGESTION_TIMEOUT")

	if v, ok := os.LookupEnv("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		config.CORSAllowedOrigins = strings.Split(v, ",")
	}
}

func envString(dst *string, name string) {
	if v, ok := os.LookupEnv(name); ok {
		*dst = v
	}
}

func envInt(dst *int, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(dst *time.Duration, name string) {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
