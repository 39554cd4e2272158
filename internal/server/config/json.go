package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/docsrv/ingest/internal/flagx"
	"github.com/docsrv/ingest/internal/timex"
)

// JsonConfig is the intermediate DTO for the JSON configuration file. It
// uses timex.Duration for interval fields, which allows parsing both string
// values such as "30s" and integer nanoseconds. Only fields present in the
// file override the running Config.
type JsonConfig struct {
	EndpointAddrHTTP            *string         `json:"endpoint_addr_http"`
	DatabaseDSN                 *string         `json:"database_dsn"`
	RedisAddr                   *string         `json:"redis_addr"`
	RedisPassword               *string         `json:"redis_password"`
	RedisDB                     *int            `json:"redis_db"`
	SecretKey                   *string         `json:"secret_key"`
	AccessTokenValidityDuration *timex.Duration `json:"access_token_validity_duration"`
	CORSAllowedOrigins          []string        `json:"cors_allowed_origins"`

	S3RootUser          *string `json:"s3_root_user"`
	S3RootPassword      *string `json:"s3_root_password"`
	S3Bucket            *string `json:"s3_bucket"`
	S3Region            *string `json:"s3_region"`
	S3BaseEndpoint      *string `json:"s3_base_endpoint"`
	StagingDir          *string `json:"staging_dir"`
	ChunkWritersPerFile *int    `json:"chunk_writers_per_file"`

	IngestionEndpoint *string         `json:"ingestion_endpoint"`
	IngestionAPIKey   *string         `json:"ingestion_api_key"`
	IngestionTimeout  *timex.Duration `json:"ingestion_timeout"`

	SubmitWorkers       *int            `json:"submit_workers"`
	SubmitMaxAttempts   *int            `json:"submit_max_attempts"`
	SubmitBaseDelay     *timex.Duration `json:"submit_base_delay"`
	SubmitMaxDelay      *timex.Duration `json:"submit_max_delay"`
	BreakerThreshold    *int            `json:"breaker_threshold"`
	BreakerCoolDown     *timex.Duration `json:"breaker_cool_down"`
	IngestionRateLimit  *int            `json:"ingestion_rate_limit"`
	IngestionRateWindow *timex.Duration `json:"ingestion_rate_window"`
	SubmitterPauseRetry *timex.Duration `json:"submitter_pause_retry"`

	MaxFileSize          *int64   `json:"max_file_size"`
	AllowedExtensions    []string `json:"allowed_extensions"`
	RequireTypeAgreement *bool    `json:"require_type_agreement"`
	MaxChunkSize         *int64   `json:"max_chunk_size"`

	MaxActiveSessionsPerUser *int            `json:"max_active_sessions_per_user"`
	MaxFilesPerSession       *int            `json:"max_files_per_session"`
	SessionTTL               *timex.Duration `json:"session_ttl"`
	SessionRetention         *timex.Duration `json:"session_retention"`
	ReaperInterval           *timex.Duration `json:"reaper_interval"`

	ProgressL1TTL         *timex.Duration `json:"progress_l1_ttl"`
	ProgressL2TTL         *timex.Duration `json:"progress_l2_ttl"`
	ProgressL3TTL         *timex.Duration `json:"progress_l3_ttl"`
	ProgressStatsInterval *timex.Duration `json:"progress_stats_interval"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/-config command-line
// flags; with no flag set, no JSON file is loaded. A missing or invalid
// file panics: a deployment that asks for a config file wants it applied.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}
	applyJson(config, c)
}

func applyJson(config *Config, c *JsonConfig) {
	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	setInt(&config.RedisDB, c.RedisDB)
	setString(&config.SecretKey, c.SecretKey)
	setDuration(&config.AccessTokenValidityDuration, c.AccessTokenValidityDuration)
	if c.CORSAllowedOrigins != nil {
		config.CORSAllowedOrigins = c.CORSAllowedOrigins
	}

	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.StagingDir, c.StagingDir)
	setInt(&config.ChunkWritersPerFile, c.ChunkWritersPerFile)

	setString(&config.IngestionEndpoint, c.IngestionEndpoint)
	setString(&config.IngestionAPIKey, c.IngestionAPIKey)
	setDuration(&config.IngestionTimeout, c.IngestionTimeout)

	setInt(&config.SubmitWorkers, c.SubmitWorkers)
	setInt(&config.SubmitMaxAttempts, c.SubmitMaxAttempts)
	setDuration(&config.SubmitBaseDelay, c.SubmitBaseDelay)
	setDuration(&config.SubmitMaxDelay, c.SubmitMaxDelay)
	setInt(&config.BreakerThreshold, c.BreakerThreshold)
	setDuration(&config.BreakerCoolDown, c.BreakerCoolDown)
	setInt(&config.IngestionRateLimit, c.IngestionRateLimit)
	setDuration(&config.IngestionRateWindow, c.IngestionRateWindow)
	setDuration(&config.SubmitterPauseRetry, c.SubmitterPauseRetry)

	if c.MaxFileSize != nil {
		config.MaxFileSize = *c.MaxFileSize
	}
	if c.AllowedExtensions != nil {
		config.AllowedExtensions = c.AllowedExtensions
	}
	if c.RequireTypeAgreement != nil {
		config.RequireTypeAgreement = *c.RequireTypeAgreement
	}
	if c.MaxChunkSize != nil {
		config.MaxChunkSize = *c.MaxChunkSize
	}

	setInt(&config.MaxActiveSessionsPerUser, c.MaxActiveSessionsPerUser)
	setInt(&config.MaxFilesPerSession, c.MaxFilesPerSession)
	setDuration(&config.SessionTTL, c.SessionTTL)
	setDuration(&config.SessionRetention, c.SessionRetention)
	setDuration(&config.ReaperInterval, c.ReaperInterval)

	setDuration(&config.ProgressL1TTL, c.ProgressL1TTL)
	setDuration(&config.ProgressL2TTL, c.ProgressL2TTL)
	setDuration(&config.ProgressL3TTL, c.ProgressL3TTL)
	setDuration(&config.ProgressStatsInterval, c.ProgressStatsInterval)
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *timex.Duration) {
	if src != nil {
		*dst = time.Duration(src.Duration)
	}
}
