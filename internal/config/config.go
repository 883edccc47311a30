// Package config provides configuration loading for rateio runs: runner
// settings from the environment and the allocation plan from YAML.
package config

import (
	"os"
	"strconv"
)

// RunnerConfig holds batch runner configuration.
type RunnerConfig struct {
	// Plan and source settings
	PlanPath   string
	SourceKind string
	SourceDir  string

	// HTTP source settings
	SourceBaseURL string

	// Object store settings
	S3Endpoint     string
	S3Region       string
	S3UseSSL       bool
	S3AccessKey    string
	S3SecretKey    string
	SourceBucket   string
	SourcePrefix   string
	ArtifactBucket string
	ArtifactPrefix string
	LocalStoreDir  string

	// Warehouse and ledger settings
	WarehouseDSN string
	LedgerDSN    string

	// Staging settings
	StagingProvider string
	StagingDir      string

	// Engine settings
	Parallelism int
	Debug       bool
}

// LoadRunnerConfig loads configuration from environment.
func LoadRunnerConfig() *RunnerConfig {
	return &RunnerConfig{
		PlanPath:        getEnv("RATEIO_PLAN", "rateio.yaml"),
		SourceKind:      getEnv("RATEIO_SOURCE", "jsondir"),
		SourceDir:       getEnv("RATEIO_SOURCE_DIR", "data/raw"),
		SourceBaseURL:   getEnv("RATEIO_SOURCE_BASE_URL", ""),
		S3Endpoint:      getEnv("RATEIO_S3_ENDPOINT", ""),
		S3Region:        getEnv("RATEIO_S3_REGION", "us-east-1"),
		S3UseSSL:        getEnvBool("RATEIO_S3_USE_SSL", false),
		S3AccessKey:     getEnv("RATEIO_S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("RATEIO_S3_SECRET_KEY", ""),
		SourceBucket:    getEnv("RATEIO_SOURCE_BUCKET", "rateio-raw"),
		SourcePrefix:    getEnv("RATEIO_SOURCE_PREFIX", ""),
		ArtifactBucket:  getEnv("RATEIO_ARTIFACT_BUCKET", "rateio-artifacts"),
		ArtifactPrefix:  getEnv("RATEIO_ARTIFACT_PREFIX", "allocations"),
		LocalStoreDir:   getEnv("RATEIO_LOCAL_STORE_DIR", ""),
		WarehouseDSN:    getEnv("RATEIO_WAREHOUSE_DSN", ""),
		LedgerDSN:       getEnv("RATEIO_LEDGER_DSN", ""),
		StagingProvider: getEnv("RATEIO_STAGING_PROVIDER", ""),
		StagingDir:      getEnv("RATEIO_STAGING_DIR", ""),
		Parallelism:     getEnvInt("RATEIO_PARALLELISM", 1),
		Debug:           getEnvBool("RATEIO_DEBUG", false),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
