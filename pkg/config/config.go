// Package config loads node configuration from the environment and
// tenant profiles from YAML files. Profiles carry the security policy
// and quota for one tenant and are schema-validated before use.
package config

import (
	"os"
	"strconv"
)

// Config holds node configuration.
type Config struct {
	DataDir         string
	AuditSigningKey string
	ProfilesDir     string
	// RedisAddr selects the Redis rate backend when set.
	RedisAddr string
	// PostgresDSN selects the Postgres rate backend when set. Redis
	// wins when both are present.
	PostgresDSN string
	// ArtifactMirror is an s3://bucket or gs://bucket URL. Empty keeps
	// artifacts on the local filesystem only.
	ArtifactMirror string
	OTLPEndpoint   string
	NodeCount      int
	ShadowMode     bool
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := os.Getenv("PREDATOR_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/predator"
	}

	nodeCount := 3
	if raw := os.Getenv("PREDATOR_NODE_COUNT"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			nodeCount = parsed
		}
	}

	return &Config{
		DataDir:         dataDir,
		AuditSigningKey: os.Getenv("PREDATOR_AUDIT_KEY"),
		ProfilesDir:     os.Getenv("PREDATOR_PROFILES_DIR"),
		RedisAddr:       os.Getenv("PREDATOR_REDIS_ADDR"),
		PostgresDSN:     os.Getenv("PREDATOR_POSTGRES_DSN"),
		ArtifactMirror:  os.Getenv("PREDATOR_ARTIFACT_MIRROR"),
		OTLPEndpoint:    os.Getenv("PREDATOR_OTLP_ENDPOINT"),
		NodeCount:       nodeCount,
		ShadowMode:      os.Getenv("PREDATOR_SHADOW_MODE") == "true",
	}
}
