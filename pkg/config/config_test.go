package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mindsync-ai/predator/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PREDATOR_DATA_DIR", "PREDATOR_NODE_COUNT", "PREDATOR_REDIS_ADDR",
		"PREDATOR_POSTGRES_DSN", "PREDATOR_SHADOW_MODE",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()
	assert.Equal(t, "/var/lib/predator", cfg.DataDir)
	assert.Equal(t, 3, cfg.NodeCount)
	assert.Empty(t, cfg.RedisAddr)
	assert.False(t, cfg.ShadowMode)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PREDATOR_DATA_DIR", "/srv/predator")
	t.Setenv("PREDATOR_NODE_COUNT", "5")
	t.Setenv("PREDATOR_REDIS_ADDR", "localhost:6379")
	t.Setenv("PREDATOR_ARTIFACT_MIRROR", "s3://predator-artifacts")
	t.Setenv("PREDATOR_SHADOW_MODE", "true")

	cfg := config.Load()
	assert.Equal(t, "/srv/predator", cfg.DataDir)
	assert.Equal(t, 5, cfg.NodeCount)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, "s3://predator-artifacts", cfg.ArtifactMirror)
	assert.True(t, cfg.ShadowMode)
}

func TestLoadIgnoresInvalidNodeCount(t *testing.T) {
	t.Setenv("PREDATOR_NODE_COUNT", "zero")
	cfg := config.Load()
	assert.Equal(t, 3, cfg.NodeCount)
}
