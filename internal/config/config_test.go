package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check server defaults
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	// Check queue defaults
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 100, cfg.Queue.KeepCompleted)
	assert.Equal(t, 500, cfg.Queue.KeepFailed)
	assert.Equal(t, "@every 30s", cfg.Queue.StalledSchedule)

	// Check worker defaults
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.Equal(t, 50, cfg.Worker.PoolMax)
	assert.Equal(t, 5*time.Minute, cfg.Worker.PoolIdleTimeout)
	assert.Equal(t, time.Minute, cfg.Worker.HealthInterval)
	assert.Equal(t, int64(100), cfg.Worker.BacklogThreshold)

	// Check vector defaults
	assert.Equal(t, 100, cfg.Vector.BatchSize)
	assert.Equal(t, 2, cfg.Vector.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Vector.RetryDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.Vector.InterBatchDelay)

	// Check extractor and processing defaults
	assert.Equal(t, 15*time.Second, cfg.Extractor.FetchTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Processing.StaleThreshold)
}

func TestConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_HOST", "db.example.com")
	t.Setenv("REDIS_ADDR", "redis.example.com:6380")
	t.Setenv("DOCMESH_WORKER_CONCURRENCY", "4")
	t.Setenv("DOCMESH_VECTOR_BACKEND", "memory")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "db.example.com", cfg.Database.Host)
	assert.Equal(t, "redis.example.com:6380", cfg.Redis.Address)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, "memory", cfg.Vector.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad port", map[string]string{"PORT": "70000"}},
		{"zero workers", map[string]string{"DOCMESH_WORKER_CONCURRENCY": "0"}},
		{"workers exhaust database pool", map[string]string{"DOCMESH_WORKER_CONCURRENCY": "20", "DOCMESH_DATABASE_MAX_CONNS": "20"}},
		{"oversized vector batch", map[string]string{"DOCMESH_VECTOR_BATCH_SIZE": "250"}},
		{"http backend without endpoint", map[string]string{"DOCMESH_VECTOR_BACKEND": "http"}},
		{"unknown embedder", map[string]string{"DOCMESH_EMBEDDING_PROVIDER": "magic"}},
		{"s3 without bucket", map[string]string{"DOCMESH_STORAGE_BACKEND": "s3"}},
		{"overlap not smaller than size", map[string]string{"DOCMESH_PROCESSING_CHUNK_OVERLAP": "200"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "h", Port: 5432, Username: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=disable", d.DSN())
}
