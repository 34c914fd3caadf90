package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleConfigHolder_Defaults(t *testing.T) {
	holder, err := NewLifecycleConfigHolder(Config{LifecycleConfigPath: t.TempDir()})
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, DefaultLifecycleConfig(), cfg)
}

func TestNewLifecycleConfigHolder_FromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`lifecycle:
  serviceName: entitlement-service
  queueName: custom-queue
  runInterval: 5s
  batchSize: 10
  jobTimeout: 20s
  maxAttempts: 3
  retryBackoff: 2m
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lifecycle.yml"), content, 0o600))

	holder, err := NewLifecycleConfigHolder(Config{LifecycleConfigPath: dir})
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "custom-queue", cfg.QueueName)
	assert.Equal(t, 5*time.Second, cfg.RunInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.RetryBackoff)
}

func TestNewLifecycleConfigHolder_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"batch size":    "batchSize: 0",
		"job timeout":   "jobTimeout: 0s",
		"retry backoff": "retryBackoff: -1m",
		"run interval":  "runInterval: 0s",
	}

	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			content := []byte("lifecycle:\n  " + line + "\n")
			require.NoError(t, os.WriteFile(filepath.Join(dir, "lifecycle.yml"), content, 0o600))

			_, err := NewLifecycleConfigHolder(Config{LifecycleConfigPath: dir})
			assert.Error(t, err)
		})
	}
}
