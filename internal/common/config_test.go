package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relume.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFiles_Defaults(t *testing.T) {
	cfg, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Greater(t, cfg.Server.Port, 0)
	assert.Equal(t, ValidatorModeBlock, cfg.Validation.LocalMode)
	assert.Equal(t, ValidatorModeBlock, cfg.Validation.SemanticMode)
	assert.Equal(t, 0.8, cfg.Validation.HighConfidence)
	assert.Equal(t, 2, cfg.Validation.GateMinSignals)
	assert.Equal(t, 0.92, cfg.Validation.WindowPercentile)
}

func TestLoadFromFiles_LaterFilesOverride(t *testing.T) {
	base := writeConfigFile(t, `
[server]
port = 9001
host = "0.0.0.0"

[pipeline]
max_attempts_per_stage = 5
`)
	local := writeConfigFile(t, `
[server]
port = 9002
`)

	cfg, err := LoadFromFiles(base, local)
	require.NoError(t, err)
	assert.Equal(t, 9002, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 5, cfg.Pipeline.MaxAttemptsPerStage)
}

func TestLoadFromFiles_MissingFile(t *testing.T) {
	_, err := LoadFromFiles(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadFromFiles_EnvOverrides(t *testing.T) {
	t.Setenv("RELUME_SERVER_PORT", "9100")
	t.Setenv("RELUME_VALIDATION_SEMANTIC_MODE", "LOG")
	t.Setenv("RELUME_VALIDATION_FAIL_CLOSED", "true")
	t.Setenv("RELUME_LLM_GOOGLE_API_KEY", "test-key")

	cfg, err := LoadFromFiles()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, ValidatorModeLog, cfg.Validation.SemanticMode, "mode names are case-insensitive")
	assert.True(t, cfg.Validation.FailClosed)
	assert.Equal(t, "test-key", cfg.LLM.GoogleAPIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, true},
		{"zero concurrency", func(c *Config) { c.Workers.Concurrency = 0 }, true},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttemptsPerStage = 0 }, true},
		{"unknown validator mode", func(c *Config) { c.Validation.LocalMode = "maybe" }, true},
		{"confidence above one", func(c *Config) { c.Validation.HighConfidence = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	p := PipelineConfig{}
	assert.Equal(t, 90*time.Second, p.GenerateTimeoutDuration())
	assert.Equal(t, 30*time.Second, p.ValidatorTimeoutDuration())
	assert.Equal(t, 6*time.Minute, p.StageTimeoutDuration())
	assert.Equal(t, 30*time.Minute, p.JobTimeoutDuration())
	assert.Equal(t, 24*time.Hour, p.TTLDuration())

	p = PipelineConfig{StageTimeout: "2m", TTL: "garbage"}
	assert.Equal(t, 2*time.Minute, p.StageTimeoutDuration())
	assert.Equal(t, 24*time.Hour, p.TTLDuration(), "unparseable values fall back to the default")

	w := WorkersConfig{PollInterval: "250ms"}
	assert.Equal(t, 250*time.Millisecond, w.PollIntervalDuration())
}

func TestNewImageID_Stable(t *testing.T) {
	a := NewImageID([]byte("same bytes"))
	b := NewImageID([]byte("same bytes"))
	c := NewImageID([]byte("other bytes"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "img_")
}
