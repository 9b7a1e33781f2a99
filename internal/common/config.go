package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string           `toml:"environment"` // "development" or "production"
	Server      ServerConfig     `toml:"server"`
	Storage     StorageConfig    `toml:"storage"`
	Workers     WorkersConfig    `toml:"workers"`
	Pipeline    PipelineConfig   `toml:"pipeline"`
	Validation  ValidationConfig `toml:"validation"`
	LLM         LLMConfig        `toml:"llm"`
	Logging     LoggingConfig    `toml:"logging"`
	WebSocket   WebSocketConfig  `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger    BadgerConfig    `toml:"badger"`
	File      FileStoreConfig `toml:"file"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
}

// BadgerConfig represents BadgerDB-specific configuration for the primary KV store
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// FileStoreConfig configures the append-only JSON fallback store used when
// the primary KV store cannot be opened.
type FileStoreConfig struct {
	Path string `toml:"path"` // Journal file path
}

// ArtifactsConfig configures the stage artifact store (filesystem-backed object store)
type ArtifactsConfig struct {
	Dir     string `toml:"dir"`      // Directory for stage artifacts and uploads
	BaseURL string `toml:"base_url"` // Public URL prefix artifacts are served under
}

// WorkersConfig controls the pipeline worker pool
type WorkersConfig struct {
	Concurrency    int     `toml:"concurrency"`      // Number of concurrent stage workers
	PollInterval   string  `toml:"poll_interval"`    // How often idle workers poll for queued jobs
	ModelCallLimit int     `toml:"model_call_limit"` // Cap on in-flight generative model calls
	ModelCallRate  float64 `toml:"model_call_rate"`  // Generative calls per second across all workers (0 = unlimited)
}

// PipelineConfig holds stage execution bounds and lifecycle settings
type PipelineConfig struct {
	MaxAttemptsPerStage int    `toml:"max_attempts_per_stage"` // Retry budget per job/stage (default 3)
	GenerateTimeout     string `toml:"generate_timeout"`       // Per generative call (default 90s)
	ValidatorTimeout    string `toml:"validator_timeout"`      // Per judge call (default 30s)
	StageTimeout        string `toml:"stage_timeout"`          // Per stage including retries (default 6m)
	JobTimeout          string `toml:"job_timeout"`            // Per job wall clock (default 30m)
	TTL                 string `toml:"ttl"`                    // Batch/job retention (default 24h)
	PurgeSchedule       string `toml:"purge_schedule"`         // Cron schedule for TTL sweep
	AnalyzeFailures     bool   `toml:"analyze_failures"`       // Run post-mortem analysis on failed jobs
}

// ValidatorMode controls whether a validator family is skipped, advisory or enforcing.
type ValidatorMode string

const (
	ValidatorModeOff   ValidatorMode = "off"
	ValidatorModeLog   ValidatorMode = "log"
	ValidatorModeBlock ValidatorMode = "block"
)

// ValidationConfig holds the environment-overridable validator policy.
// Threshold zero values mean "use the built-in stage/scene default".
type ValidationConfig struct {
	LocalMode     ValidatorMode `toml:"local_mode"`     // off/log/block for local validators
	SemanticMode  ValidatorMode `toml:"semantic_mode"`  // off/log/block for the judge model
	PlacementMode ValidatorMode `toml:"placement_mode"` // off/log/block for the stage-2 placement judge

	BlockOnRisk        bool                `toml:"block_on_risk"`        // Block stages 1A/1B on local risk without consulting the judge
	FailClosed         bool                `toml:"fail_closed"`          // Treat judge parse errors / any semantic fail as blocking
	HighConfidence     float64             `toml:"high_confidence"`      // Semantic fail blocks at or above this confidence (default 0.8)
	GateMinSignals     int                 `toml:"gate_min_signals"`     // Non-fatal triggers needed to mark the local lane risky (default 2)
	WindowPercentile   float64             `toml:"window_percentile"`    // Brightness percentile for the window detector (default 0.92)
	PlacementBlockSoft bool                `toml:"placement_block_soft"` // Escalate placement soft_fail to blocking
	ThresholdOverrides []ThresholdOverride `toml:"threshold_overrides"`
}

// ThresholdOverride replaces a single stage/scene threshold row.
type ThresholdOverride struct {
	Stage              string  `toml:"stage"` // "1A", "1B", "2"
	Scene              string  `toml:"scene"` // "interior", "exterior"
	MinGlobalEdgeIoU   float64 `toml:"min_global_edge_iou"`
	MinStructuralIoU   float64 `toml:"min_structural_iou"`
	MaxBrightnessDelta float64 `toml:"max_brightness_delta"`
	EnforceLandcover   bool    `toml:"enforce_landcover"`
	EnforceWindows     bool    `toml:"enforce_windows"`
}

// LLMConfig holds generative and judge model configuration
type LLMConfig struct {
	GoogleAPIKey    string `toml:"google_api_key"`    // Gemini API key (or RELUME_LLM_GOOGLE_API_KEY)
	AnthropicAPIKey string `toml:"anthropic_api_key"` // Claude API key for the analysis provider
	ImageModelName  string `toml:"image_model_name"`  // Generative image model (default gemini-2.5-flash-image)
	JudgeModelName  string `toml:"judge_model_name"`  // Semantic/placement judge model (default gemini-2.0-flash)
	AnalysisModel   string `toml:"analysis_model"`    // Failure analysis model name
	AnalysisVendor  string `toml:"analysis_vendor"`   // "gemini" or "claude" (default gemini)
	Timeout         string `toml:"timeout"`           // Default request timeout
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05.000")
}

// WebSocketConfig contains configuration for progress event streaming
type WebSocketConfig struct {
	MinLevel      string   `toml:"min_level"`      // Minimum log level to broadcast
	AllowedEvents []string `toml:"allowed_events"` // Whitelist of event types. Empty allows all.
}

// LoadFromFiles loads configuration from default values, then the given TOML
// files in order (later files override earlier ones), then environment
// variables. Missing files are an error; an empty list yields defaults + env.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks config invariants that would otherwise surface as runtime faults.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be positive, got %d", c.Workers.Concurrency)
	}
	if c.Pipeline.MaxAttemptsPerStage <= 0 {
		return fmt.Errorf("pipeline.max_attempts_per_stage must be positive, got %d", c.Pipeline.MaxAttemptsPerStage)
	}
	for _, mode := range []ValidatorMode{c.Validation.LocalMode, c.Validation.SemanticMode, c.Validation.PlacementMode} {
		switch mode {
		case ValidatorModeOff, ValidatorModeLog, ValidatorModeBlock:
		default:
			return fmt.Errorf("invalid validator mode: %q", mode)
		}
	}
	if c.Validation.HighConfidence < 0 || c.Validation.HighConfidence > 1 {
		return fmt.Errorf("validation.high_confidence must be in [0,1], got %f", c.Validation.HighConfidence)
	}
	return nil
}

func (c *PipelineConfig) GenerateTimeoutDuration() time.Duration {
	return parseDuration(c.GenerateTimeout, 90*time.Second)
}

func (c *PipelineConfig) ValidatorTimeoutDuration() time.Duration {
	return parseDuration(c.ValidatorTimeout, 30*time.Second)
}

func (c *PipelineConfig) StageTimeoutDuration() time.Duration {
	return parseDuration(c.StageTimeout, 6*time.Minute)
}

func (c *PipelineConfig) JobTimeoutDuration() time.Duration {
	return parseDuration(c.JobTimeout, 30*time.Minute)
}

func (c *PipelineConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, 24*time.Hour)
}

func (c *WorkersConfig) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, time.Second)
}

func (c *LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 60*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// applyEnvOverrides applies RELUME_* environment variables on top of file config.
func applyEnvOverrides(cfg *Config) {
	if env := os.Getenv("RELUME_ENV"); env != "" {
		cfg.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		cfg.Environment = env
	}

	if port := os.Getenv("RELUME_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if host := os.Getenv("RELUME_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if path := os.Getenv("RELUME_BADGER_PATH"); path != "" {
		cfg.Storage.Badger.Path = path
	}
	if path := os.Getenv("RELUME_FILE_STORE_PATH"); path != "" {
		cfg.Storage.File.Path = path
	}
	if dir := os.Getenv("RELUME_ARTIFACTS_DIR"); dir != "" {
		cfg.Storage.Artifacts.Dir = dir
	}

	if concurrency := os.Getenv("RELUME_WORKERS_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil && c > 0 {
			cfg.Workers.Concurrency = c
		}
	}
	if limit := os.Getenv("RELUME_MODEL_CALL_LIMIT"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			cfg.Workers.ModelCallLimit = l
		}
	}

	if attempts := os.Getenv("RELUME_MAX_ATTEMPTS_PER_STAGE"); attempts != "" {
		if a, err := strconv.Atoi(attempts); err == nil && a > 0 {
			cfg.Pipeline.MaxAttemptsPerStage = a
		}
	}
	if ttl := os.Getenv("RELUME_TTL"); ttl != "" {
		cfg.Pipeline.TTL = ttl
	}

	if mode := os.Getenv("RELUME_VALIDATION_LOCAL_MODE"); mode != "" {
		cfg.Validation.LocalMode = ValidatorMode(strings.ToLower(mode))
	}
	if mode := os.Getenv("RELUME_VALIDATION_SEMANTIC_MODE"); mode != "" {
		cfg.Validation.SemanticMode = ValidatorMode(strings.ToLower(mode))
	}
	if mode := os.Getenv("RELUME_VALIDATION_PLACEMENT_MODE"); mode != "" {
		cfg.Validation.PlacementMode = ValidatorMode(strings.ToLower(mode))
	}
	if v := os.Getenv("RELUME_VALIDATION_FAIL_CLOSED"); v != "" {
		cfg.Validation.FailClosed = v == "true" || v == "1"
	}
	if v := os.Getenv("RELUME_VALIDATION_BLOCK_ON_RISK"); v != "" {
		cfg.Validation.BlockOnRisk = v == "true" || v == "1"
	}
	if v := os.Getenv("RELUME_VALIDATION_HIGH_CONFIDENCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Validation.HighConfidence = f
		}
	}
	if v := os.Getenv("RELUME_VALIDATION_GATE_MIN_SIGNALS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Validation.GateMinSignals = n
		}
	}
	if v := os.Getenv("RELUME_VALIDATION_WINDOW_PERCENTILE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.Validation.WindowPercentile = f
		}
	}

	if key := os.Getenv("RELUME_LLM_GOOGLE_API_KEY"); key != "" {
		cfg.LLM.GoogleAPIKey = key
	}
	if key := os.Getenv("RELUME_LLM_ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.AnthropicAPIKey = key
	}
	if model := os.Getenv("RELUME_LLM_IMAGE_MODEL"); model != "" {
		cfg.LLM.ImageModelName = model
	}
	if model := os.Getenv("RELUME_LLM_JUDGE_MODEL"); model != "" {
		cfg.LLM.JudgeModelName = model
	}

	if level := os.Getenv("RELUME_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if output := os.Getenv("RELUME_LOG_OUTPUT"); output != "" {
		cfg.Logging.Output = strings.Split(output, ",")
	}
}
