// Package common provides shared configuration, logging and ID utilities.
package common

// DefaultConfig returns the built-in configuration. File config, environment
// variables and CLI flags are layered on top of these values in that order.
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8180,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data/relume",
			},
			File: FileStoreConfig{
				Path: "./data/relume-journal.jsonl",
			},
			Artifacts: ArtifactsConfig{
				Dir:     "./data/artifacts",
				BaseURL: "/artifacts",
			},
		},
		Workers: WorkersConfig{
			Concurrency:    4,
			PollInterval:   "1s",
			ModelCallLimit: 4,
			ModelCallRate:  2,
		},
		Pipeline: PipelineConfig{
			MaxAttemptsPerStage: 3,
			GenerateTimeout:     "90s",
			ValidatorTimeout:    "30s",
			StageTimeout:        "6m",
			JobTimeout:          "30m",
			TTL:                 "24h",
			PurgeSchedule:       "@every 1h",
			AnalyzeFailures:     false,
		},
		Validation: ValidationConfig{
			LocalMode:        ValidatorModeBlock,
			SemanticMode:     ValidatorModeBlock,
			PlacementMode:    ValidatorModeBlock,
			BlockOnRisk:      false,
			FailClosed:       false,
			HighConfidence:   0.8,
			GateMinSignals:   2,
			WindowPercentile: 0.92,
		},
		LLM: LLMConfig{
			ImageModelName: "gemini-2.5-flash-image",
			JudgeModelName: "gemini-2.0-flash",
			AnalysisModel:  "",
			AnalysisVendor: "gemini",
			Timeout:        "60s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05.000",
		},
		WebSocket: WebSocketConfig{
			MinLevel:      "info",
			AllowedEvents: nil,
		},
	}
}
