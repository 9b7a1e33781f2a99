package llm

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
)

// NewFailureAnalyzer selects the analysis provider based on configuration.
// The Gemini service is passed in so the default vendor reuses the client
// the pipeline already holds.
func NewFailureAnalyzer(cfg *common.Config, gemini *GeminiService, logger arbor.ILogger) (interfaces.FailureAnalyzer, error) {
	vendor := cfg.LLM.AnalysisVendor
	if vendor == "" {
		vendor = "gemini"
	}

	logger.Info().Str("vendor", vendor).Msg("Initializing failure analyzer")

	switch vendor {
	case "gemini":
		if gemini == nil {
			return nil, fmt.Errorf("gemini service is required for the gemini analysis vendor")
		}
		return gemini, nil

	case "claude":
		return NewClaudeAnalyzer(cfg, logger)

	default:
		return nil, fmt.Errorf("invalid analysis vendor '%s': must be 'gemini' or 'claude'", vendor)
	}
}
