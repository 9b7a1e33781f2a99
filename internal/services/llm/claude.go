package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

const defaultClaudeAnalysisModel = "claude-3-5-haiku-latest"

// ClaudeAnalyzer produces failure post-mortems with the Anthropic API.
// Selected when llm.analysis_vendor is "claude".
type ClaudeAnalyzer struct {
	config  *common.LLMConfig
	logger  arbor.ILogger
	client  anthropic.Client
	timeout time.Duration
}

// NewClaudeAnalyzer initializes the Anthropic client from configuration.
func NewClaudeAnalyzer(config *common.Config, logger arbor.ILogger) (*ClaudeAnalyzer, error) {
	if config.LLM.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set RELUME_LLM_ANTHROPIC_API_KEY or llm.anthropic_api_key in config)")
	}

	timeout := 60 * time.Second
	if config.LLM.Timeout != "" {
		parsed, err := time.ParseDuration(config.LLM.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout duration '%s': %w", config.LLM.Timeout, err)
		}
		timeout = parsed
	}

	client := anthropic.NewClient(option.WithAPIKey(config.LLM.AnthropicAPIKey))

	analyzer := &ClaudeAnalyzer{
		config:  &config.LLM,
		logger:  logger,
		client:  client,
		timeout: timeout,
	}

	logger.Info().
		Str("analysis_model", analyzer.model()).
		Dur("timeout", timeout).
		Msg("Claude analyzer initialized successfully")

	return analyzer, nil
}

func (a *ClaudeAnalyzer) model() string {
	if a.config.AnalysisModel != "" {
		return a.config.AnalysisModel
	}
	return defaultClaudeAnalysisModel
}

// Analyze sends the failed job's pipeline trace to Claude and parses the
// structured post-mortem.
func (a *ClaudeAnalyzer) Analyze(ctx context.Context, req *interfaces.AnalysisRequest) (*models.FailureAnalysis, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	startTime := time.Now()
	model := a.model()

	resp, err := a.client.Messages.New(timeoutCtx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   1024,
		Temperature: anthropic.Float(0.2),
		System: []anthropic.TextBlockParam{
			{Text: "You are a pipeline reliability analyst for an image enhancement service. Answer with JSON only."},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(analysisPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failure analysis failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return nil, fmt.Errorf("empty response from analysis model")
	}

	analysis, err := ParseFailureAnalysis(text)
	if err != nil {
		return nil, err
	}
	analysis.Model = model
	analysis.CreatedAt = time.Now().UTC()

	a.logger.Debug().
		Str("model", model).
		Str("classification", analysis.Classification).
		Dur("duration", time.Since(startTime)).
		Msg("Failure analysis completed")

	return analysis, nil
}
