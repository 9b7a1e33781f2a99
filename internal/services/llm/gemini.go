package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// GeminiService backs the generative and judge model calls with the Gemini
// API. One client serves both roles; the image model and judge model are
// configured separately so the cheap judge model never runs generation.
type GeminiService struct {
	config  *common.LLMConfig
	logger  arbor.ILogger
	client  *genai.Client
	retry   *RetryConfig
	timeout time.Duration
}

// NewGeminiService initializes the genai client from configuration.
func NewGeminiService(config *common.Config, logger arbor.ILogger) (*GeminiService, error) {
	if config.LLM.GoogleAPIKey == "" {
		return nil, fmt.Errorf("Google API key is required (set RELUME_LLM_GOOGLE_API_KEY or llm.google_api_key in config)")
	}

	if config.LLM.ImageModelName == "" {
		config.LLM.ImageModelName = "gemini-2.5-flash-image"
	}
	if config.LLM.JudgeModelName == "" {
		config.LLM.JudgeModelName = "gemini-2.0-flash"
	}

	timeout := 60 * time.Second
	if config.LLM.Timeout != "" {
		parsed, err := time.ParseDuration(config.LLM.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout duration '%s': %w", config.LLM.Timeout, err)
		}
		timeout = parsed
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  config.LLM.GoogleAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	service := &GeminiService{
		config:  &config.LLM,
		logger:  logger,
		client:  client,
		retry:   NewDefaultRetryConfig(),
		timeout: timeout,
	}

	logger.Info().
		Str("image_model", config.LLM.ImageModelName).
		Str("judge_model", config.LLM.JudgeModelName).
		Dur("timeout", timeout).
		Msg("Gemini service initialized successfully")

	return service, nil
}

// Generate produces a candidate image from the prompt and input image.
// Transport-level failures are retried inside the caller's deadline; the
// caller owns the attempt budget.
func (s *GeminiService) Generate(ctx context.Context, req *interfaces.GenerateRequest) (*interfaces.GenerateResult, error) {
	if len(req.InputImage) == 0 {
		return nil, fmt.Errorf("input image is required for generation")
	}

	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				genai.NewPartFromText(req.Prompt),
				genai.NewPartFromBytes(req.InputImage, mimeOrDefault(req.InputMIME)),
			},
		},
	}

	config := &genai.GenerateContentConfig{
		Temperature:        genai.Ptr(req.Sampling.Temperature),
		TopP:               genai.Ptr(req.Sampling.TopP),
		TopK:               genai.Ptr(float32(req.Sampling.TopK)),
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}

	startTime := time.Now()
	resp, err := s.generateWithRetry(ctx, s.config.ImageModelName, contents, config)
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}

	result := extractImage(resp)
	if result == nil {
		return nil, fmt.Errorf("no image returned from model")
	}

	s.logger.Debug().
		Str("model", s.config.ImageModelName).
		Int("image_bytes", len(result.Image)).
		Dur("duration", time.Since(startTime)).
		Msg("Image generation completed")

	return result, nil
}

// EvaluateSemantic asks the judge model to score a base/candidate pair
// against the stage rubric. Decode failures surface as a ParseError verdict,
// never as an error; a nil error with ParseError set means the model answered
// but could not be trusted.
func (s *GeminiService) EvaluateSemantic(ctx context.Context, req *interfaces.JudgeRequest) (*models.SemanticVerdict, error) {
	raw, err := s.judgeCall(ctx, semanticRubric(req), req)
	if err != nil {
		return nil, err
	}

	verdict := ParseSemanticVerdict(req.Stage, raw)
	if verdict.ParseError {
		s.logger.Warn().
			Str("stage", string(req.Stage)).
			Str("reason", verdict.Reason).
			Msg("Semantic judge response could not be parsed")
	}
	return verdict, nil
}

// EvaluatePlacement asks the judge model to review staged furniture.
func (s *GeminiService) EvaluatePlacement(ctx context.Context, req *interfaces.JudgeRequest) (*models.PlacementVerdict, error) {
	raw, err := s.judgeCall(ctx, placementRubric(req), req)
	if err != nil {
		return nil, err
	}
	return ParsePlacementVerdict(raw)
}

// Analyze produces a failure post-mortem using the judge model. Used when
// the analysis vendor is configured as gemini.
func (s *GeminiService) Analyze(ctx context.Context, req *interfaces.AnalysisRequest) (*models.FailureAnalysis, error) {
	model := s.config.AnalysisModel
	if model == "" {
		model = s.config.JudgeModelName
	}

	contents := []*genai.Content{
		genai.NewContentFromText(analysisPrompt(req), genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.2)),
		ResponseMIMEType: "application/json",
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.generateWithRetry(timeoutCtx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("failure analysis failed: %w", err)
	}

	analysis, err := ParseFailureAnalysis(responseText(resp))
	if err != nil {
		return nil, err
	}
	analysis.Model = model
	analysis.CreatedAt = time.Now().UTC()
	return analysis, nil
}

// Close releases the client reference. The genai client holds no resources
// that require explicit cleanup.
func (s *GeminiService) Close() error {
	s.client = nil
	return nil
}

// judgeCall sends rubric text plus the base and candidate images to the
// judge model and returns the raw response text. The judge runs at zero
// temperature; verdicts must be repeatable.
func (s *GeminiService) judgeCall(ctx context.Context, rubric string, req *interfaces.JudgeRequest) (string, error) {
	mime := mimeOrDefault(req.MIME)
	contents := []*genai.Content{
		{
			Role: genai.RoleUser,
			Parts: []*genai.Part{
				genai.NewPartFromText(rubric),
				genai.NewPartFromBytes(req.BaseImage, mime),
				genai.NewPartFromBytes(req.CandidateImage, mime),
			},
		},
	}

	config := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0)),
		ResponseMIMEType: "application/json",
	}

	resp, err := s.generateWithRetry(ctx, s.config.JudgeModelName, contents, config)
	if err != nil {
		return "", fmt.Errorf("judge call failed: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return "", fmt.Errorf("empty response from judge model")
	}
	return text, nil
}

// generateWithRetry wraps GenerateContent with rate-limit aware retries.
// Non-transient errors return immediately.
func (s *GeminiService) generateWithRetry(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		resp, err := s.client.Models.GenerateContent(ctx, model, contents, config)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !IsTransientError(err) || attempt == s.retry.MaxRetries {
			break
		}

		backoff := s.retry.CalculateBackoff(attempt, ExtractRetryDelay(err))
		s.logger.Warn().
			Err(err).
			Str("model", model).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Transient model error, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// responseText concatenates the text parts of the first candidate that has
// any.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		var text string
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}
		if text != "" {
			return text
		}
	}
	return ""
}

// extractImage returns the first inline image part across all candidates.
func extractImage(resp *genai.GenerateContentResponse) *interfaces.GenerateResult {
	if resp == nil {
		return nil
	}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &interfaces.GenerateResult{
					Image: part.InlineData.Data,
					MIME:  part.InlineData.MIMEType,
				}
			}
		}
	}
	return nil
}

func mimeOrDefault(mime string) string {
	if mime == "" {
		return "image/jpeg"
	}
	return mime
}
