package interfaces

import (
	"context"

	"github.com/relume-ai/relume/internal/models"
)

// JudgeRequest carries a base/candidate pair to the judge model.
type JudgeRequest struct {
	Stage          models.Stage
	Variant        models.Stage2Variant // stage 2 only
	DeclutterMode  models.DeclutterMode // stage 1B only
	Scene          models.SceneType
	BaseImage      []byte
	CandidateImage []byte
	MIME           string
}

// SemanticJudge evaluates whether a candidate is faithful to its baseline.
// EvaluatePlacement is only consulted for stage 2 after the semantic check
// passes.
type SemanticJudge interface {
	EvaluateSemantic(ctx context.Context, req *JudgeRequest) (*models.SemanticVerdict, error)
	EvaluatePlacement(ctx context.Context, req *JudgeRequest) (*models.PlacementVerdict, error)
}

// AnalysisRequest is the pipeline trace sent to the post-mortem model.
type AnalysisRequest struct {
	OriginalImageURL string
	StageURLs        map[models.Stage]string
	Reports          []*models.ValidatorReport
	Retry            models.RetryState
	ErrorCode        string
}

// FailureAnalyzer produces a structured post-mortem for a failed job.
// Strictly best-effort: analyzer errors never re-open job state.
type FailureAnalyzer interface {
	Analyze(ctx context.Context, req *AnalysisRequest) (*models.FailureAnalysis, error)
}
