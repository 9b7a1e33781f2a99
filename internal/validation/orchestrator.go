package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// Request is one candidate to validate against its stage baseline.
type Request struct {
	Stage         models.Stage
	Variant       models.Stage2Variant
	DeclutterMode models.DeclutterMode
	Scene         models.SceneType
	BaseKey       string // content key of the baseline, for the mask cache
	Base          []byte
	Candidate     []byte
	MIME          string
	BaselinePath  string // recorded in the report for traceability
	CandidatePath string
}

// Orchestrator fuses the two validator lanes into one report. The cheap
// local lane always runs first; a fatal local verdict short-circuits the
// judge entirely, which is the primary cost control. Validator family modes
// (off/log/block) are read from config on every request so rollouts can be
// flipped without a restart.
type Orchestrator struct {
	local        *Local
	judge        interfaces.SemanticJudge
	cfg          func() common.ValidationConfig
	judgeTimeout time.Duration
	logger       arbor.ILogger
}

// NewOrchestrator wires the two lanes. cfg is invoked per request.
func NewOrchestrator(local *Local, judge interfaces.SemanticJudge, cfg func() common.ValidationConfig, judgeTimeout time.Duration, logger arbor.ILogger) *Orchestrator {
	if judgeTimeout <= 0 {
		judgeTimeout = 30 * time.Second
	}
	return &Orchestrator{
		local:        local,
		judge:        judge,
		cfg:          cfg,
		judgeTimeout: judgeTimeout,
		logger:       logger,
	}
}

// Validate runs the two-lane policy and returns an immutable report.
func (o *Orchestrator) Validate(ctx context.Context, req *Request) *models.ValidatorReport {
	start := time.Now()
	cfg := o.cfg()

	report := &models.ValidatorReport{
		Stage:         req.Stage,
		BaselinePath:  req.BaselinePath,
		CandidatePath: req.CandidatePath,
		Local:         models.LocalResult{Verdict: models.LocalPass},
		Final:         models.FinalVerdict{Pass: true, BlockedBy: models.BlockedByNone},
	}
	defer func() {
		report.LatencyMs = time.Since(start).Milliseconds()
	}()

	// Lane 1: local deterministic checks.
	if cfg.LocalMode != common.ValidatorModeOff {
		report.Local = *o.local.Validate(&LocalInput{
			Stage:     req.Stage,
			Scene:     req.Scene,
			BaseKey:   req.BaseKey,
			Base:      req.Base,
			Candidate: req.Candidate,
		})
	}

	localBlocks := cfg.LocalMode == common.ValidatorModeBlock

	// Local fatal short-circuits the judge: never spend a model call on a
	// candidate the pixels already condemned.
	if localBlocks && report.Local.Fatal() {
		report.Final = models.FinalVerdict{
			Pass:      false,
			BlockedBy: models.BlockedByLocal,
			Reason:    firstTriggerMessage(&report.Local),
		}
		return report
	}

	// Optional strictness: block risky candidates without consulting the
	// judge. Stage 2 is exempt; staging redraws too much for the local lane
	// to have the final word.
	if localBlocks && cfg.BlockOnRisk && report.Local.Verdict == models.LocalRisk && req.Stage != models.Stage2 {
		report.Final = models.FinalVerdict{
			Pass:      false,
			BlockedBy: models.BlockedByLocal,
			Reason:    fmt.Sprintf("local lane risky: %s", firstTriggerMessage(&report.Local)),
		}
		return report
	}

	if cfg.SemanticMode == common.ValidatorModeOff || o.judge == nil {
		return report
	}

	// Lane 2: semantic judge.
	judgeReq := &interfaces.JudgeRequest{
		Stage:          req.Stage,
		Variant:        req.Variant,
		DeclutterMode:  req.DeclutterMode,
		Scene:          req.Scene,
		BaseImage:      req.Base,
		CandidateImage: req.Candidate,
		MIME:           req.MIME,
	}

	judgeCtx, cancel := context.WithTimeout(ctx, o.judgeTimeout)
	verdict, err := o.judge.EvaluateSemantic(judgeCtx, judgeReq)
	cancel()
	if err != nil {
		// Transport failure is surfaced like a parse failure: the judge had
		// no say. Fail-closed decides whether that blocks.
		o.logger.Warn().Err(err).Str("stage", string(req.Stage)).Msg("Semantic judge call failed")
		verdict = &models.SemanticVerdict{ParseError: true, Reason: err.Error()}
	}
	report.Semantic = verdict

	semanticBlocks := cfg.SemanticMode == common.ValidatorModeBlock

	if verdict.ParseError {
		if semanticBlocks && cfg.FailClosed && (req.Stage == models.Stage1B || req.Stage == models.Stage2) {
			report.Final = models.FinalVerdict{
				Pass:      false,
				BlockedBy: models.BlockedByParseError,
				Reason:    "judge response could not be parsed",
			}
		}
		return report
	}

	if !verdict.Pass {
		if semanticBlocks && (verdict.Confidence >= cfg.HighConfidence || cfg.FailClosed) {
			report.Final = models.FinalVerdict{
				Pass:      false,
				BlockedBy: models.BlockedBySemantic,
				Reason:    semanticFailReason(verdict),
			}
		}
		return report
	}

	// Stage 2 only: the placement judge reviews staged furniture after the
	// semantic check passes.
	if req.Stage == models.Stage2 && cfg.PlacementMode != common.ValidatorModeOff {
		placementCtx, cancel := context.WithTimeout(ctx, o.judgeTimeout)
		placement, err := o.judge.EvaluatePlacement(placementCtx, judgeReq)
		cancel()
		if err != nil {
			o.logger.Warn().Err(err).Msg("Placement judge call failed")
			return report
		}
		report.Placement = placement

		if cfg.PlacementMode == common.ValidatorModeBlock {
			blockSoft := cfg.PlacementBlockSoft && placement.Verdict == models.PlacementSoftFail
			if placement.Verdict == models.PlacementHardFail || blockSoft {
				report.Final = models.FinalVerdict{
					Pass:      false,
					BlockedBy: models.BlockedByPlacement,
					Reason:    placementFailReason(placement),
				}
				return report
			}
		}
	}

	return report
}

func firstTriggerMessage(local *models.LocalResult) string {
	for _, t := range local.Triggers {
		if t.Fatal {
			return t.Message
		}
	}
	if len(local.Triggers) > 0 {
		return local.Triggers[0].Message
	}
	return "local validators rejected the candidate"
}

func semanticFailReason(v *models.SemanticVerdict) string {
	if len(v.FailReasons) > 0 {
		return v.FailReasons[0]
	}
	if v.Reason != "" {
		return v.Reason
	}
	return "semantic judge rejected the candidate"
}

func placementFailReason(p *models.PlacementVerdict) string {
	if len(p.Reasons) > 0 {
		return p.Reasons[0]
	}
	return "placement judge rejected the staged furniture"
}
