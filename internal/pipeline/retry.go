package pipeline

import (
	"github.com/relume-ai/relume/internal/models"
)

// TightenLevelFor maps a zero-based attempt number to a tighten level. A
// strict retry (user-requested re-run after a compliance failure) skips the
// permissive tiers and starts in strict mode.
func TightenLevelFor(attempt int, strict bool) int {
	level := attempt
	if strict {
		level = attempt + TightenStrict
	}
	if level > TightenMinimal {
		level = TightenMinimal
	}
	if level < TightenNone {
		level = TightenNone
	}
	return level
}

// ErrorCodeForReport maps a blocking validator verdict to the job-level error
// code surfaced when the stage's attempt budget is exhausted.
func ErrorCodeForReport(stage models.Stage, report *models.ValidatorReport) string {
	if report == nil {
		return models.ErrCodeValidatorError
	}
	switch report.Final.BlockedBy {
	case models.BlockedByLocal:
		return models.StructuralRejectCode(stage)
	case models.BlockedBySemantic:
		return models.ErrCodeGeminiSemantic
	case models.BlockedByPlacement:
		return models.ErrCodeGeminiPlacement
	case models.BlockedByParseError:
		return models.ErrCodeGeminiParseError
	default:
		return models.ErrCodeValidatorError
	}
}

// FailureHints distills a rejected report into short phrases for the next
// attempt's tightened prompt.
func FailureHints(report *models.ValidatorReport) []string {
	if report == nil {
		return nil
	}

	var hints []string
	for _, t := range report.Local.Triggers {
		if t.Fatal || len(hints) == 0 {
			hints = append(hints, t.Message)
		}
	}
	if report.Semantic != nil {
		hints = append(hints, report.Semantic.FailReasons...)
	}
	if report.Placement != nil {
		hints = append(hints, report.Placement.Reasons...)
	}
	if len(hints) == 0 && report.Final.Reason != "" {
		hints = append(hints, report.Final.Reason)
	}
	if len(hints) > 3 {
		hints = hints[:3]
	}
	return hints
}

// RecordFailure updates the job's retry state after a rejected attempt.
func RecordFailure(job *models.Job, stage models.Stage, reason string) {
	if job.Retry.Attempts == nil {
		job.Retry.Attempts = make(map[models.Stage]int)
	}
	job.Retry.Attempts[stage]++
	job.Retry.LastFailedStage = stage
	if reason != "" {
		job.Retry.FailureReasons = append(job.Retry.FailureReasons, reason)
	}
}
