package llm

import (
	"fmt"
	"strings"

	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// semanticRubric builds the judge prompt for a base/candidate pair. The
// rubric is stage-aware: each stage names the changes the pipeline was
// allowed to make and everything else counts against the candidate.
func semanticRubric(req *interfaces.JudgeRequest) string {
	var b strings.Builder

	b.WriteString("You are a strict compliance reviewer for real-estate photo edits. ")
	b.WriteString("The FIRST image is the approved baseline. The SECOND image is a candidate edit. ")
	b.WriteString("Judge whether the candidate only contains the changes allowed for this edit stage.\n\n")

	switch req.Stage {
	case models.Stage1A:
		b.WriteString("Stage: color and exposure cleanup.\n")
		b.WriteString("Allowed changes: white balance, exposure, contrast, color cast removal, ")
		b.WriteString("lens distortion correction, minor sensor-dust removal.\n")
		b.WriteString("Forbidden: adding or removing any object, changing room contents, ")
		b.WriteString("altering architecture, crop or reframe, perspective change.\n")
	case models.Stage1B:
		if req.DeclutterMode.IsFull() {
			b.WriteString("Stage: full declutter. ALL movable furniture and loose items must be removed; ")
			b.WriteString("the room should read as empty.\n")
		} else {
			b.WriteString("Stage: light declutter. Small loose items (clutter, cables, personal items) ")
			b.WriteString("are removed; large furniture stays in place.\n")
		}
		b.WriteString("Allowed changes: removing the objects named above and plausibly inpainting ")
		b.WriteString("the floor and wall behind them.\n")
		b.WriteString("Forbidden: adding any new object, moving or restyling kept furniture, ")
		b.WriteString("altering windows, doors, built-in cabinetry, flooring pattern, walls or ceiling, ")
		b.WriteString("crop or reframe, perspective change.\n")
	case models.Stage2:
		if req.Variant == models.Variant2B {
			b.WriteString("Stage: virtual staging of an empty room. New furniture and decor are ")
			b.WriteString("expected to appear.\n")
		} else {
			b.WriteString("Stage: virtual restyling of a furnished room. Existing furniture may be ")
			b.WriteString("replaced with new pieces in the requested style.\n")
		}
		b.WriteString("Allowed changes: adding or replacing movable furniture, rugs, art, plants ")
		b.WriteString("and decor.\n")
		b.WriteString("Forbidden: altering windows, doors, built-in cabinetry, flooring pattern, ")
		b.WriteString("walls or ceiling, curtains and blinds, crop or reframe, perspective change.\n")
	}

	b.WriteString("\nFill in every check with \"pass\", \"fail\" or \"unclear\":\n")
	for _, c := range rubricChecks(req.Stage) {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\nRespond with ONLY a JSON object, no markdown fences, in this shape:\n")
	b.WriteString(`{"pass": true, "confidence": 0.0, "allowed_changes_only": true, "reason": "", "fail_reasons": [], "checks": {"<check>": "pass"}}`)
	b.WriteString("\nconfidence is your certainty in the verdict, between 0 and 1. ")
	b.WriteString("pass must be false if any check fails.")

	return b.String()
}

// rubricChecks lists the check names the judge must fill for a stage.
// Order matches the rubric text.
func rubricChecks(stage models.Stage) []string {
	checks := []string{
		models.CheckCropOrReframe,
		models.CheckPerspectiveChange,
		models.CheckArchitecture,
		models.CheckOpenings,
		models.CheckCurtainsBlinds,
		models.CheckFixedCabinetry,
		models.CheckFlooringPattern,
		models.CheckBoundaries,
		models.CheckIntentMatch,
	}
	switch stage {
	case models.Stage1A, models.Stage1B:
		checks = append(checks, models.CheckNewObjectsAdded)
	}
	if stage == models.Stage1B {
		checks = append(checks, models.CheckFurnitureRemoved)
	}
	return checks
}

// requiredPassChecks are the checks whose failure can never be overridden by
// an overall pass from the judge. A pass verdict with one of these failing is
// downgraded during parsing.
func requiredPassChecks(stage models.Stage) []string {
	base := []string{
		models.CheckCropOrReframe,
		models.CheckPerspectiveChange,
		models.CheckArchitecture,
		models.CheckOpenings,
	}
	if stage == models.Stage1B {
		base = append(base, models.CheckNewObjectsAdded)
	}
	return base
}

// placementRubric builds the furniture placement prompt for stage 2.
func placementRubric(req *interfaces.JudgeRequest) string {
	var b strings.Builder

	b.WriteString("You are reviewing virtually staged real-estate photography. ")
	b.WriteString("The FIRST image is the unstaged room, the SECOND is the staged candidate. ")
	b.WriteString("Evaluate ONLY the physical plausibility of the staged furniture:\n")
	b.WriteString("- every piece rests on the floor, no floating or sunken legs\n")
	b.WriteString("- doors, doorways and window openings are not blocked\n")
	b.WriteString("- furniture scale matches the room\n")
	b.WriteString("- shadows and lighting on new pieces match the room light\n")
	b.WriteString("- no object clips through walls or other furniture\n\n")
	b.WriteString("Verdict levels: \"pass\" when everything is plausible, ")
	b.WriteString("\"soft_fail\" for minor issues a buyer would overlook, ")
	b.WriteString("\"hard_fail\" for obvious physical impossibilities.\n\n")
	b.WriteString("Respond with ONLY a JSON object, no markdown fences:\n")
	b.WriteString(`{"verdict": "pass", "reasons": []}`)

	return b.String()
}

// analysisPrompt renders the pipeline trace of a failed job for the
// post-mortem model.
func analysisPrompt(req *interfaces.AnalysisRequest) string {
	var b strings.Builder

	b.WriteString("A real-estate photo enhancement job failed after exhausting its retries. ")
	b.WriteString("Diagnose the most likely root cause from the trace below.\n\n")

	fmt.Fprintf(&b, "Terminal error code: %s\n", req.ErrorCode)
	if req.Retry.LastFailedStage != "" {
		fmt.Fprintf(&b, "Last failed stage: %s\n", req.Retry.LastFailedStage)
	}
	for stage, n := range req.Retry.Attempts {
		fmt.Fprintf(&b, "Stage %s attempts: %d\n", stage, n)
	}
	for _, reason := range req.Retry.FailureReasons {
		fmt.Fprintf(&b, "Recorded failure: %s\n", reason)
	}

	for _, r := range req.Reports {
		if r == nil {
			continue
		}
		fmt.Fprintf(&b, "\nStage %s validation: pass=%t blocked_by=%s", r.Stage, r.Final.Pass, r.Final.BlockedBy)
		if r.Final.Reason != "" {
			fmt.Fprintf(&b, " reason=%q", r.Final.Reason)
		}
		for _, t := range r.Local.Triggers {
			fmt.Fprintf(&b, "\n  local trigger %s fatal=%t value=%.4f threshold=%.4f", t.ID, t.Fatal, t.Value, t.Threshold)
		}
		if r.Semantic != nil && !r.Semantic.Pass {
			fmt.Fprintf(&b, "\n  judge confidence=%.2f fail_reasons=%v", r.Semantic.Confidence, r.Semantic.FailReasons)
		}
	}

	b.WriteString("\n\nRespond with ONLY a JSON object, no markdown fences:\n")
	b.WriteString(`{"primary_issue": "", "classification": "prompt|validator|pipeline|model", "confidence": 0.0, "supporting_evidence": [], "recommended_actions": []}`)

	return b.String()
}
