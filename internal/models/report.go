package models

// LocalVerdict is the aggregate result of the deterministic validator lane.
type LocalVerdict string

const (
	LocalPass  LocalVerdict = "pass"
	LocalRisk  LocalVerdict = "risk"
	LocalFatal LocalVerdict = "fatal"
)

// Trigger is a named signal emitted by a local validator. A fatal trigger
// short-circuits model validation and blocks the stage on its own.
type Trigger struct {
	ID        string  `json:"id"`
	Fatal     bool    `json:"fatal"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Message   string  `json:"message"`
}

// Trigger IDs emitted by the local validators.
const (
	TriggerDimensionChange      = "dimension_change"
	TriggerLowGlobalEdgeIoU     = "low_global_edge_iou"
	TriggerLowStructuralIoU     = "low_structural_iou"
	TriggerOpeningsCreated      = "masked_edge_openings_created"
	TriggerOpeningsClosed       = "masked_edge_openings_closed"
	TriggerWindowCountChange    = "semantic_window_count_change"
	TriggerLandcoverChange      = "landcover_change"
	TriggerBrightnessOutOfRange = "brightness_out_of_range"
	TriggerValidatorError       = "validator_error"
)

// LocalResult captures the deterministic lane of a stage validation.
type LocalResult struct {
	Verdict  LocalVerdict       `json:"verdict"`
	Triggers []Trigger          `json:"triggers,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Fatal reports whether any trigger carries the fatal flag.
func (r *LocalResult) Fatal() bool {
	return r.Verdict == LocalFatal
}

// CheckResult is the per-check outcome reported by the semantic judge.
type CheckResult string

const (
	CheckPass    CheckResult = "pass"
	CheckFail    CheckResult = "fail"
	CheckUnclear CheckResult = "unclear"
)

// Rubric check names the semantic judge fills in.
const (
	CheckCropOrReframe     = "crop_or_reframe"
	CheckPerspectiveChange = "perspective_change"
	CheckArchitecture      = "architecture_preserved"
	CheckOpenings          = "openings_preserved"
	CheckCurtainsBlinds    = "curtains_blinds_preserved"
	CheckFixedCabinetry    = "fixed_cabinetry_joinery_preserved"
	CheckFlooringPattern   = "flooring_pattern_preserved"
	CheckBoundaries        = "wall_ceiling_floor_boundaries"
	CheckNewObjectsAdded   = "new_objects_added"
	CheckFurnitureRemoved  = "furniture_removed_only"
	CheckIntentMatch       = "intent_match"
)

// SemanticVerdict is the parsed judge response for the base/candidate pair.
type SemanticVerdict struct {
	Pass               bool                   `json:"pass"`
	Confidence         float64                `json:"confidence"`
	AllowedChangesOnly bool                   `json:"allowed_changes_only"`
	Reason             string                 `json:"reason,omitempty"`
	FailReasons        []string               `json:"fail_reasons,omitempty"`
	Checks             map[string]CheckResult `json:"checks,omitempty"`
	ParseError         bool                   `json:"parse_error,omitempty"`
}

// PlacementOutcome is the furniture placement judge verdict for stage 2.
type PlacementOutcome string

const (
	PlacementPass     PlacementOutcome = "pass"
	PlacementSoftFail PlacementOutcome = "soft_fail"
	PlacementHardFail PlacementOutcome = "hard_fail"
)

// PlacementVerdict evaluates staged furniture: floor contact, clearance at
// doors and windows, scale, realism.
type PlacementVerdict struct {
	Verdict PlacementOutcome `json:"verdict"`
	Reasons []string         `json:"reasons,omitempty"`
}

// BlockedBy names the terminal cause of a failed stage report.
type BlockedBy string

const (
	BlockedByNone       BlockedBy = "none"
	BlockedByLocal      BlockedBy = "local"
	BlockedBySemantic   BlockedBy = "model_semantic"
	BlockedByPlacement  BlockedBy = "model_placement"
	BlockedByParseError BlockedBy = "model_parse_error"
)

// FinalVerdict fuses both validator lanes into a single decision.
type FinalVerdict struct {
	Pass      bool      `json:"pass"`
	BlockedBy BlockedBy `json:"blocked_by"`
	Reason    string    `json:"reason,omitempty"`
}

// ValidatorReport is the immutable record of one stage attempt's validation.
// Reports are appended to Job.Meta.Attempts and never mutated.
type ValidatorReport struct {
	Stage         Stage             `json:"stage"`
	BaselinePath  string            `json:"baseline_path"`
	CandidatePath string            `json:"candidate_path"`
	Local         LocalResult       `json:"local"`
	Semantic      *SemanticVerdict  `json:"gemini,omitempty"`
	Placement     *PlacementVerdict `json:"placement,omitempty"`
	Final         FinalVerdict      `json:"final"`
	LatencyMs     int64             `json:"latency_ms"`
}
