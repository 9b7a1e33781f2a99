package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the state of a pipeline job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Exit-level error codes surfaced to clients.
const (
	ErrCodeQuotaExceeded         = "QUOTA_EXCEEDED"
	ErrCodeRetryComplianceFailed = "RETRY_COMPLIANCE_FAILED"
	ErrCodeImageNotFound         = "image_not_found"
	ErrCodeStuckQueued           = "stuck_queued"
	ErrCodeStage1ARejected       = "structural_stage1A_rejected"
	ErrCodeStage1BRejected       = "structural_stage1B_rejected"
	ErrCodeStage2Rejected        = "structural_stage2_rejected"
	ErrCodeGeminiSemantic        = "gemini_semantic"
	ErrCodeGeminiPlacement       = "gemini_placement"
	ErrCodeGeminiParseError      = "gemini_parse_error"
	ErrCodeValidatorError        = "validator_error"
	ErrCodeTimeout               = "timeout"
	ErrCodeCancelled             = "cancelled"
)

// StructuralRejectCode returns the structural rejection error code for a stage.
func StructuralRejectCode(stage Stage) string {
	switch stage {
	case Stage1A:
		return ErrCodeStage1ARejected
	case Stage1B:
		return ErrCodeStage1BRejected
	case Stage2:
		return ErrCodeStage2Rejected
	default:
		return fmt.Sprintf("structural_stage%s_rejected", stage)
	}
}

// RetryState tracks per-stage attempt counters for one job. It is serialized
// with the job so a restart resumes with counters intact.
type RetryState struct {
	Attempts        map[Stage]int `json:"attempts,omitempty"`
	LastFailedStage Stage         `json:"last_failed_stage,omitempty"`
	FailedFinal     bool          `json:"failed_final,omitempty"`
	FailureReasons  []string      `json:"failure_reasons,omitempty"`
}

// AttemptCount returns the recorded attempts for a stage.
func (r *RetryState) AttemptCount(stage Stage) int {
	if r.Attempts == nil {
		return 0
	}
	return r.Attempts[stage]
}

// AttemptRecord is the durable trace of one stage attempt.
type AttemptRecord struct {
	Stage        Stage            `json:"stage"`
	Attempt      int              `json:"attempt"`
	TightenLevel int              `json:"tighten_level"`
	CandidateURL string           `json:"candidate_url,omitempty"`
	Report       *ValidatorReport `json:"report,omitempty"`
	Error        string           `json:"error,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	CompletedAt  time.Time        `json:"completed_at"`
}

// JobMeta carries classification results, timings and retry annotations that
// ride along with the job for client display and post-mortems.
type JobMeta struct {
	ScenePrediction     string                     `json:"scene_prediction,omitempty"`
	RoomTypeDetected    string                     `json:"room_type_detected,omitempty"`
	ManualSceneOverride bool                       `json:"manual_scene_override,omitempty"`
	AllowStaging        bool                       `json:"allow_staging,omitempty"`
	StrictRetry         bool                       `json:"strict_retry,omitempty"`
	StrictRetryReasons  []string                   `json:"strict_retry_reasons,omitempty"`
	Timings             map[string]int64           `json:"timings,omitempty"` // per-stage milliseconds
	Attempts            []AttemptRecord            `json:"attempts,omitempty"`
	Compliance          map[Stage]*ValidatorReport `json:"compliance,omitempty"` // final report per stage
	Analysis            *FailureAnalysis           `json:"analysis,omitempty"`
	RoomKey             string                     `json:"room_key,omitempty"` // image linking across angles
	AngleOrder          int                        `json:"angle_order,omitempty"`
}

// Job carries one image through its configured stage sequence.
//
// Invariants:
//   - StageURLs[s] is only ever set after the stage passed validation.
//   - ResultURL is only set when Status is completed.
//   - Status transitions are monotone; terminal states never change.
type Job struct {
	ID            string                `json:"id"`
	BatchID       string                `json:"batch_id"`
	ImageID       string                `json:"image_id"` // content hash of the original upload
	InputImageURL string                `json:"input_image_url"`
	StagePlan     []Stage               `json:"stage_plan"`
	StageConfigs  map[Stage]StageConfig `json:"stage_configs"`
	StageURLs     map[Stage]string      `json:"stage_urls,omitempty"`
	ResultStage   Stage                 `json:"result_stage,omitempty"`
	ResultURL     string                `json:"result_url,omitempty"`
	Status        JobStatus             `json:"status"`
	Error         string                `json:"error,omitempty"`
	ErrorCode     string                `json:"error_code,omitempty"`
	Retry         RetryState            `json:"retry_state"`
	Meta          JobMeta               `json:"meta"`
	// CreditsCharged is the total held for this job: the plan cost plus one
	// plan cost per paid retry. Refund reconciliation returns this amount when
	// the job ends failed or cancelled.
	CreditsCharged int       `json:"credits_charged,omitempty"`
	CurrentStage   int       `json:"current_stage"` // index into StagePlan while processing
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Version guards read-modify-write cycles. Every persisted update
	// increments it; a stale writer gets a conflict and must re-read.
	Version uint64 `json:"version"`
}

func newJobID() string {
	return "job_" + uuid.New().String()
}

// NewJob creates a queued job for one image in a batch.
func NewJob(batchID, imageID, inputURL string, plan []Stage, configs map[Stage]StageConfig) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:            newJobID(),
		BatchID:       batchID,
		ImageID:       imageID,
		InputImageURL: inputURL,
		StagePlan:     plan,
		StageConfigs:  configs,
		StageURLs:     make(map[Stage]string),
		Status:        JobStatusQueued,
		Retry:         RetryState{Attempts: make(map[Stage]int)},
		Meta:          JobMeta{Timings: make(map[string]int64)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsTerminal reports whether the job reached a final state.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// StagesDone counts stages with a committed URL, in plan order.
func (j *Job) StagesDone() int {
	done := 0
	for _, s := range j.StagePlan {
		if _, ok := j.StageURLs[s]; ok {
			done++
		}
	}
	return done
}

// Progress reports completion as a fraction of planned stages plus a coarse
// intra-stage estimate supplied by the executor (0.0 prompt, 0.5 model
// returned, 0.9 validating).
func (j *Job) Progress(intraStage float64) float64 {
	if len(j.StagePlan) == 0 {
		return 0
	}
	if j.Status == JobStatusCompleted {
		return 1
	}
	frac := (float64(j.StagesDone()) + intraStage) / float64(len(j.StagePlan))
	if frac > 1 {
		frac = 1
	}
	return frac
}

// LatestUpstreamURL returns the baseline for a stage: the most recent
// committed upstream output, or the original upload for stage 1A.
func (j *Job) LatestUpstreamURL(stage Stage) string {
	baseline := j.InputImageURL
	for _, s := range j.StagePlan {
		if s == stage {
			break
		}
		if url, ok := j.StageURLs[s]; ok {
			baseline = url
		}
	}
	return baseline
}

// BestAvailableURL returns the furthest committed stage output, falling back
// to the original upload. Failed jobs still expose their best preview.
func (j *Job) BestAvailableURL() string {
	url := j.InputImageURL
	for _, s := range j.StagePlan {
		if u, ok := j.StageURLs[s]; ok {
			url = u
		}
	}
	return url
}

// ToJSON serializes the job for persistence.
func (j *Job) ToJSON() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// JobFromJSON deserializes a job from its persisted form.
func JobFromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.StageURLs == nil {
		job.StageURLs = make(map[Stage]string)
	}
	if job.Retry.Attempts == nil {
		job.Retry.Attempts = make(map[Stage]int)
	}
	return &job, nil
}

// FailureAnalysis is the structured post-mortem produced by the analysis
// model for a terminally failed job. Best-effort; absence is normal.
type FailureAnalysis struct {
	PrimaryIssue       string    `json:"primary_issue"`
	Classification     string    `json:"classification"` // prompt | validator | pipeline | model
	Confidence         float64   `json:"confidence"`
	SupportingEvidence []string  `json:"supporting_evidence,omitempty"`
	RecommendedActions []string  `json:"recommended_actions,omitempty"`
	Model              string    `json:"model,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}
