package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchSettings is the immutable snapshot of user intent shared by every job
// in a batch. Captured at upload time so jobs are self-contained and
// re-runnable.
type BatchSettings struct {
	Goal                 string         `json:"goal,omitempty"`
	Industry             string         `json:"industry,omitempty"`
	PreserveStructure    bool           `json:"preserve_structure"`
	AllowStaging         bool           `json:"allow_staging"`
	StagingStyle         string         `json:"staging_style,omitempty"`
	FurnitureReplacement bool           `json:"furniture_replacement,omitempty"`
	Declutter            bool           `json:"declutter"`
	DeclutterMode        DeclutterMode  `json:"declutter_mode,omitempty"`
	StagingPreference    string         `json:"staging_preference,omitempty"` // "refresh" or "full"
	Stage2Variant        Stage2Variant  `json:"stage2_variant,omitempty"`
	FurnishedState       FurnishedState `json:"furnished_state,omitempty"`
	OutdoorStaging       string         `json:"outdoor_staging,omitempty"` // "auto" or "none"
}

// ImageMeta is the per-image entry of the upload's metaJson array.
type ImageMeta struct {
	SceneType           SceneType `json:"sceneType"`
	RoomType            string    `json:"roomType,omitempty"`
	ReplaceSky          bool      `json:"replaceSky,omitempty"`
	ScenePrediction     string    `json:"scenePrediction,omitempty"`
	ManualSceneOverride bool      `json:"manualSceneOverride,omitempty"`
	RoomKey             string    `json:"roomKey,omitempty"`
	AngleOrder          int       `json:"angleOrder,omitempty"`
}

// Batch maps one upload of N images to N jobs sharing settings.
//
// Invariants: len(JobIDs) >= 1; CreditHold equals the sum of per-job costs;
// the batch is terminal iff every job is terminal. JobIDs preserve upload
// order so the client can map results by index.
type Batch struct {
	ID          string        `json:"id"`
	OwnerUserID string        `json:"owner_user_id"`
	Settings    BatchSettings `json:"settings"`
	JobIDs      []string      `json:"job_ids"`
	CreditHold  int           `json:"credit_hold"`
	// Refunded tracks credits already returned for failed/cancelled jobs so
	// reconciliation stays idempotent.
	Refunded  int       `json:"refunded"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

// NewBatch creates a batch owned by a user; jobs are attached by the coordinator.
func NewBatch(ownerUserID string, settings BatchSettings) *Batch {
	now := time.Now().UTC()
	return &Batch{
		ID:          "batch_" + uuid.New().String(),
		OwnerUserID: ownerUserID,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ToJSON serializes the batch for persistence.
func (b *Batch) ToJSON() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	return data, nil
}

// BatchFromJSON deserializes a batch from its persisted form.
func BatchFromJSON(data []byte) (*Batch, error) {
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &batch, nil
}

// BatchCounts aggregates per-status job counts for a batch.
type BatchCounts struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Add tallies one job status.
func (c *BatchCounts) Add(status JobStatus) {
	switch status {
	case JobStatusQueued:
		c.Queued++
	case JobStatusProcessing:
		c.Processing++
	case JobStatusCompleted:
		c.Completed++
	case JobStatusFailed:
		c.Failed++
	case JobStatusCancelled:
		c.Cancelled++
	}
}
