package models

import (
	"fmt"
	"strings"
)

// Stage identifies one generative pass of the enhancement pipeline.
type Stage string

const (
	// Stage1A is the color/exposure cleanup pass. Always planned.
	Stage1A Stage = "1A"
	// Stage1B is the declutter pass (light or full, see DeclutterMode).
	Stage1B Stage = "1B"
	// Stage2 is the virtual staging pass (2A refresh or 2B empty-room).
	Stage2 Stage = "2"
)

// SceneType classifies the photographed scene.
type SceneType string

const (
	SceneInterior SceneType = "interior"
	SceneExterior SceneType = "exterior"
)

// DeclutterMode selects how aggressively stage 1B removes objects.
type DeclutterMode string

const (
	// DeclutterLight keeps furniture and removes loose clutter only.
	DeclutterLight DeclutterMode = "light"
	// DeclutterFull empties the room so stage 2 can stage from scratch.
	DeclutterFull DeclutterMode = "full"
	// DeclutterStageReady is the wire name clients send for a full declutter.
	DeclutterStageReady DeclutterMode = "stage-ready"
)

// ParseDeclutterMode canonicalizes the wire value. "stage-ready" and "full"
// both select the full declutter; empty stays empty so defaults apply
// downstream. Unknown values are rejected.
func ParseDeclutterMode(raw string) (DeclutterMode, error) {
	switch DeclutterMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case DeclutterLight:
		return DeclutterLight, nil
	case DeclutterFull, DeclutterStageReady:
		return DeclutterFull, nil
	}
	return "", fmt.Errorf("unknown declutter mode %q: must be %q or %q", raw, DeclutterLight, DeclutterStageReady)
}

// IsFull reports whether the mode empties the room, accepting both the stored
// form and the wire alias.
func (m DeclutterMode) IsFull() bool {
	return m == DeclutterFull || m == DeclutterStageReady
}

// Stage2Variant selects the staging flavour applied in stage 2.
type Stage2Variant string

const (
	// Variant2A refreshes existing furniture in place.
	Variant2A Stage2Variant = "2A"
	// Variant2B stages an emptied room from scratch.
	Variant2B Stage2Variant = "2B"
)

// FurnishedState describes the room as uploaded.
type FurnishedState string

const (
	Furnished FurnishedState = "furnished"
	Empty     FurnishedState = "empty"
)

// StageConfig carries the per-(job, stage) knobs the prompt builder consumes.
// Sampling entropy is derived from the tighten level at call time and is not
// stored here.
type StageConfig struct {
	SceneType      SceneType      `json:"scene_type"`
	RoomType       string         `json:"room_type,omitempty"`       // interior only
	DeclutterMode  DeclutterMode  `json:"declutter_mode,omitempty"`  // stage 1B only
	FurnishedState FurnishedState `json:"furnished_state,omitempty"` // stage 2 only
	StagingStyle   string         `json:"staging_style,omitempty"`   // stage 2 only
	Variant        Stage2Variant  `json:"variant,omitempty"`         // stage 2 only
	ReplaceSky     bool           `json:"replace_sky,omitempty"`     // exterior only
}

// PlanInput holds the settings that determine a job's stage sequence.
type PlanInput struct {
	SceneType     SceneType
	Declutter     bool
	DeclutterMode DeclutterMode
	AllowStaging  bool
}

// DerivePlan computes the ordered stage sequence for one image.
//
// Rules:
//   - 1A is always included.
//   - 1B is included iff declutter is requested.
//   - 2 is included iff staging is allowed and the scene is interior.
func DerivePlan(in PlanInput) []Stage {
	plan := []Stage{Stage1A}
	if in.Declutter {
		plan = append(plan, Stage1B)
	}
	if in.AllowStaging && in.SceneType == SceneInterior {
		plan = append(plan, Stage2)
	}
	return plan
}

// DeriveStage2Variant picks the staging variant from the upstream plan: a
// full declutter empties the room, so staging starts from scratch (2B);
// otherwise furniture survives upstream and stage 2 refreshes it (2A).
// An already-empty upload also stages from scratch.
func DeriveStage2Variant(declutter bool, mode DeclutterMode, furnished FurnishedState) Stage2Variant {
	if (declutter && mode.IsFull()) || furnished == Empty {
		return Variant2B
	}
	return Variant2A
}
