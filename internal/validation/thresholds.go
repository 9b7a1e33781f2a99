package validation

import (
	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/models"
)

// Thresholds is one row of the stage/scene threshold table. A zero value for
// a numeric field means the corresponding check is not enforced for that row.
type Thresholds struct {
	MinGlobalEdgeIoU   float64
	GlobalEdgeIoUFatal bool // low global edge IoU is fatal for this row
	MinStructuralIoU   float64
	MinOpeningsDelta   float64 // fraction of structural-mask pixels
	MaxBrightnessDelta float64
	EnforceLandcover   bool
	LandcoverTolerance float64
	EnforceWindows     bool
	WindowChangeFatal  bool
}

// defaultThresholds returns the built-in table row for a stage/scene pair.
func defaultThresholds(stage models.Stage, scene models.SceneType) Thresholds {
	switch {
	case stage == models.Stage1A && scene == models.SceneInterior:
		return Thresholds{
			MinGlobalEdgeIoU:   0.65,
			GlobalEdgeIoUFatal: true,
			MaxBrightnessDelta: 0.50,
			// Window detector runs advisory only in 1A: the cleanup pass may
			// brighten panes enough to merge adjacent detections.
			EnforceWindows:    true,
			WindowChangeFatal: false,
		}
	case stage == models.Stage1A && scene == models.SceneExterior:
		return Thresholds{
			MinGlobalEdgeIoU:   0.70,
			EnforceLandcover:   true,
			LandcoverTolerance: 0.12,
		}
	case stage == models.Stage1B && scene == models.SceneInterior:
		return Thresholds{
			MinStructuralIoU:   0.85,
			MinOpeningsDelta:   0.06,
			MaxBrightnessDelta: 0.40,
			EnforceWindows:     true,
			WindowChangeFatal:  true,
		}
	case stage == models.Stage2 && scene == models.SceneInterior:
		return Thresholds{
			MinStructuralIoU:   0.30,
			MinOpeningsDelta:   0.12, // staging redraws more; require a larger drift before flagging
			MaxBrightnessDelta: 0.60,
			EnforceWindows:     true,
			WindowChangeFatal:  true,
		}
	case stage == models.Stage2 && scene == models.SceneExterior:
		return Thresholds{
			MinStructuralIoU:   0.30,
			MinOpeningsDelta:   0.12,
			MaxBrightnessDelta: 0.60,
			EnforceLandcover:   true,
			LandcoverTolerance: 0.12,
		}
	default:
		// 1B exterior is not planned in practice; fall back to the loosest row.
		return Thresholds{
			MinStructuralIoU:   0.30,
			MaxBrightnessDelta: 0.60,
		}
	}
}

// ThresholdsFor resolves the effective row for a stage/scene pair, applying
// any configuration overrides on top of the built-in table.
func ThresholdsFor(cfg *common.ValidationConfig, stage models.Stage, scene models.SceneType) Thresholds {
	t := defaultThresholds(stage, scene)
	if cfg == nil {
		return t
	}
	for _, o := range cfg.ThresholdOverrides {
		if o.Stage != string(stage) || o.Scene != string(scene) {
			continue
		}
		if o.MinGlobalEdgeIoU > 0 {
			t.MinGlobalEdgeIoU = o.MinGlobalEdgeIoU
		}
		if o.MinStructuralIoU > 0 {
			t.MinStructuralIoU = o.MinStructuralIoU
		}
		if o.MaxBrightnessDelta > 0 {
			t.MaxBrightnessDelta = o.MaxBrightnessDelta
		}
		t.EnforceLandcover = o.EnforceLandcover
		t.EnforceWindows = o.EnforceWindows
	}
	return t
}

// Detector constants shared by the local validators.
const (
	// maxAspectDelta is the relative aspect-ratio drift beyond which the
	// candidate is fatally rejected rather than canonicalized.
	maxAspectDelta = 0.005

	// sobelThreshold is the gradient magnitude above which a pixel is an edge.
	sobelThreshold = 100.0

	// analysisWidth bounds the working resolution of pixel comparisons.
	// Both images are scaled to the same size anyway; capping it keeps the
	// validators CPU-cheap and deterministic across input sizes.
	analysisWidth = 512

	// landcoverBandFraction is the height fraction of the central band
	// sampled for the landcover comparison.
	landcoverBandFraction = 0.34

	// Window detector region filters.
	windowMinAreaFrac = 0.02
	windowMaxAreaFrac = 0.40
	windowMinAspect   = 0.25
	windowMaxAspect   = 6.0
	windowMaxCount    = 6
	defaultWindowPctl = 0.92
)
