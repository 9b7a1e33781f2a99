package validation

import (
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/imaging"
	"github.com/relume-ai/relume/internal/models"
)

// LocalInput is one base/candidate pair to check.
type LocalInput struct {
	Stage models.Stage
	Scene models.SceneType
	// BaseKey is a stable content key for the baseline (content hash). It
	// keys the structural-mask cache; an empty key disables caching.
	BaseKey   string
	Base      []byte
	Candidate []byte
}

// Local runs the deterministic validator lane: cheap pixel checks that gate
// the expensive judge call. All checks are pure; given the same inputs the
// metrics and trigger list are identical on every run.
//
// Internal errors (decode failures and the like) fail open: they emit a
// single non-fatal validator_error trigger and mark the lane risky so the
// judge still gets a say.
type Local struct {
	cfg    *common.ValidationConfig
	logger arbor.ILogger

	// masks caches the structural mask per baseline content key. Results are
	// deterministic, so concurrent recomputation is harmless; last writer wins.
	masks sync.Map
}

// NewLocal creates the local validator lane.
func NewLocal(cfg *common.ValidationConfig, logger arbor.ILogger) *Local {
	return &Local{cfg: cfg, logger: logger}
}

// Validate runs every applicable check for the stage/scene pair and returns
// the aggregate lane result. It never returns an error.
func (v *Local) Validate(in *LocalInput) *models.LocalResult {
	result := &models.LocalResult{
		Verdict: models.LocalPass,
		Metrics: make(map[string]float64),
	}

	baseImg, _, err := imaging.Decode(in.Base)
	if err != nil {
		return v.failOpen(result, fmt.Sprintf("baseline decode failed: %v", err))
	}
	candImg, _, err := imaging.Decode(in.Candidate)
	if err != nil {
		return v.failOpen(result, fmt.Sprintf("candidate decode failed: %v", err))
	}

	t := ThresholdsFor(v.cfg, in.Stage, in.Scene)

	// Dimension check runs first: a hard aspect mismatch is fatal and makes
	// the remaining geometry checks meaningless.
	candImg, ok := v.checkDimensions(baseImg, candImg, result)
	if !ok {
		v.finalize(result)
		return result
	}

	// Pixel comparisons run at a bounded working resolution.
	baseW := baseImg.Bounds().Dx()
	scale := 1.0
	if baseW > analysisWidth {
		scale = float64(analysisWidth) / float64(baseW)
	}
	w := int(float64(baseImg.Bounds().Dx()) * scale)
	h := int(float64(baseImg.Bounds().Dy()) * scale)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	baseSmall := imaging.Resize(baseImg, w, h)
	candSmall := imaging.Resize(candImg, w, h)
	baseGray := imaging.ToGray(baseSmall)
	candGray := imaging.ToGray(candSmall)

	baseEdges := imaging.SobelEdges(baseGray, sobelThreshold)
	candEdges := imaging.SobelEdges(candGray, sobelThreshold)

	if t.MinGlobalEdgeIoU > 0 {
		v.checkGlobalEdges(baseEdges, candEdges, t, result)
	}

	if t.MinStructuralIoU > 0 {
		mask := v.structuralMask(in.BaseKey, baseGray)
		v.checkStructural(baseEdges, candEdges, mask, t, result)
		v.checkOpenings(baseEdges, candEdges, mask, t, result)
	}

	if t.EnforceWindows && in.Scene == models.SceneInterior {
		v.checkWindows(baseSmall, candSmall, t, result)
	}

	if t.EnforceLandcover {
		v.checkLandcover(baseSmall, candSmall, t, result)
	}

	if t.MaxBrightnessDelta > 0 {
		v.checkBrightness(baseGray, candGray, t, result)
	}

	v.finalize(result)
	return result
}

// failOpen records an internal error without blocking on its own.
func (v *Local) failOpen(result *models.LocalResult, msg string) *models.LocalResult {
	v.logger.Warn().Str("reason", msg).Msg("Local validator internal error, failing open")
	result.Triggers = append(result.Triggers, models.Trigger{
		ID:      models.TriggerValidatorError,
		Fatal:   false,
		Message: msg,
	})
	result.Verdict = models.LocalRisk
	return result
}

// checkDimensions enforces the aspect invariant and canonicalizes candidate
// size. Returns the (possibly resized) candidate and whether to continue.
func (v *Local) checkDimensions(baseImg, candImg image.Image, result *models.LocalResult) (image.Image, bool) {
	bb, cb := baseImg.Bounds(), candImg.Bounds()
	delta := imaging.AspectDelta(bb.Dx(), bb.Dy(), cb.Dx(), cb.Dy())
	result.Metrics["aspect_delta"] = delta

	if delta > maxAspectDelta {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerDimensionChange,
			Fatal:     true,
			Value:     delta,
			Threshold: maxAspectDelta,
			Message: fmt.Sprintf("candidate aspect drifted %.2f%% from base (%dx%d vs %dx%d)",
				delta*100, cb.Dx(), cb.Dy(), bb.Dx(), bb.Dy()),
		})
		return candImg, false
	}

	if bb.Dx() != cb.Dx() || bb.Dy() != cb.Dy() {
		candImg = imaging.CenterCropResize(candImg, bb.Dx(), bb.Dy())
		result.Metrics["dimension_canonicalized"] = 1
	}
	return candImg, true
}

func (v *Local) checkGlobalEdges(baseEdges, candEdges *imaging.Mask, t Thresholds, result *models.LocalResult) {
	iou := imaging.IoU(baseEdges, candEdges)
	result.Metrics["global_edge_iou"] = iou
	if iou < t.MinGlobalEdgeIoU {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerLowGlobalEdgeIoU,
			Fatal:     t.GlobalEdgeIoUFatal,
			Value:     iou,
			Threshold: t.MinGlobalEdgeIoU,
			Message:   fmt.Sprintf("global edge IoU %.3f below %.3f", iou, t.MinGlobalEdgeIoU),
		})
	}
}

// structuralMask derives (or recalls) the baseline's structural mask: edges
// that survive mild blur and morphological closing. Captures walls, window
// and door frames and built-ins while dropping decor-scale texture.
func (v *Local) structuralMask(baseKey string, baseGray *image.Gray) *imaging.Mask {
	cacheKey := ""
	if baseKey != "" {
		b := baseGray.Bounds()
		cacheKey = fmt.Sprintf("%s@%dx%d", baseKey, b.Dx(), b.Dy())
		if cached, ok := v.masks.Load(cacheKey); ok {
			return cached.(*imaging.Mask)
		}
	}

	blurred := imaging.BoxBlur(baseGray)
	mask := imaging.Close(imaging.SobelEdges(blurred, sobelThreshold))

	if cacheKey != "" {
		v.masks.Store(cacheKey, mask)
	}
	return mask
}

func (v *Local) checkStructural(baseEdges, candEdges, mask *imaging.Mask, t Thresholds, result *models.LocalResult) {
	iou := imaging.MaskedIoU(baseEdges, candEdges, mask)
	result.Metrics["structural_iou"] = iou
	if iou < t.MinStructuralIoU {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerLowStructuralIoU,
			Fatal:     false,
			Value:     iou,
			Threshold: t.MinStructuralIoU,
			Message:   fmt.Sprintf("structural edge IoU %.3f below %.3f", iou, t.MinStructuralIoU),
		})
	}
}

// checkOpenings counts edge pixels that appeared or vanished inside the
// structural mask, normalized by mask size. Created edges suggest a new
// opening was painted in; vanished edges suggest one was painted over.
func (v *Local) checkOpenings(baseEdges, candEdges, mask *imaging.Mask, t Thresholds, result *models.LocalResult) {
	if t.MinOpeningsDelta <= 0 {
		return
	}
	maskCount := mask.Count()
	if maskCount == 0 {
		return
	}

	created, closed := 0, 0
	for i := range mask.Bits {
		if !mask.Bits[i] {
			continue
		}
		switch {
		case candEdges.Bits[i] && !baseEdges.Bits[i]:
			created++
		case baseEdges.Bits[i] && !candEdges.Bits[i]:
			closed++
		}
	}

	createdRatio := float64(created) / float64(maskCount)
	closedRatio := float64(closed) / float64(maskCount)
	result.Metrics["openings_created_ratio"] = createdRatio
	result.Metrics["openings_closed_ratio"] = closedRatio

	if createdRatio >= t.MinOpeningsDelta {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerOpeningsCreated,
			Fatal:     false,
			Value:     createdRatio,
			Threshold: t.MinOpeningsDelta,
			Message:   fmt.Sprintf("%.1f%% of structural pixels gained edges", createdRatio*100),
		})
	}
	if closedRatio >= t.MinOpeningsDelta {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerOpeningsClosed,
			Fatal:     false,
			Value:     closedRatio,
			Threshold: t.MinOpeningsDelta,
			Message:   fmt.Sprintf("%.1f%% of structural pixels lost edges", closedRatio*100),
		})
	}
}

func (v *Local) checkWindows(baseImg, candImg image.Image, t Thresholds, result *models.LocalResult) {
	pctl := defaultWindowPctl
	if v.cfg != nil && v.cfg.WindowPercentile > 0 && v.cfg.WindowPercentile < 1 {
		pctl = v.cfg.WindowPercentile
	}
	baseCount := CountWindows(baseImg, pctl)
	candCount := CountWindows(candImg, pctl)
	result.Metrics["window_count_base"] = float64(baseCount)
	result.Metrics["window_count_candidate"] = float64(candCount)

	if baseCount != candCount {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerWindowCountChange,
			Fatal:     t.WindowChangeFatal,
			Value:     float64(candCount),
			Threshold: float64(baseCount),
			Message:   fmt.Sprintf("window count changed from %d to %d", baseCount, candCount),
		})
	}
}

func (v *Local) checkLandcover(baseImg, candImg image.Image, t Thresholds, result *models.LocalResult) {
	band := imaging.CentralBand(baseImg.Bounds(), landcoverBandFraction)
	baseRatio := imaging.GreenRatio(baseImg, band)
	candRatio := imaging.GreenRatio(candImg, imaging.CentralBand(candImg.Bounds(), landcoverBandFraction))
	result.Metrics["landcover_base"] = baseRatio
	result.Metrics["landcover_candidate"] = candRatio

	delta := math.Abs(baseRatio - candRatio)
	if delta > t.LandcoverTolerance {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerLandcoverChange,
			Fatal:     false,
			Value:     delta,
			Threshold: t.LandcoverTolerance,
			Message:   fmt.Sprintf("green landcover shifted %.1f%% in the central band", delta*100),
		})
	}
}

func (v *Local) checkBrightness(baseGray, candGray *image.Gray, t Thresholds, result *models.LocalResult) {
	baseMean := imaging.MeanLuminance(baseGray) / 255
	candMean := imaging.MeanLuminance(candGray) / 255
	delta := math.Abs(baseMean - candMean)
	result.Metrics["brightness_delta"] = delta

	if delta > t.MaxBrightnessDelta {
		result.Triggers = append(result.Triggers, models.Trigger{
			ID:        models.TriggerBrightnessOutOfRange,
			Fatal:     false,
			Value:     delta,
			Threshold: t.MaxBrightnessDelta,
			Message:   fmt.Sprintf("mean luminance shifted %.2f, max allowed %.2f", delta, t.MaxBrightnessDelta),
		})
	}
}

// finalize derives the aggregate verdict: fatal when any trigger is fatal,
// risky when enough non-fatal signals stack up, otherwise pass.
func (v *Local) finalize(result *models.LocalResult) {
	gateMin := 2
	if v.cfg != nil && v.cfg.GateMinSignals > 0 {
		gateMin = v.cfg.GateMinSignals
	}

	nonFatal := 0
	for _, trig := range result.Triggers {
		if trig.Fatal {
			result.Verdict = models.LocalFatal
			return
		}
		nonFatal++
	}
	if result.Verdict == models.LocalRisk {
		return // validator_error already marked the lane risky
	}
	if nonFatal >= gateMin {
		result.Verdict = models.LocalRisk
		return
	}
	result.Verdict = models.LocalPass
}
