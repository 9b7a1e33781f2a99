package validation

import (
	"testing"

	"github.com/fogleman/gg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/imaging"
	"github.com/relume-ai/relume/internal/models"
)

// drawRoom renders a synthetic room elevation: flat walls at the given gray
// level, a dark skirting line, and bright rectangles that read as windows.
func drawRoom(t *testing.T, w, h int, wallGray float64, windowsAt []float64) []byte {
	t.Helper()

	dc := gg.NewContext(w, h)
	dc.SetRGB(wallGray, wallGray, wallGray)
	dc.Clear()

	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle(0, float64(h)-30, float64(w), 4)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	for _, x := range windowsAt {
		dc.DrawRectangle(x, 30, 40, 50)
		dc.Fill()
	}

	data, err := imaging.EncodePNG(dc.Image())
	require.NoError(t, err)
	return data
}

func drawBlank(t *testing.T, w, h int, gray float64) []byte {
	t.Helper()
	dc := gg.NewContext(w, h)
	dc.SetRGB(gray, gray, gray)
	dc.Clear()
	data, err := imaging.EncodePNG(dc.Image())
	require.NoError(t, err)
	return data
}

func newTestLocal(cfg *common.ValidationConfig) *Local {
	return NewLocal(cfg, arbor.NewLogger())
}

func triggerIDs(r *models.LocalResult) []string {
	ids := make([]string, 0, len(r.Triggers))
	for _, trig := range r.Triggers {
		ids = append(ids, trig.ID)
	}
	return ids
}

func TestLocal_IdenticalImagesPass(t *testing.T) {
	img := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1A,
		Scene:     models.SceneInterior,
		Base:      img,
		Candidate: img,
	})

	assert.Equal(t, models.LocalPass, result.Verdict)
	assert.Empty(t, result.Triggers)
	assert.InDelta(t, 1.0, result.Metrics["global_edge_iou"], 1e-9)
	assert.InDelta(t, 0.0, result.Metrics["brightness_delta"], 1e-9)
}

func TestLocal_AspectChangeIsFatal(t *testing.T) {
	base := drawRoom(t, 200, 150, 0.3, []float64{20})
	cand := drawRoom(t, 200, 100, 0.3, []float64{20})
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1A,
		Scene:     models.SceneInterior,
		Base:      base,
		Candidate: cand,
	})

	assert.Equal(t, models.LocalFatal, result.Verdict)
	require.Len(t, result.Triggers, 1)
	assert.Equal(t, models.TriggerDimensionChange, result.Triggers[0].ID)
	assert.True(t, result.Triggers[0].Fatal)
}

func TestLocal_SameAspectResizeIsCanonicalized(t *testing.T) {
	base := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	cand := drawRoom(t, 400, 300, 0.3, []float64{40, 280})
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1A,
		Scene:     models.SceneInterior,
		Base:      base,
		Candidate: cand,
	})

	assert.NotEqual(t, models.LocalFatal, result.Verdict)
	assert.Equal(t, 1.0, result.Metrics["dimension_canonicalized"])
}

func TestLocal_ErasedStructureFailsEdgeGate(t *testing.T) {
	base := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	cand := drawBlank(t, 200, 150, 0.3)
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1A,
		Scene:     models.SceneInterior,
		Base:      base,
		Candidate: cand,
	})

	assert.Equal(t, models.LocalFatal, result.Verdict)
	assert.Contains(t, triggerIDs(result), models.TriggerLowGlobalEdgeIoU)
	assert.Less(t, result.Metrics["global_edge_iou"], 0.65)
}

func TestLocal_AddedWindowIsFatalInDeclutter(t *testing.T) {
	base := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	cand := drawRoom(t, 200, 150, 0.3, []float64{20, 80, 140})
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1B,
		Scene:     models.SceneInterior,
		BaseKey:   "base-two-windows",
		Base:      base,
		Candidate: cand,
	})

	assert.Equal(t, models.LocalFatal, result.Verdict)
	assert.Contains(t, triggerIDs(result), models.TriggerWindowCountChange)
	assert.Equal(t, 2.0, result.Metrics["window_count_base"])
	assert.Equal(t, 3.0, result.Metrics["window_count_candidate"])
}

func TestLocal_BrightnessAndStructureDriftIsRisky(t *testing.T) {
	// Same layout but washed out: wall/window contrast collapses, so the
	// structural edges vanish and the mean luminance jumps. Both signals are
	// non-fatal; together they cross the risk gate.
	base := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	cand := drawRoom(t, 200, 150, 0.95, []float64{20, 140})
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1B,
		Scene:     models.SceneInterior,
		BaseKey:   "base-dim",
		Base:      base,
		Candidate: cand,
	})

	assert.Equal(t, models.LocalRisk, result.Verdict)
	ids := triggerIDs(result)
	assert.Contains(t, ids, models.TriggerLowStructuralIoU)
	assert.Contains(t, ids, models.TriggerBrightnessOutOfRange)
	for _, trig := range result.Triggers {
		assert.False(t, trig.Fatal, "trigger %s must be non-fatal", trig.ID)
	}
}

func TestLocal_GateMinSignalsConfigurable(t *testing.T) {
	base := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	cand := drawRoom(t, 200, 150, 0.95, []float64{20, 140})

	// Raising the gate lets the same signals through as a pass.
	v := newTestLocal(&common.ValidationConfig{GateMinSignals: 10})
	result := v.Validate(&LocalInput{
		Stage:     models.Stage1B,
		Scene:     models.SceneInterior,
		Base:      base,
		Candidate: cand,
	})
	assert.Equal(t, models.LocalPass, result.Verdict)
	assert.NotEmpty(t, result.Triggers)
}

func TestLocal_UndecodableInputFailsOpen(t *testing.T) {
	v := newTestLocal(&common.ValidationConfig{})

	result := v.Validate(&LocalInput{
		Stage:     models.Stage1A,
		Scene:     models.SceneInterior,
		Base:      []byte("definitely not a png"),
		Candidate: []byte("also not a png"),
	})

	assert.Equal(t, models.LocalRisk, result.Verdict)
	require.Len(t, result.Triggers, 1)
	assert.Equal(t, models.TriggerValidatorError, result.Triggers[0].ID)
	assert.False(t, result.Triggers[0].Fatal)
}

func TestLocal_Deterministic(t *testing.T) {
	base := drawRoom(t, 200, 150, 0.3, []float64{20, 140})
	cand := drawRoom(t, 200, 150, 0.35, []float64{20, 140})
	v := newTestLocal(&common.ValidationConfig{})

	in := &LocalInput{Stage: models.Stage1B, Scene: models.SceneInterior, BaseKey: "det", Base: base, Candidate: cand}
	first := v.Validate(in)
	second := v.Validate(in)

	assert.Equal(t, first.Verdict, second.Verdict)
	assert.Equal(t, first.Metrics, second.Metrics)
	assert.Equal(t, len(first.Triggers), len(second.Triggers))
}
