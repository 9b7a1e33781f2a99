package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relume-ai/relume/internal/models"
)

func TestSamplingFor_Monotone(t *testing.T) {
	base := SamplingFor(TightenNone)
	assert.Equal(t, float32(0.4), base.Temperature)
	assert.Equal(t, float32(0.9), base.TopP)
	assert.Equal(t, int32(40), base.TopK)

	// Each tighten level trades entropy for compliance.
	prev := base
	for level := TightenReinforce; level <= TightenMinimal; level++ {
		knobs := SamplingFor(level)
		assert.Less(t, knobs.Temperature, prev.Temperature, "level %d temperature", level)
		assert.LessOrEqual(t, knobs.TopP, prev.TopP, "level %d top_p", level)
		assert.Less(t, knobs.TopK, prev.TopK, "level %d top_k", level)
		prev = knobs
	}

	minimal := SamplingFor(TightenMinimal)
	assert.Equal(t, float32(0.01), minimal.Temperature)
	assert.Equal(t, int32(5), minimal.TopK)

	// Out-of-range levels clamp to the nearest tier.
	assert.Equal(t, base, SamplingFor(-1))
	assert.Equal(t, minimal, SamplingFor(99))
}

func TestBuildPrompt_Stage1A(t *testing.T) {
	interior := BuildPrompt(&PromptSpec{
		Stage:  models.Stage1A,
		Config: models.StageConfig{SceneType: models.SceneInterior},
	})
	assert.Contains(t, interior, "white balance")
	assert.Contains(t, interior, "cleanup pass only")
	assert.Contains(t, interior, "same width, height and aspect ratio")
	assert.NotContains(t, interior, "sky")

	exterior := BuildPrompt(&PromptSpec{
		Stage:  models.Stage1A,
		Config: models.StageConfig{SceneType: models.SceneExterior, ReplaceSky: true},
	})
	assert.Contains(t, exterior, "Replace an overcast or blown-out sky")

	exteriorNoSky := BuildPrompt(&PromptSpec{
		Stage:  models.Stage1A,
		Config: models.StageConfig{SceneType: models.SceneExterior},
	})
	assert.NotContains(t, exteriorNoSky, "Replace an overcast")
}

func TestBuildPrompt_Stage1B(t *testing.T) {
	light := BuildPrompt(&PromptSpec{
		Stage:  models.Stage1B,
		Config: models.StageConfig{SceneType: models.SceneInterior, DeclutterMode: models.DeclutterLight},
	})
	assert.Contains(t, light, "Keep all furniture in place")
	assert.Contains(t, light, "Do not add any new object")

	full := BuildPrompt(&PromptSpec{
		Stage:  models.Stage1B,
		Config: models.StageConfig{SceneType: models.SceneInterior, DeclutterMode: models.DeclutterFull},
	})
	assert.Contains(t, full, "Remove ALL movable furniture")
	assert.Contains(t, full, "reads as empty")
	assert.Contains(t, full, "matching the existing flooring pattern")
}

func TestBuildPrompt_Stage2Variants(t *testing.T) {
	empty := BuildPrompt(&PromptSpec{
		Stage: models.Stage2,
		Config: models.StageConfig{
			SceneType: models.SceneInterior,
			Variant:   models.Variant2B,
			RoomType:  "bedroom",
		},
	})
	assert.Contains(t, empty, "Virtually stage this empty bedroom")
	assert.Contains(t, empty, "modern, neutral", "default style")

	refresh := BuildPrompt(&PromptSpec{
		Stage: models.Stage2,
		Config: models.StageConfig{
			SceneType:    models.SceneInterior,
			Variant:      models.Variant2A,
			RoomType:     "living room",
			StagingStyle: "scandinavian",
		},
	})
	assert.Contains(t, refresh, "Refresh the furniture in this living room")
	assert.Contains(t, refresh, "scandinavian")
	assert.Contains(t, refresh, "only movable furnishings may change")
}

func TestBuildPrompt_TightenBands(t *testing.T) {
	spec := func(level int, hints []string) *PromptSpec {
		return &PromptSpec{
			Stage:        models.Stage1B,
			Config:       models.StageConfig{SceneType: models.SceneInterior, DeclutterMode: models.DeclutterLight},
			TightenLevel: level,
			FailureHints: hints,
		}
	}

	base := BuildPrompt(spec(TightenNone, nil))
	assert.NotContains(t, base, "IMPORTANT:")
	assert.NotContains(t, base, "STRICT MODE")

	reinforce := BuildPrompt(spec(TightenReinforce, nil))
	assert.Contains(t, reinforce, "IMPORTANT: a previous attempt changed more than allowed")

	strict := BuildPrompt(spec(TightenStrict, []string{"window count changed from 2 to 3"}))
	assert.Contains(t, strict, "STRICT MODE")
	assert.Contains(t, strict, "absolutely forbidden")
	assert.Contains(t, strict, "window count changed from 2 to 3")

	minimal := BuildPrompt(spec(TightenMinimal, []string{"structural edge IoU 0.61 below 0.85"}))
	assert.Contains(t, minimal, "MINIMAL CHANGE MODE")
	assert.Contains(t, minimal, "leave pixels untouched")
	assert.Contains(t, minimal, "structural edge IoU 0.61 below 0.85")
}

func TestBuildPrompt_HintsCappedAtThree(t *testing.T) {
	prompt := BuildPrompt(&PromptSpec{
		Stage:        models.Stage1B,
		Config:       models.StageConfig{SceneType: models.SceneInterior},
		TightenLevel: TightenStrict,
		FailureHints: []string{"one", "two", "three", "four"},
	})
	assert.Contains(t, prompt, "- three")
	assert.NotContains(t, prompt, "- four")
}

func TestBuildPrompt_DimensionConstraintAlwaysLast(t *testing.T) {
	for _, stage := range []models.Stage{models.Stage1A, models.Stage1B, models.Stage2} {
		for level := TightenNone; level <= TightenMinimal; level++ {
			prompt := BuildPrompt(&PromptSpec{
				Stage:        stage,
				Config:       models.StageConfig{SceneType: models.SceneInterior},
				TightenLevel: level,
			})
			assert.True(t, strings.HasSuffix(prompt, "Do not crop, pad, rotate or reframe."),
				"stage %s level %d", stage, level)
		}
	}
}
