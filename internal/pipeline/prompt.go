package pipeline

import (
	"fmt"
	"strings"

	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

// Tighten levels. Each failed attempt climbs one level; higher levels trade
// creative freedom for compliance.
const (
	TightenNone      = 0 // first attempt, base prompt
	TightenReinforce = 1 // restate the preservation constraints
	TightenStrict    = 2 // enumerate prohibitions, cite the prior failure
	TightenMinimal   = 3 // minimal-change mode, near-greedy sampling
)

// Base sampling knobs for an untightened attempt.
const (
	baseTemperature float32 = 0.4
	baseTopP        float32 = 0.9
	baseTopK        int32   = 40
)

// PromptSpec collects everything the builder needs for one stage attempt.
type PromptSpec struct {
	Stage        models.Stage
	Config       models.StageConfig
	TightenLevel int
	// FailureHints are short reasons from the previous attempt's validation,
	// woven into the strict tiers so the model sees what it got wrong.
	FailureHints []string
}

// SamplingFor derives the sampling knobs for a tighten level. Level 3 is
// near-greedy; a candidate that keeps failing needs determinism, not
// creativity.
func SamplingFor(level int) interfaces.SamplingKnobs {
	switch {
	case level <= TightenNone:
		return interfaces.SamplingKnobs{Temperature: baseTemperature, TopP: baseTopP, TopK: baseTopK}
	case level == TightenReinforce:
		return interfaces.SamplingKnobs{
			Temperature: baseTemperature * 0.7,
			TopP:        baseTopP * 0.7,
			TopK:        int32(float64(baseTopK) * 0.8),
		}
	case level == TightenStrict:
		return interfaces.SamplingKnobs{
			Temperature: baseTemperature * 0.4,
			TopP:        baseTopP * 0.8,
			TopK:        int32(float64(baseTopK) * 0.6),
		}
	default:
		return interfaces.SamplingKnobs{Temperature: 0.01, TopP: 0.5, TopK: 5}
	}
}

// BuildPrompt renders the generation prompt for one stage attempt.
func BuildPrompt(spec *PromptSpec) string {
	var b strings.Builder

	switch spec.Stage {
	case models.Stage1A:
		writeStage1APrompt(&b, spec)
	case models.Stage1B:
		writeStage1BPrompt(&b, spec)
	case models.Stage2:
		writeStage2Prompt(&b, spec)
	}

	writeTightenBand(&b, spec)

	// The dimension constraint rides on every prompt; the local validator
	// fatally rejects any resize regardless.
	b.WriteString("\nOutput the edited photograph at exactly the same width, height and ")
	b.WriteString("aspect ratio as the input. Do not crop, pad, rotate or reframe.")

	return b.String()
}

func writeStage1APrompt(b *strings.Builder, spec *PromptSpec) {
	b.WriteString("Professionally retouch this real-estate photograph. ")
	b.WriteString("Correct the white balance, lift underexposed areas, recover blown highlights, ")
	b.WriteString("remove color casts and straighten any lens distortion. ")

	if spec.Config.SceneType == models.SceneExterior {
		b.WriteString("Keep the landscaping, driveway and all exterior structures exactly as photographed. ")
		if spec.Config.ReplaceSky {
			b.WriteString("Replace an overcast or blown-out sky with a natural clear sky that matches the scene lighting. ")
		}
	} else {
		b.WriteString("Keep every object in the room exactly where it is. ")
	}

	b.WriteString("This is a cleanup pass only: do not add, remove or move anything in the scene.")
}

func writeStage1BPrompt(b *strings.Builder, spec *PromptSpec) {
	if spec.Config.DeclutterMode.IsFull() {
		b.WriteString("Remove ALL movable furniture and loose items from this room so it reads as empty: ")
		b.WriteString("sofas, tables, chairs, beds, rugs, lamps, wall art, plants, boxes and personal items. ")
	} else {
		b.WriteString("Declutter this room: remove loose items, cables, papers, toys, magnets, ")
		b.WriteString("toiletries and other personal effects. Keep all furniture in place. ")
	}

	b.WriteString("Plausibly reconstruct the floor and walls behind removed objects, matching the ")
	b.WriteString("existing flooring pattern and wall finish. ")
	b.WriteString("Preserve all windows, doors, curtains, blinds, built-in cabinetry, ")
	b.WriteString("light fixtures and architectural features exactly as photographed. ")
	b.WriteString("Do not add any new object.")
}

func writeStage2Prompt(b *strings.Builder, spec *PromptSpec) {
	style := spec.Config.StagingStyle
	if style == "" {
		style = "modern, neutral"
	}
	room := spec.Config.RoomType
	if room == "" {
		room = "room"
	}

	if spec.Config.Variant == models.Variant2B {
		fmt.Fprintf(b, "Virtually stage this empty %s with tasteful furniture in a %s style. ", room, style)
	} else {
		fmt.Fprintf(b, "Refresh the furniture in this %s to a cohesive %s style, replacing existing pieces with updated ones in the same positions. ", room, style)
	}

	b.WriteString("Every piece must rest on the floor with correct scale, perspective and shadows ")
	b.WriteString("matching the room light. Keep doorways and window openings clear. ")
	b.WriteString("Preserve all windows, doors, curtains, blinds, built-in cabinetry, flooring ")
	b.WriteString("and wall finishes exactly as photographed; only movable furnishings may change.")
}

// writeTightenBand appends the escalation text for the attempt's tighten
// level. Levels stack conceptually but only the active band is rendered.
func writeTightenBand(b *strings.Builder, spec *PromptSpec) {
	switch {
	case spec.TightenLevel <= TightenNone:
		return

	case spec.TightenLevel == TightenReinforce:
		b.WriteString("\n\nIMPORTANT: a previous attempt changed more than allowed. ")
		b.WriteString("Strictly preserve the room's architecture, windows, doors and fixed finishes. ")
		b.WriteString("Make only the changes described above and nothing else.")

	case spec.TightenLevel == TightenStrict:
		b.WriteString("\n\nSTRICT MODE: previous attempts were rejected for unauthorized changes. ")
		b.WriteString("The following are absolutely forbidden: altering window or door positions, ")
		b.WriteString("changing wall, ceiling or floor surfaces, modifying built-in cabinetry, ")
		b.WriteString("changing the camera angle, adding objects not explicitly requested.")
		writeFailureHints(b, spec.FailureHints)

	default:
		b.WriteString("\n\nMINIMAL CHANGE MODE: make the smallest possible edit that satisfies ")
		b.WriteString("the instruction. When in doubt, leave pixels untouched. ")
		b.WriteString("Reproduce the input image except for the explicitly requested change.")
		writeFailureHints(b, spec.FailureHints)
	}
}

func writeFailureHints(b *strings.Builder, hints []string) {
	if len(hints) == 0 {
		return
	}
	b.WriteString("\nPrevious rejections:")
	for i, h := range hints {
		if i >= 3 {
			break
		}
		fmt.Fprintf(b, "\n- %s", h)
	}
}
