package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relume-ai/relume/internal/models"
)

// ExtractJSON returns the first balanced JSON object in text. Judge models
// occasionally wrap their answer in markdown fences or prose; only the object
// itself is trusted.
func ExtractJSON(text string) (string, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object in response")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unbalanced JSON object in response")
}

// ParseSemanticVerdict decodes and normalizes a judge response. Any decode
// failure yields a ParseError verdict rather than an error so the caller's
// fail-closed policy decides the outcome.
func ParseSemanticVerdict(stage models.Stage, raw string) *models.SemanticVerdict {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return &models.SemanticVerdict{ParseError: true, Reason: err.Error()}
	}

	var v models.SemanticVerdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return &models.SemanticVerdict{ParseError: true, Reason: fmt.Sprintf("decode judge response: %v", err)}
	}

	// Clamp confidence into [0,1]; some models report percentages.
	if v.Confidence > 1 && v.Confidence <= 100 {
		v.Confidence /= 100
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	}
	if v.Confidence > 1 {
		v.Confidence = 1
	}

	// Normalize check values. Unknown strings count as unclear, never as pass.
	if v.Checks != nil {
		for name, result := range v.Checks {
			switch result {
			case models.CheckPass, models.CheckFail, models.CheckUnclear:
			default:
				v.Checks[name] = models.CheckUnclear
			}
		}
	}

	// A pass verdict with a required check failing is a contradiction; the
	// check wins.
	if v.Pass {
		for _, name := range requiredPassChecks(stage) {
			if v.Checks[name] == models.CheckFail {
				v.Pass = false
				v.FailReasons = append(v.FailReasons, fmt.Sprintf("check %s failed despite overall pass", name))
			}
		}
	}

	return &v
}

// ParsePlacementVerdict decodes the placement judge response. Unknown verdict
// strings degrade to soft_fail so a malformed answer never hard-blocks on its
// own.
func ParsePlacementVerdict(raw string) (*models.PlacementVerdict, error) {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var v models.PlacementVerdict
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return nil, fmt.Errorf("decode placement response: %w", err)
	}

	switch v.Verdict {
	case models.PlacementPass, models.PlacementSoftFail, models.PlacementHardFail:
	default:
		v.Reasons = append(v.Reasons, fmt.Sprintf("unrecognized verdict %q", v.Verdict))
		v.Verdict = models.PlacementSoftFail
	}

	return &v, nil
}

// ParseFailureAnalysis decodes the post-mortem model response.
func ParseFailureAnalysis(raw string) (*models.FailureAnalysis, error) {
	obj, err := ExtractJSON(raw)
	if err != nil {
		return nil, err
	}

	var a models.FailureAnalysis
	if err := json.Unmarshal([]byte(obj), &a); err != nil {
		return nil, fmt.Errorf("decode analysis response: %w", err)
	}

	switch a.Classification {
	case "prompt", "validator", "pipeline", "model":
	default:
		a.Classification = "pipeline"
	}
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}

	return &a, nil
}
