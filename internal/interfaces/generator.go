package interfaces

import "context"

// SamplingKnobs are the generative sampling parameters derived from the
// tighten level at call time.
type SamplingKnobs struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	TopK        int32   `json:"top_k"`
}

// GenerateRequest asks the generative model for a candidate image.
type GenerateRequest struct {
	Prompt     string
	InputImage []byte // baseline image bytes
	InputMIME  string // "image/jpeg" or "image/png"
	Sampling   SamplingKnobs
}

// GenerateResult is the candidate image returned by the model.
type GenerateResult struct {
	Image []byte
	MIME  string
}

// ImageGenerator produces a candidate image given prompt + input image +
// sampling knobs. Implementations must honor ctx cancellation and deadlines.
type ImageGenerator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResult, error)
}
