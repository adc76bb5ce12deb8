package caption

import (
	"errors"
	"fmt"

	"github.com/samcharles93/glance/internal/imageprep"
)

var (
	// ErrInvalidImage means the input bytes are not a decodable image.
	ErrInvalidImage = imageprep.ErrInvalidImage
	// ErrUnsupportedChannelLayout means the image decoded but has no RGB
	// rendition.
	ErrUnsupportedChannelLayout = imageprep.ErrUnsupportedChannelLayout
	// ErrModelInference covers failed model calls and malformed outputs.
	ErrModelInference = errors.New("model inference failed")
	// ErrGenerationTimeout is returned when the wall-clock limit elapses.
	ErrGenerationTimeout = errors.New("caption generation timed out")
)

// inferenceError records which collaborator failed and at which step.
type inferenceError struct {
	stage string
	step  int
	err   error
}

func (e *inferenceError) Error() string {
	if e.stage == stageDecoder {
		return fmt.Sprintf("%s: step %d: %v", e.stage, e.step, e.err)
	}
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *inferenceError) Unwrap() []error {
	return []error{ErrModelInference, e.err}
}

const (
	stageExtractor = "feature extractor"
	stageDecoder   = "sequence decoder"
)

func newInferenceError(stage string, step int, err error) error {
	return &inferenceError{stage: stage, step: step, err: err}
}
