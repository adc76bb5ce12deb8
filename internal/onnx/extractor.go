package onnx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/samcharles93/glance/internal/imageprep"
)

const (
	LayoutNHWC = "nhwc"
	LayoutNCHW = "nchw"
)

type ExtractorConfig struct {
	Path       string
	InputName  string
	OutputName string
	ImageSize  int
	FeatureDim int
	// Layout is LayoutNHWC (Keras exports) or LayoutNCHW.
	Layout string
}

// Extractor maps an image tensor to its embedding with one session run.
type Extractor struct {
	mu      sync.Mutex
	cfg     ExtractorConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.ImageSize <= 0 || cfg.FeatureDim <= 0 {
		return nil, fmt.Errorf("extractor: image size and feature dim must be positive (got %d, %d)", cfg.ImageSize, cfg.FeatureDim)
	}
	cfg.Layout = strings.ToLower(cfg.Layout)
	size := int64(cfg.ImageSize)
	var inputShape ort.Shape
	switch cfg.Layout {
	case "", LayoutNHWC:
		cfg.Layout = LayoutNHWC
		inputShape = ort.NewShape(1, size, size, imageprep.Channels)
	case LayoutNCHW:
		inputShape = ort.NewShape(1, imageprep.Channels, size, size)
	default:
		return nil, fmt.Errorf("extractor: unknown layout %q", cfg.Layout)
	}

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("extractor: create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.FeatureDim)))
	if err != nil {
		_ = input.Destroy()
		return nil, fmt.Errorf("extractor: create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("extractor: create session for %s: %w", cfg.Path, err)
	}

	return &Extractor{
		cfg:     cfg,
		session: session,
		input:   input,
		output:  output,
	}, nil
}

// Embed runs the extractor once. The returned slice is a copy owned by the
// caller.
func (e *Extractor) Embed(ctx context.Context, t *imageprep.Tensor) ([]float32, error) {
	if t == nil {
		return nil, errors.New("extractor: nil tensor")
	}
	if t.Size() != e.cfg.ImageSize {
		return nil, fmt.Errorf("extractor: tensor size %d, model expects %d", t.Size(), e.cfg.ImageSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if e.cfg.Layout == LayoutNCHW {
		copy(e.input.GetData(), t.CHW())
	} else {
		copy(e.input.GetData(), t.Data())
	}
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("extractor: run: %w", err)
	}
	return append([]float32(nil), e.output.GetData()...), nil
}

func (e *Extractor) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := destroyAll(e.session, e.input, e.output)
	e.session, e.input, e.output = nil, nil, nil
	return err
}

var ErrClosed = errors.New("onnx: session closed")

type destroyer interface {
	Destroy() error
}

func destroyAll(items ...destroyer) error {
	var errs []error
	for _, it := range items {
		if it == nil {
			continue
		}
		if err := it.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
