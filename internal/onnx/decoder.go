package onnx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Sequence input element types. Keras models exported with tf2onnx keep the
// float32 default of the Input layer.
const (
	DTypeFloat32 = "float32"
	DTypeInt64   = "int64"
	DTypeInt32   = "int32"
)

type DecoderConfig struct {
	Path          string
	FeatureInput  string
	SequenceInput string
	OutputName    string
	FeatureDim    int
	MaxLength     int
	VocabSize     int
	SequenceDType string
}

// Decoder predicts the next-word distribution from features and a padded
// index sequence.
type Decoder struct {
	mu       sync.Mutex
	cfg      DecoderConfig
	session  *ort.AdvancedSession
	features *ort.Tensor[float32]
	seq      sequenceTensor
	output   *ort.Tensor[float32]
}

// sequenceTensor hides the element type of the padded sequence input.
type sequenceTensor interface {
	ort.ArbitraryTensor
	fill(ids []int)
}

type seqTensor[T float32 | int64 | int32] struct {
	*ort.Tensor[T]
}

func (s seqTensor[T]) fill(ids []int) {
	data := s.GetData()
	for i, id := range ids {
		data[i] = T(id)
	}
}

func newSequenceTensor(dtype string, shape ort.Shape) (sequenceTensor, error) {
	switch strings.ToLower(dtype) {
	case "", DTypeFloat32:
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return nil, err
		}
		return seqTensor[float32]{t}, nil
	case DTypeInt64:
		t, err := ort.NewEmptyTensor[int64](shape)
		if err != nil {
			return nil, err
		}
		return seqTensor[int64]{t}, nil
	case DTypeInt32:
		t, err := ort.NewEmptyTensor[int32](shape)
		if err != nil {
			return nil, err
		}
		return seqTensor[int32]{t}, nil
	default:
		return nil, fmt.Errorf("unsupported sequence dtype %q", dtype)
	}
}

func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if cfg.FeatureDim <= 0 || cfg.MaxLength <= 0 || cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("decoder: feature dim, max length and vocab size must be positive (got %d, %d, %d)",
			cfg.FeatureDim, cfg.MaxLength, cfg.VocabSize)
	}

	features, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.FeatureDim)))
	if err != nil {
		return nil, fmt.Errorf("decoder: create feature tensor: %w", err)
	}
	seq, err := newSequenceTensor(cfg.SequenceDType, ort.NewShape(1, int64(cfg.MaxLength)))
	if err != nil {
		_ = features.Destroy()
		return nil, fmt.Errorf("decoder: create sequence tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.VocabSize)))
	if err != nil {
		_ = destroyAll(features, seq)
		return nil, fmt.Errorf("decoder: create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.Path,
		[]string{cfg.FeatureInput, cfg.SequenceInput}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{features, seq}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		_ = destroyAll(features, seq, output)
		return nil, fmt.Errorf("decoder: create session for %s: %w", cfg.Path, err)
	}

	return &Decoder{
		cfg:      cfg,
		session:  session,
		features: features,
		seq:      seq,
		output:   output,
	}, nil
}

// PredictNext runs one decoder step. padded must already be padded to the
// configured max length. The returned distribution is a copy.
func (d *Decoder) PredictNext(ctx context.Context, features []float32, padded []int) ([]float32, error) {
	if len(features) != d.cfg.FeatureDim {
		return nil, fmt.Errorf("decoder: feature vector has %d values, model expects %d", len(features), d.cfg.FeatureDim)
	}
	if len(padded) != d.cfg.MaxLength {
		return nil, fmt.Errorf("decoder: sequence has %d indices, model expects %d", len(padded), d.cfg.MaxLength)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	copy(d.features.GetData(), features)
	d.seq.fill(padded)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("decoder: run: %w", err)
	}
	return append([]float32(nil), d.output.GetData()...), nil
}

func (d *Decoder) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	err := destroyAll(d.session, d.features, d.seq, d.output)
	d.session, d.features, d.seq, d.output = nil, nil, nil, nil
	return err
}
