package inference

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samcharles93/glance/internal/caption"
	"github.com/samcharles93/glance/internal/imageprep"
	"github.com/samcharles93/glance/internal/logger"
	"github.com/samcharles93/glance/internal/logits"
	"github.com/samcharles93/glance/internal/onnx"
	"github.com/samcharles93/glance/internal/vocab"
)

// Loader resolves a model directory into a ready caption.Generator. Zero
// fields fall back to the values recorded in the artifact metadata; set
// fields must agree with it.
type Loader struct {
	MaxLength     int
	ImgSize       int
	Interpolation string
	// MaxPixels caps width*height of decoded images. Zero uses
	// imageprep.DefaultMaxPixels.
	MaxPixels int
	Timeout   time.Duration
	// OnnxLibrary is the path of the ONNX Runtime shared library. Empty uses
	// the runtime's default lookup.
	OnnxLibrary string
	// Selector overrides greedy selection. Leave nil for the server, which
	// shares one generator across requests.
	Selector logits.Selector
	Logger   logger.Logger
}

type LoadResult struct {
	Generator *caption.Generator
	Metadata  Metadata
	Vocab     *vocab.Vocabulary
	Dir       string

	closers []func() error
}

// Close releases sessions, tensors and the runtime environment.
func (r *LoadResult) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	r.closers = nil
	return errors.Join(errs...)
}

// MismatchError reports a configured value that contradicts the artifact.
type MismatchError struct {
	Field      string
	Configured int
	Artifact   int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: configured %d, model artifact has %d", e.Field, e.Configured, e.Artifact)
}

// Resolve merges configured values into metadata.
func (l Loader) Resolve(md Metadata) (Metadata, error) {
	var errs []error
	if l.MaxLength != 0 && l.MaxLength != md.MaxLength {
		errs = append(errs, &MismatchError{Field: "max_length", Configured: l.MaxLength, Artifact: md.MaxLength})
	}
	if l.ImgSize != 0 && l.ImgSize != md.ImgSize {
		errs = append(errs, &MismatchError{Field: "img_size", Configured: l.ImgSize, Artifact: md.ImgSize})
	}
	return md, errors.Join(errs...)
}

// Inspect reads metadata and the vocabulary without touching the runtime.
func (l Loader) Inspect(dir string) (Metadata, *vocab.Vocabulary, error) {
	if strings.TrimSpace(dir) == "" {
		return Metadata{}, nil, fmt.Errorf("model directory is required")
	}
	md, _, err := ReadMetadata(dir)
	if err != nil {
		return Metadata{}, nil, err
	}
	if md, err = l.Resolve(md); err != nil {
		return Metadata{}, nil, err
	}
	voc, err := vocab.Load(filepath.Join(dir, TokenizerFile), vocab.Options{
		StartToken: md.StartToken,
		EndToken:   md.EndToken,
	})
	if err != nil {
		return Metadata{}, nil, err
	}
	if voc.Size() > md.VocabSize {
		return Metadata{}, nil, fmt.Errorf("tokenizer has index %d but vocab_size is %d", voc.Size()-1, md.VocabSize)
	}
	return md, voc, nil
}

func (l Loader) Load(dir string) (*LoadResult, error) {
	log := l.Logger
	if log == nil {
		log = logger.Discard()
	}

	md, voc, err := l.Inspect(dir)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{ExtractorFile, DecoderFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("model artifact: %w", err)
		}
	}

	pre, err := imageprep.New(md.ImgSize, l.Interpolation)
	if err != nil {
		return nil, err
	}
	if err := pre.SetMaxPixels(l.MaxPixels); err != nil {
		return nil, err
	}

	res := &LoadResult{Metadata: md, Vocab: voc, Dir: dir}
	cleanup := func(err error) (*LoadResult, error) {
		_ = res.Close()
		return nil, err
	}

	rt, err := onnx.Init(l.OnnxLibrary)
	if err != nil {
		return nil, err
	}
	res.closers = append(res.closers, rt.Close)

	ext, err := onnx.NewExtractor(onnx.ExtractorConfig{
		Path:       filepath.Join(dir, ExtractorFile),
		InputName:  md.Extractor.Input,
		OutputName: md.Extractor.Output,
		ImageSize:  md.ImgSize,
		FeatureDim: md.FeatureDim,
		Layout:     md.Layout,
	})
	if err != nil {
		return cleanup(err)
	}
	res.closers = append(res.closers, ext.Close)

	dec, err := onnx.NewDecoder(onnx.DecoderConfig{
		Path:          filepath.Join(dir, DecoderFile),
		FeatureInput:  md.Decoder.FeatureInput,
		SequenceInput: md.Decoder.SequenceInput,
		OutputName:    md.Decoder.Output,
		FeatureDim:    md.FeatureDim,
		MaxLength:     md.MaxLength,
		VocabSize:     md.VocabSize,
		SequenceDType: md.SequenceDType,
	})
	if err != nil {
		return cleanup(err)
	}
	res.closers = append(res.closers, dec.Close)

	gen, err := caption.New(pre, ext, dec, voc, caption.Config{
		MaxLength:  md.MaxLength,
		Timeout:    l.Timeout,
		FeatureDim: md.FeatureDim,
		VocabSize:  md.VocabSize,
		Selector:   l.Selector,
		Logger:     log,
	})
	if err != nil {
		return cleanup(err)
	}
	res.Generator = gen

	log.Info("model loaded",
		"dir", dir,
		"img_size", md.ImgSize,
		"max_length", md.MaxLength,
		"feature_dim", md.FeatureDim,
		"vocab_size", md.VocabSize,
		"words", voc.Len())
	return res, nil
}
