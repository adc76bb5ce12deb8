// Package caption turns an image into a caption by running a feature
// extractor once and then decoding words greedily until the end token or the
// length cap.
package caption

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/samcharles93/glance/internal/imageprep"
	"github.com/samcharles93/glance/internal/logger"
	"github.com/samcharles93/glance/internal/logits"
	"github.com/samcharles93/glance/internal/vocab"
)

const DefaultMaxLength = 34

// FeatureExtractor embeds an image tensor. Implementations must be safe for
// concurrent use or serialise internally.
type FeatureExtractor interface {
	Embed(ctx context.Context, t *imageprep.Tensor) ([]float32, error)
}

// SequenceDecoder returns the next-word distribution for a padded index
// sequence of exactly the configured max length.
type SequenceDecoder interface {
	PredictNext(ctx context.Context, features []float32, padded []int) ([]float32, error)
}

// Preprocessor converts encoded image bytes to a tensor.
type Preprocessor interface {
	Preprocess(data []byte) (*imageprep.Tensor, imageprep.Info, error)
}

// StepFunc observes each caption word as it is appended. The end token is
// not reported.
type StepFunc func(step int, word string)

// StopReason says why decoding ended.
type StopReason string

const (
	StopEndToken     StopReason = "end_token"
	StopMaxLength    StopReason = "max_length"
	StopUnknownToken StopReason = "unknown_token"
)

type Result struct {
	Caption string
	Words   []string
	Steps   int
	// Truncated is set when the length cap ended decoding before the end
	// token. It is not an error.
	Truncated bool
	Stop      StopReason
	Duration  time.Duration
	Image     imageprep.Info
}

type Config struct {
	// MaxLength caps decode steps and is the padded sequence length.
	MaxLength int
	// Timeout bounds one whole generation. Zero disables it.
	Timeout time.Duration
	// FeatureDim and VocabSize, when set, are checked against every model
	// output.
	FeatureDim int
	VocabSize  int
	// Selector defaults to logits.Greedy.
	Selector logits.Selector
	Logger   logger.Logger
}

// Generator is built once at startup and shared by all requests. It holds no
// per-request state.
type Generator struct {
	pre       Preprocessor
	extractor FeatureExtractor
	decoder   SequenceDecoder
	vocab     *vocab.Vocabulary

	maxLength  int
	timeout    time.Duration
	featureDim int
	vocabSize  int
	selector   logits.Selector
	log        logger.Logger
}

func New(pre Preprocessor, extractor FeatureExtractor, decoder SequenceDecoder, voc *vocab.Vocabulary, cfg Config) (*Generator, error) {
	if pre == nil || extractor == nil || decoder == nil || voc == nil {
		return nil, errors.New("caption: preprocessor, extractor, decoder and vocabulary are required")
	}
	if cfg.MaxLength == 0 {
		cfg.MaxLength = DefaultMaxLength
	}
	if cfg.MaxLength < 0 {
		return nil, fmt.Errorf("caption: max length must be positive, got %d", cfg.MaxLength)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("caption: timeout must not be negative, got %s", cfg.Timeout)
	}
	if cfg.Selector == nil {
		cfg.Selector = logits.Greedy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	return &Generator{
		pre:        pre,
		extractor:  extractor,
		decoder:    decoder,
		vocab:      voc,
		maxLength:  cfg.MaxLength,
		timeout:    cfg.Timeout,
		featureDim: cfg.FeatureDim,
		vocabSize:  cfg.VocabSize,
		selector:   cfg.Selector,
		log:        cfg.Logger.With("component", "caption"),
	}, nil
}

func (g *Generator) MaxLength() int { return g.maxLength }

// Generate captions encoded image bytes.
func (g *Generator) Generate(ctx context.Context, image []byte, step StepFunc) (*Result, error) {
	start := time.Now()
	tensor, info, err := g.pre.Preprocess(image)
	if err != nil {
		return nil, err
	}
	res, err := g.GenerateFromTensor(ctx, tensor, step)
	if err != nil {
		return nil, err
	}
	res.Image = info
	res.Duration = time.Since(start)
	g.log.Debug("caption generated",
		"caption", res.Caption, "steps", res.Steps, "stop", string(res.Stop), "duration", res.Duration)
	return res, nil
}

// GenerateFromTensor captions an already preprocessed tensor. The timeout
// covers feature extraction and decoding.
func (g *Generator) GenerateFromTensor(ctx context.Context, tensor *imageprep.Tensor, step StepFunc) (*Result, error) {
	start := time.Now()
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	res, err := g.generate(ctx, tensor, step)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (g *Generator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, g.timeout, ErrGenerationTimeout)
}

func (g *Generator) generate(ctx context.Context, tensor *imageprep.Tensor, step StepFunc) (*Result, error) {
	if err := g.ctxErr(ctx); err != nil {
		return nil, err
	}
	features, err := safeEmbed(ctx, g.extractor, tensor)
	if err != nil {
		if cerr := g.ctxErr(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, newInferenceError(stageExtractor, 0, err)
	}
	if err := g.checkFeatures(features); err != nil {
		return nil, newInferenceError(stageExtractor, 0, err)
	}
	return g.Decode(ctx, features, step)
}

// Decode runs the autoregressive loop for a fixed feature vector. The
// sequence starts as [start token]; each step encodes the words so far,
// left-pads them to the max length, asks the decoder for a distribution and
// appends the selected word. Decoding stops on the end token, on an index
// with no word, or after MaxLength steps.
func (g *Generator) Decode(ctx context.Context, features []float32, step StepFunc) (*Result, error) {
	words := make([]string, 1, g.maxLength+1)
	words[0] = g.vocab.StartToken()
	stop := StopMaxLength

	steps := 0
	for ; steps < g.maxLength; steps++ {
		if err := g.ctxErr(ctx); err != nil {
			return nil, err
		}

		padded := vocab.Pad(g.vocab.Encode(strings.Join(words, " ")), g.maxLength)
		dist, err := safePredict(ctx, g.decoder, features, padded)
		if err != nil {
			if cerr := g.ctxErr(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, newInferenceError(stageDecoder, steps, err)
		}
		if err := g.checkDistribution(dist); err != nil {
			return nil, newInferenceError(stageDecoder, steps, err)
		}
		idx, err := g.selector.Select(dist)
		if err != nil {
			return nil, newInferenceError(stageDecoder, steps, err)
		}

		word, ok := g.vocab.Word(idx)
		if !ok {
			g.log.Debug("decoder selected index without a word", "step", steps, "index", idx)
			steps++
			stop = StopUnknownToken
			break
		}
		words = append(words, word)
		g.log.Debug("decode step", "step", steps, "index", idx, "word", word)
		if word == g.vocab.EndToken() {
			steps++
			stop = StopEndToken
			break
		}
		if step != nil {
			step(steps, word)
		}
	}

	out := finish(words, g.vocab.StartToken(), g.vocab.EndToken())
	return &Result{
		Caption:   strings.Join(out, " "),
		Words:     out,
		Steps:     steps,
		Truncated: stop == StopMaxLength,
		Stop:      stop,
	}, nil
}

// finish drops the start and end sentinels.
func finish(words []string, start, end string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w == start || w == end {
			continue
		}
		if w = strings.TrimSpace(w); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func (g *Generator) ctxErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), ErrGenerationTimeout) {
		return fmt.Errorf("%w after %s", ErrGenerationTimeout, g.timeout)
	}
	return ctx.Err()
}

func (g *Generator) checkFeatures(features []float32) error {
	if len(features) == 0 {
		return errors.New("empty feature vector")
	}
	if g.featureDim > 0 && len(features) != g.featureDim {
		return fmt.Errorf("feature vector has %d values, want %d", len(features), g.featureDim)
	}
	for i, v := range features {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("feature %d is %v", i, v)
		}
	}
	return nil
}

func (g *Generator) checkDistribution(dist []float32) error {
	if g.vocabSize > 0 && len(dist) != g.vocabSize {
		return fmt.Errorf("distribution has %d entries, want %d", len(dist), g.vocabSize)
	}
	return logits.Validate(dist)
}

func safeEmbed(ctx context.Context, e FeatureExtractor, t *imageprep.Tensor) (features []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Embed: %v", rec)
		}
	}()
	return e.Embed(ctx, t)
}

func safePredict(ctx context.Context, d SequenceDecoder, features []float32, padded []int) (dist []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in PredictNext: %v", rec)
		}
	}()
	return d.PredictNext(ctx, features, padded)
}
