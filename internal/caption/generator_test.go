package caption

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/glance/internal/imageprep"
	"github.com/samcharles93/glance/internal/vocab"
)

const testVocabSize = 6

func testVocab(t *testing.T) *vocab.Vocabulary {
	t.Helper()
	v, err := vocab.New(map[string]int{
		"startseq": 1,
		"a":        2,
		"dog":      3,
		"runs":     4,
		"endseq":   5,
	}, vocab.Options{})
	if err != nil {
		t.Fatalf("vocab.New: %v", err)
	}
	return v
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 6, 4))
	for y := range 4 {
		for x := range 6 {
			img.Set(x, y, color.NRGBA{R: uint8(x * 40), G: uint8(y * 60), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

type stubExtractor struct {
	features []float32
	err      error
	calls    atomic.Int32
}

func (s *stubExtractor) Embed(_ context.Context, t *imageprep.Tensor) ([]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.features != nil {
		return s.features, nil
	}
	return []float32{0.1, 0.2, 0.3, 0.4}, nil
}

// scriptedDecoder emits one-hot distributions following script. Once the
// script runs out the last entry repeats.
type scriptedDecoder struct {
	mu     sync.Mutex
	script []int
	inputs [][]int
	dist   func(step int) []float32
	err    error
	delay  time.Duration
}

func (d *scriptedDecoder) PredictNext(ctx context.Context, _ []float32, padded []int) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	step := len(d.inputs)
	d.inputs = append(d.inputs, slices.Clone(padded))
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.dist != nil {
		return d.dist(step), nil
	}
	idx := d.script[min(step, len(d.script)-1)]
	out := make([]float32, testVocabSize)
	out[idx] = 1
	return out, nil
}

func newTestGenerator(t *testing.T, ext FeatureExtractor, dec SequenceDecoder, cfg Config) *Generator {
	t.Helper()
	pre, err := imageprep.New(8, "")
	if err != nil {
		t.Fatalf("imageprep.New: %v", err)
	}
	g, err := New(pre, ext, dec, testVocab(t), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestGenerateScenarios(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		script    []int
		maxLength int
		caption   string
		steps     int
		truncated bool
		stop      StopReason
	}{
		{name: "full sentence", script: []int{2, 3, 4, 5}, caption: "a dog runs", steps: 4, stop: StopEndToken},
		{name: "end token first", script: []int{5}, caption: "", steps: 1, stop: StopEndToken},
		{name: "length cap", script: []int{2}, maxLength: 5, caption: "a a a a a", steps: 5, truncated: true, stop: StopMaxLength},
		{name: "pad index stops", script: []int{2, 0}, caption: "a", steps: 2, stop: StopUnknownToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dec := &scriptedDecoder{script: tt.script}
			g := newTestGenerator(t, &stubExtractor{}, dec, Config{MaxLength: tt.maxLength, VocabSize: testVocabSize})

			res, err := g.Generate(context.Background(), testPNG(t), nil)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if res.Caption != tt.caption {
				t.Fatalf("caption = %q, want %q", res.Caption, tt.caption)
			}
			if res.Steps != tt.steps {
				t.Fatalf("steps = %d, want %d", res.Steps, tt.steps)
			}
			if res.Truncated != tt.truncated {
				t.Fatalf("truncated = %v, want %v", res.Truncated, tt.truncated)
			}
			if res.Stop != tt.stop {
				t.Fatalf("stop = %q, want %q", res.Stop, tt.stop)
			}
			if len(dec.inputs) != tt.steps {
				t.Fatalf("decoder calls = %d, want %d", len(dec.inputs), tt.steps)
			}
		})
	}
}

func TestGenerateRecordsImageInfo(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{script: []int{5}}, Config{})
	data := testPNG(t)
	res, err := g.Generate(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Image.Width != 6 || res.Image.Height != 4 || res.Image.Format != "png" || res.Image.Bytes != len(data) {
		t.Fatalf("image info = %+v", res.Image)
	}
}

func TestGenerateFromTensor(t *testing.T) {
	t.Parallel()
	ext := &stubExtractor{}
	g := newTestGenerator(t, ext, &scriptedDecoder{script: []int{2, 3, 4, 5}}, Config{})

	res, err := g.GenerateFromTensor(context.Background(), imageprep.NewTensor(8), nil)
	if err != nil {
		t.Fatalf("GenerateFromTensor: %v", err)
	}
	if res.Caption != "a dog runs" || res.Steps != 4 || res.Stop != StopEndToken {
		t.Fatalf("result = %+v", res)
	}
	if res.Image != (imageprep.Info{}) {
		t.Fatalf("expected no image info without decoding, got %+v", res.Image)
	}
	if n := ext.calls.Load(); n != 1 {
		t.Fatalf("extractor calls = %d, want 1", n)
	}

	slow := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{script: []int{2}, delay: 50 * time.Millisecond}, Config{Timeout: 10 * time.Millisecond})
	if _, err := slow.GenerateFromTensor(context.Background(), imageprep.NewTensor(8), nil); !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("error = %v, want ErrGenerationTimeout", err)
	}
}

func TestDecodePaddedInputs(t *testing.T) {
	t.Parallel()
	dec := &scriptedDecoder{script: []int{2, 3, 5}}
	g := newTestGenerator(t, &stubExtractor{}, dec, Config{MaxLength: 5})

	if _, err := g.Decode(context.Background(), []float32{1, 2}, nil); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := [][]int{
		{0, 0, 0, 0, 1},
		{0, 0, 0, 1, 2},
		{0, 0, 1, 2, 3},
	}
	if len(dec.inputs) != len(want) {
		t.Fatalf("decoder calls = %d, want %d", len(dec.inputs), len(want))
	}
	for i := range want {
		if !slices.Equal(dec.inputs[i], want[i]) {
			t.Fatalf("step %d input = %v, want %v", i, dec.inputs[i], want[i])
		}
	}
}

func TestDecodeStepCallback(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{script: []int{2, 3, 4, 5}}, Config{})

	var got []string
	res, err := g.Decode(context.Background(), []float32{1}, func(step int, word string) {
		if step != len(got) {
			t.Errorf("step = %d, want %d", step, len(got))
		}
		got = append(got, word)
	})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if want := []string{"a", "dog", "runs"}; !slices.Equal(got, want) {
		t.Fatalf("streamed words = %v, want %v", got, want)
	}
	if want := []string{"a", "dog", "runs"}; !slices.Equal(res.Words, want) {
		t.Fatalf("words = %v, want %v", res.Words, want)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()
	dist := func(step int) []float32 {
		out := []float32{0.01, 0.02, 0.3, 0.3, 0.2, 0.1}
		if step >= 3 {
			out[5] = 0.9
		}
		return out
	}
	g := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{dist: dist}, Config{})
	data := testPNG(t)

	first, err := g.Generate(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	g2 := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{dist: dist}, Config{})
	second, err := g2.Generate(context.Background(), data, nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if first.Caption != second.Caption {
		t.Fatalf("captions differ: %q vs %q", first.Caption, second.Caption)
	}
	// Ties resolve to the lowest index.
	if first.Caption != "a a a" {
		t.Fatalf("caption = %q, want %q", first.Caption, "a a a")
	}
}

func TestGenerateInvalidImage(t *testing.T) {
	t.Parallel()
	ext := &stubExtractor{}
	dec := &scriptedDecoder{script: []int{5}}
	g := newTestGenerator(t, ext, dec, Config{})

	for _, data := range [][]byte{nil, {}, []byte("not an image")} {
		res, err := g.Generate(context.Background(), data, nil)
		if !errors.Is(err, ErrInvalidImage) {
			t.Fatalf("Generate(%q) error = %v, want ErrInvalidImage", data, err)
		}
		if res != nil {
			t.Fatalf("Generate(%q) returned result %+v", data, res)
		}
	}
	if ext.calls.Load() != 0 || len(dec.inputs) != 0 {
		t.Fatalf("models called on invalid input: extractor=%d decoder=%d", ext.calls.Load(), len(dec.inputs))
	}
}

func TestGenerateModelErrors(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")

	tests := []struct {
		name string
		ext  *stubExtractor
		dec  *scriptedDecoder
	}{
		{name: "extractor fails", ext: &stubExtractor{err: boom}, dec: &scriptedDecoder{script: []int{5}}},
		{name: "empty features", ext: &stubExtractor{features: []float32{}}, dec: &scriptedDecoder{script: []int{5}}},
		{name: "wrong feature dim", ext: &stubExtractor{features: []float32{1, 2}}, dec: &scriptedDecoder{script: []int{5}}},
		{name: "decoder fails", ext: &stubExtractor{}, dec: &scriptedDecoder{err: boom}},
		{name: "short distribution", ext: &stubExtractor{}, dec: &scriptedDecoder{dist: func(int) []float32 { return []float32{1, 0} }}},
		{name: "empty distribution", ext: &stubExtractor{}, dec: &scriptedDecoder{dist: func(int) []float32 { return nil }}},
		{name: "nan distribution", ext: &stubExtractor{}, dec: &scriptedDecoder{dist: func(int) []float32 {
			return []float32{0, float32(math.NaN()), 0, 0, 0, 0}
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGenerator(t, tt.ext, tt.dec, Config{FeatureDim: 4, VocabSize: testVocabSize})
			_, err := g.Generate(context.Background(), testPNG(t), nil)
			if !errors.Is(err, ErrModelInference) {
				t.Fatalf("error = %v, want ErrModelInference", err)
			}
		})
	}
}

type panickingDecoder struct{}

func (panickingDecoder) PredictNext(context.Context, []float32, []int) ([]float32, error) {
	panic("index out of range")
}

func TestGenerateRecoversDecoderPanic(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &stubExtractor{}, panickingDecoder{}, Config{})
	_, err := g.Generate(context.Background(), testPNG(t), nil)
	if !errors.Is(err, ErrModelInference) {
		t.Fatalf("error = %v, want ErrModelInference", err)
	}
}

func TestGenerateTimeout(t *testing.T) {
	t.Parallel()
	dec := &scriptedDecoder{script: []int{2}, delay: 50 * time.Millisecond}
	g := newTestGenerator(t, &stubExtractor{}, dec, Config{Timeout: 10 * time.Millisecond})

	_, err := g.Generate(context.Background(), testPNG(t), nil)
	if !errors.Is(err, ErrGenerationTimeout) {
		t.Fatalf("error = %v, want ErrGenerationTimeout", err)
	}
	if errors.Is(err, ErrModelInference) {
		t.Fatalf("timeout reported as inference failure: %v", err)
	}
}

func TestGenerateCanceled(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{script: []int{2}}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Generate(ctx, testPNG(t), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

// Words missing from the vocabulary are dropped from the decoder input
// rather than mapped to a placeholder.
func TestDecodeDropsUnknownWords(t *testing.T) {
	t.Parallel()
	v, err := vocab.New(map[string]int{"startseq": 1, "endseq": 2, "cat": 3}, vocab.Options{})
	if err != nil {
		t.Fatalf("vocab.New: %v", err)
	}
	if got := v.Encode("startseq zebra cat"); !slices.Equal(got, []int{1, 3}) {
		t.Fatalf("Encode = %v, want [1 3]", got)
	}
	if got := vocab.Pad(v.Encode("startseq zebra"), 4); !slices.Equal(got, []int{0, 0, 0, 1}) {
		t.Fatalf("padded = %v, want [0 0 0 1]", got)
	}
}

func TestGeneratorConcurrentUse(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(t, &stubExtractor{}, &scriptedDecoder{dist: func(step int) []float32 {
		out := make([]float32, testVocabSize)
		out[[]int{2, 3, 4, 5}[min(step%4, 3)]] = 1
		return out
	}}, Config{})
	data := testPNG(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Generate(context.Background(), data, nil); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	pre, _ := imageprep.New(0, "")
	v := testVocab(t)

	if _, err := New(nil, &stubExtractor{}, &scriptedDecoder{}, v, Config{}); err == nil {
		t.Fatal("expected error for nil preprocessor")
	}
	if _, err := New(pre, &stubExtractor{}, &scriptedDecoder{}, v, Config{MaxLength: -1}); err == nil {
		t.Fatal("expected error for negative max length")
	}
	g, err := New(pre, &stubExtractor{}, &scriptedDecoder{}, v, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if g.MaxLength() != DefaultMaxLength {
		t.Fatalf("MaxLength = %d, want %d", g.MaxLength(), DefaultMaxLength)
	}
}
