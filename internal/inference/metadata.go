package inference

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/glance/internal/caption"
	"github.com/samcharles93/glance/internal/imageprep"
	"github.com/samcharles93/glance/internal/onnx"
	"github.com/samcharles93/glance/internal/vocab"
)

// Artifact file names inside a model directory.
const (
	ExtractorFile    = "feature_extractor.onnx"
	DecoderFile      = "decoder.onnx"
	TokenizerFile    = "tokenizer.json"
	MetadataJSONFile = "metadata.json"
	MetadataYAMLFile = "metadata.yaml"
)

// Metadata records the training parameters the models were exported with.
type Metadata struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	ImgSize    int    `json:"img_size" yaml:"img_size"`
	MaxLength  int    `json:"max_length" yaml:"max_length"`
	FeatureDim int    `json:"feature_dim" yaml:"feature_dim"`
	VocabSize  int    `json:"vocab_size" yaml:"vocab_size"`

	Layout        string `json:"layout,omitempty" yaml:"layout,omitempty"`
	SequenceDType string `json:"sequence_dtype,omitempty" yaml:"sequence_dtype,omitempty"`

	StartToken string `json:"start_token,omitempty" yaml:"start_token,omitempty"`
	EndToken   string `json:"end_token,omitempty" yaml:"end_token,omitempty"`

	Extractor TensorNames `json:"extractor" yaml:"extractor"`
	Decoder   TensorNames `json:"decoder" yaml:"decoder"`
}

type TensorNames struct {
	Input         string `json:"input,omitempty" yaml:"input,omitempty"`
	FeatureInput  string `json:"feature_input,omitempty" yaml:"feature_input,omitempty"`
	SequenceInput string `json:"sequence_input,omitempty" yaml:"sequence_input,omitempty"`
	Output        string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Defaults for a Keras InceptionV3/DenseNet + LSTM export via tf2onnx.
const (
	DefaultExtractorInput  = "input_1"
	DefaultExtractorOutput = "output_0"
	DefaultFeatureInput    = "input_2"
	DefaultSequenceInput   = "input_3"
	DefaultDecoderOutput   = "output_0"
)

var errNoMetadata = errors.New("no metadata.json or metadata.yaml")

// ReadMetadata loads metadata.json, falling back to metadata.yaml.
func ReadMetadata(dir string) (Metadata, string, error) {
	for _, name := range []string{MetadataJSONFile, MetadataYAMLFile} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return Metadata{}, path, fmt.Errorf("read metadata: %w", err)
		}
		md, err := ParseMetadata(data, strings.TrimPrefix(filepath.Ext(name), "."))
		if err != nil {
			return Metadata{}, path, fmt.Errorf("parse %s: %w", path, err)
		}
		return md, path, nil
	}
	return Metadata{}, "", fmt.Errorf("%s: %w", dir, errNoMetadata)
}

// ParseMetadata decodes metadata in the given format ("json" or "yaml"),
// fills defaults and validates it.
func ParseMetadata(data []byte, format string) (Metadata, error) {
	var md Metadata
	switch format {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&md); err != nil {
			return Metadata{}, err
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&md); err != nil {
			return Metadata{}, err
		}
	default:
		return Metadata{}, fmt.Errorf("unknown metadata format %q", format)
	}
	md.applyDefaults()
	return md, md.Validate()
}

func (m *Metadata) applyDefaults() {
	if m.MaxLength == 0 {
		m.MaxLength = caption.DefaultMaxLength
	}
	if m.ImgSize == 0 {
		m.ImgSize = imageprep.DefaultSize
	}
	if m.Layout == "" {
		m.Layout = onnx.LayoutNHWC
	}
	if m.SequenceDType == "" {
		m.SequenceDType = onnx.DTypeFloat32
	}
	if m.StartToken == "" {
		m.StartToken = vocab.DefaultStartToken
	}
	if m.EndToken == "" {
		m.EndToken = vocab.DefaultEndToken
	}
	if m.Extractor.Input == "" {
		m.Extractor.Input = DefaultExtractorInput
	}
	if m.Extractor.Output == "" {
		m.Extractor.Output = DefaultExtractorOutput
	}
	if m.Decoder.FeatureInput == "" {
		m.Decoder.FeatureInput = DefaultFeatureInput
	}
	if m.Decoder.SequenceInput == "" {
		m.Decoder.SequenceInput = DefaultSequenceInput
	}
	if m.Decoder.Output == "" {
		m.Decoder.Output = DefaultDecoderOutput
	}
}

func (m Metadata) Validate() error {
	var errs []error
	if m.ImgSize <= 0 {
		errs = append(errs, fmt.Errorf("img_size must be positive, got %d", m.ImgSize))
	}
	if m.MaxLength <= 0 {
		errs = append(errs, fmt.Errorf("max_length must be positive, got %d", m.MaxLength))
	}
	if m.FeatureDim <= 0 {
		errs = append(errs, fmt.Errorf("feature_dim must be positive, got %d", m.FeatureDim))
	}
	if m.VocabSize <= 0 {
		errs = append(errs, fmt.Errorf("vocab_size must be positive, got %d", m.VocabSize))
	}
	switch m.Layout {
	case onnx.LayoutNHWC, onnx.LayoutNCHW:
	default:
		errs = append(errs, fmt.Errorf("unknown layout %q", m.Layout))
	}
	switch m.SequenceDType {
	case onnx.DTypeFloat32, onnx.DTypeInt64, onnx.DTypeInt32:
	default:
		errs = append(errs, fmt.Errorf("unknown sequence_dtype %q", m.SequenceDType))
	}
	if m.StartToken == m.EndToken {
		errs = append(errs, fmt.Errorf("start and end tokens must differ, both are %q", m.StartToken))
	}
	return errors.Join(errs...)
}
