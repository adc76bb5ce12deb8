package vocab

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

type tokenizerConfig struct {
	WordIndex map[string]int
	IndexWord map[int]string
	NumWords  int
	Lower     bool
	Split     string
	Filters   string
	OOVToken  string
}

// kerasDocument is the shape written by Tokenizer.to_json(). The index maps
// are themselves JSON documents encoded as strings.
type kerasDocument struct {
	ClassName string `json:"class_name"`
	Config    struct {
		NumWords  *int            `json:"num_words"`
		Filters   *string         `json:"filters"`
		Lower     *bool           `json:"lower"`
		Split     *string         `json:"split"`
		CharLevel bool            `json:"char_level"`
		OOVToken  *string         `json:"oov_token"`
		WordIndex json.RawMessage `json:"word_index"`
		IndexWord json.RawMessage `json:"index_word"`
	} `json:"config"`
}

// plainDocument is the minimal export format.
type plainDocument struct {
	WordIndex map[string]int `json:"word_index"`
	Lower     *bool          `json:"lower"`
	Split     *string        `json:"split"`
	Filters   *string        `json:"filters"`
	OOVToken  *string        `json:"oov_token"`
	NumWords  *int           `json:"num_words"`
}

// Parse decodes a tokenizer artifact. Two layouts are accepted: the Keras
// Tokenizer.to_json() document and a plain {"word_index": {...}} object.
func Parse(data []byte, opts Options) (*Vocabulary, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("vocab: empty tokenizer document")
	}

	var probe struct {
		ClassName string          `json:"class_name"`
		Config    json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("vocab: parse tokenizer json: %w", err)
	}
	if probe.ClassName != "" || len(probe.Config) > 0 {
		cfg, err := parseKeras(data)
		if err != nil {
			return nil, err
		}
		return build(cfg, opts)
	}

	var doc plainDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("vocab: parse tokenizer json: %w", err)
	}
	cfg := tokenizerConfig{
		WordIndex: doc.WordIndex,
		Lower:     boolOr(doc.Lower, true),
		Split:     stringOr(doc.Split, " "),
		Filters:   stringOr(doc.Filters, DefaultFilters),
		OOVToken:  stringOr(doc.OOVToken, ""),
		NumWords:  intOr(doc.NumWords, 0),
	}
	return build(cfg, opts)
}

func parseKeras(data []byte) (tokenizerConfig, error) {
	var doc kerasDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return tokenizerConfig{}, fmt.Errorf("vocab: parse keras tokenizer: %w", err)
	}
	if doc.ClassName != "" && doc.ClassName != "Tokenizer" {
		return tokenizerConfig{}, fmt.Errorf("vocab: unsupported tokenizer class %q", doc.ClassName)
	}
	if doc.Config.CharLevel {
		return tokenizerConfig{}, errors.New("vocab: character-level tokenizers are not supported")
	}

	cfg := tokenizerConfig{
		Lower:    boolOr(doc.Config.Lower, true),
		Split:    stringOr(doc.Config.Split, " "),
		Filters:  stringOr(doc.Config.Filters, DefaultFilters),
		OOVToken: stringOr(doc.Config.OOVToken, ""),
		NumWords: intOr(doc.Config.NumWords, 0),
	}
	if err := decodeNested(doc.Config.WordIndex, &cfg.WordIndex); err != nil {
		return tokenizerConfig{}, fmt.Errorf("vocab: word_index: %w", err)
	}

	var rawIndexWord map[string]string
	if err := decodeNested(doc.Config.IndexWord, &rawIndexWord); err != nil {
		return tokenizerConfig{}, fmt.Errorf("vocab: index_word: %w", err)
	}
	if len(rawIndexWord) > 0 {
		cfg.IndexWord = make(map[int]string, len(rawIndexWord))
		for k, w := range rawIndexWord {
			i, err := strconv.Atoi(k)
			if err != nil {
				return tokenizerConfig{}, fmt.Errorf("vocab: index_word key %q: %w", k, err)
			}
			cfg.IndexWord[i] = w
		}
	}
	return cfg, nil
}

// decodeNested unmarshals raw into out, first unwrapping one level of string
// encoding when raw is a JSON string.
func decodeNested(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return err
		}
		raw = []byte(inner)
	}
	return json.Unmarshal(raw, out)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
