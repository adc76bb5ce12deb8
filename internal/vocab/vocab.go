// Package vocab holds the word↔index mapping the caption decoder was trained
// with. A Vocabulary is immutable once loaded and safe for concurrent reads.
package vocab

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

const (
	DefaultStartToken = "startseq"
	DefaultEndToken   = "endseq"

	// DefaultFilters is the character set stripped from text before
	// splitting into words.
	DefaultFilters = "!\"#$%&()*+,-./:;<=>?@[\\]^_`{|}~\t\n"

	// PadIndex is the reserved padding index; it never maps to a word.
	PadIndex = 0
)

var ErrMissingSentinel = errors.New("vocab: sentinel token not in vocabulary")

type Vocabulary struct {
	wordIndex map[string]int
	indexWord map[int]string

	lower    bool
	split    string
	filters  *strings.Replacer
	numWords int
	oovIndex int

	start string
	end   string
	size  int
}

// Options adjust how an artifact is interpreted. Zero values select the
// defaults used at training time.
type Options struct {
	StartToken string
	EndToken   string
}

func (o Options) withDefaults() Options {
	if o.StartToken == "" {
		o.StartToken = DefaultStartToken
	}
	if o.EndToken == "" {
		o.EndToken = DefaultEndToken
	}
	return o
}

// Load reads a tokenizer artifact from disk. See Parse for accepted formats.
func Load(path string, opts Options) (*Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	v, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// New builds a vocabulary directly from a word index using default text
// handling. Mostly useful in tests and tools.
func New(wordIndex map[string]int, opts Options) (*Vocabulary, error) {
	return build(tokenizerConfig{
		WordIndex: wordIndex,
		Lower:     true,
		Split:     " ",
		Filters:   DefaultFilters,
	}, opts)
}

func build(cfg tokenizerConfig, opts Options) (*Vocabulary, error) {
	opts = opts.withDefaults()
	if len(cfg.WordIndex) == 0 && len(cfg.IndexWord) == 0 {
		return nil, errors.New("vocab: empty word index")
	}

	v := &Vocabulary{
		wordIndex: make(map[string]int, len(cfg.WordIndex)),
		indexWord: make(map[int]string, len(cfg.WordIndex)),
		lower:     cfg.Lower,
		split:     cfg.Split,
		numWords:  cfg.NumWords,
		start:     opts.StartToken,
		end:       opts.EndToken,
	}
	if v.split == "" {
		v.split = " "
	}
	if cfg.Filters != "" {
		pairs := make([]string, 0, 2*len(cfg.Filters))
		for _, r := range cfg.Filters {
			pairs = append(pairs, string(r), v.split)
		}
		v.filters = strings.NewReplacer(pairs...)
	}

	for w, i := range cfg.WordIndex {
		if i <= PadIndex {
			return nil, fmt.Errorf("vocab: word %q has reserved index %d", w, i)
		}
		v.wordIndex[w] = i
		v.indexWord[i] = w
		v.size = max(v.size, i+1)
	}
	// index_word is authoritative for decoding when the artifact carries it.
	for i, w := range cfg.IndexWord {
		if i <= PadIndex {
			continue
		}
		v.indexWord[i] = w
		if _, ok := v.wordIndex[w]; !ok {
			v.wordIndex[w] = i
		}
		v.size = max(v.size, i+1)
	}

	if cfg.OOVToken != "" {
		idx, ok := v.wordIndex[cfg.OOVToken]
		if !ok {
			return nil, fmt.Errorf("vocab: oov token %q not in vocabulary", cfg.OOVToken)
		}
		v.oovIndex = idx
	}
	for _, s := range []string{v.start, v.end} {
		if _, ok := v.wordIndex[s]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingSentinel, s)
		}
	}
	return v, nil
}

// Index returns the index of word, or false when the word is unknown.
func (v *Vocabulary) Index(word string) (int, bool) {
	i, ok := v.wordIndex[word]
	return i, ok
}

// Word returns the word for index, or false for the padding index and any
// index without a mapping.
func (v *Vocabulary) Word(index int) (string, bool) {
	if index == PadIndex {
		return "", false
	}
	w, ok := v.indexWord[index]
	return w, ok
}

// Encode converts text into indices. Words without an index are dropped
// unless the artifact declared an out-of-vocabulary token, in which case
// they map to its index. With a word limit, indices at or above the limit
// are treated the same way.
func (v *Vocabulary) Encode(text string) []int {
	words := v.words(text)
	ids := make([]int, 0, len(words))
	for _, w := range words {
		i, ok := v.wordIndex[w]
		switch {
		case ok && (v.numWords == 0 || i < v.numWords):
			ids = append(ids, i)
		case v.oovIndex != 0:
			ids = append(ids, v.oovIndex)
		}
	}
	return ids
}

func (v *Vocabulary) words(text string) []string {
	if v.lower {
		text = strings.ToLower(text)
	}
	if v.filters != nil {
		text = v.filters.Replace(text)
	}
	parts := strings.Split(text, v.split)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Size is the length of the decoder's output distribution: the highest
// index plus one for padding.
func (v *Vocabulary) Size() int { return v.size }

// Len is the number of distinct words.
func (v *Vocabulary) Len() int { return len(v.wordIndex) }

func (v *Vocabulary) StartToken() string { return v.start }
func (v *Vocabulary) EndToken() string   { return v.end }

// OOVIndex returns the out-of-vocabulary index, or 0 when unknown words are
// dropped.
func (v *Vocabulary) OOVIndex() int { return v.oovIndex }

// Pad left-pads ids with PadIndex to exactly maxLen entries. Longer inputs
// keep their last maxLen ids.
func Pad(ids []int, maxLen int) []int {
	out := make([]int, maxLen)
	if len(ids) >= maxLen {
		copy(out, ids[len(ids)-maxLen:])
		return out
	}
	copy(out[maxLen-len(ids):], ids)
	return out
}
