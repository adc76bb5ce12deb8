package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glance/internal/inference"
	"github.com/samcharles93/glance/internal/vocab"
)

type inspectReport struct {
	Dir      string             `json:"dir"`
	Metadata inference.Metadata `json:"metadata"`
	Words    int                `json:"words"`
	OOVIndex int                `json:"oov_index,omitempty"`
	Files    map[string]int64   `json:"files"`
	Vocab    []string           `json:"vocab,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		showVocab  int
		jsonOutput bool
	)

	return &cli.Command{
		Name:   "inspect",
		Usage:  "Print model metadata and vocabulary statistics",
		Before: prepare,
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.IntFlag{
				Name:        "vocab",
				Usage:       "print the first N vocabulary entries by index",
				Destination: &showVocab,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the report as JSON",
				Destination: &jsonOutput,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dir, err := resolveModelDir(modelDir)
			if err != nil {
				return err
			}
			loader := inference.Loader{MaxLength: maxLength, ImgSize: imgSize}
			md, voc, err := loader.Inspect(dir)
			if err != nil {
				return err
			}
			report := buildInspectReport(dir, md, voc, showVocab)
			if jsonOutput {
				return writeJSONLine(os.Stdout, report)
			}
			return printInspectReport(os.Stdout, report)
		},
	}
}

func buildInspectReport(dir string, md inference.Metadata, voc *vocab.Vocabulary, vocabLimit int) inspectReport {
	report := inspectReport{
		Dir:      dir,
		Metadata: md,
		Words:    voc.Len(),
		OOVIndex: voc.OOVIndex(),
		Files:    make(map[string]int64),
	}
	for _, name := range []string{inference.ExtractorFile, inference.DecoderFile, inference.TokenizerFile, inference.MetadataJSONFile, inference.MetadataYAMLFile} {
		if st, err := os.Stat(filepath.Join(dir, name)); err == nil {
			report.Files[name] = st.Size()
		}
	}
	for i := 1; i < voc.Size() && len(report.Vocab) < vocabLimit; i++ {
		if w, ok := voc.Word(i); ok {
			report.Vocab = append(report.Vocab, fmt.Sprintf("%d\t%s", i, w))
		}
	}
	return report
}

func printInspectReport(w io.Writer, r inspectReport) error {
	md := r.Metadata
	lines := [][2]string{
		{"dir", r.Dir},
		{"name", md.Name},
		{"img_size", fmt.Sprint(md.ImgSize)},
		{"max_length", fmt.Sprint(md.MaxLength)},
		{"feature_dim", fmt.Sprint(md.FeatureDim)},
		{"vocab_size", fmt.Sprint(md.VocabSize)},
		{"words", fmt.Sprint(r.Words)},
		{"layout", md.Layout},
		{"sequence_dtype", md.SequenceDType},
		{"sentinels", md.StartToken + " / " + md.EndToken},
		{"extractor", md.Extractor.Input + " -> " + md.Extractor.Output},
		{"decoder", md.Decoder.FeatureInput + ", " + md.Decoder.SequenceInput + " -> " + md.Decoder.Output},
	}
	if r.OOVIndex > 0 {
		lines = append(lines, [2]string{"oov_index", fmt.Sprint(r.OOVIndex)})
	}
	for _, l := range lines {
		if l[1] == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "%-15s %s\n", l[0]+":", l[1]); err != nil {
			return err
		}
	}
	for _, name := range []string{inference.ExtractorFile, inference.DecoderFile, inference.TokenizerFile} {
		size, ok := r.Files[name]
		if !ok {
			_, _ = fmt.Fprintf(w, "%-15s missing\n", name+":")
			continue
		}
		_, _ = fmt.Fprintf(w, "%-15s %d bytes\n", name+":", size)
	}
	if len(r.Vocab) > 0 {
		_, _ = fmt.Fprintln(w, "vocab:")
		for _, v := range r.Vocab {
			_, _ = fmt.Fprintf(w, "  %s\n", v)
		}
	}
	return nil
}
