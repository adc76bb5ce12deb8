package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glance/internal/api"
	"github.com/samcharles93/glance/internal/inference"
	"github.com/samcharles93/glance/internal/logger"
	"github.com/samcharles93/glance/internal/logits"
)

type captionOptions struct {
	stream bool
	json   bool

	temperature float64
	topK        int
	topP        float64
	seed        int64
}

// selector returns nil (greedy) unless a sampling temperature was given.
func (o captionOptions) selector() logits.Selector {
	if o.temperature <= 0 {
		return nil
	}
	return logits.NewSampler(logits.SamplerConfig{
		Seed:        o.seed,
		Temperature: float32(o.temperature),
		TopK:        o.topK,
		TopP:        float32(o.topP),
	})
}

// captionLine is the --json output for one image.
type captionLine struct {
	Image      string         `json:"image"`
	Caption    string         `json:"caption"`
	Truncated  bool           `json:"truncated"`
	Steps      int            `json:"steps"`
	DurationMS int64          `json:"duration_ms"`
	Info       *api.ImageInfo `json:"info,omitempty"`
	Error      string         `json:"error,omitempty"`
}

func captionCmd() *cli.Command {
	var opts captionOptions

	return &cli.Command{
		Name:      "caption",
		Usage:     "Caption one or more images",
		ArgsUsage: "IMAGE... (use - for stdin)",
		Before:    prepare,
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.BoolFlag{
				Name:        "stream",
				Usage:       "print words as they are decoded",
				Destination: &opts.stream,
			},
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print one JSON object per image",
				Destination: &opts.json,
			},
			&cli.Float64Flag{
				Name:        "temperature",
				Aliases:     []string{"temp"},
				Usage:       "sample words instead of taking the arg-max (0 keeps greedy decoding)",
				Destination: &opts.temperature,
			},
			&cli.IntFlag{
				Name:        "top-k",
				Usage:       "sampling shortlist size",
				Value:       40,
				Destination: &opts.topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Usage:       "sampling nucleus mass",
				Value:       1,
				Destination: &opts.topP,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling seed",
				Value:       1,
				Destination: &opts.seed,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			images := cmd.Args().Slice()
			if len(images) == 0 {
				return fmt.Errorf("at least one image path is required")
			}
			dir, err := resolveModelDir(modelDir)
			if err != nil {
				return err
			}

			loader := modelLoader(log)
			loader.Selector = opts.selector()
			res, err := loader.Load(dir)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Close(); err != nil {
					log.Warn("release model", "error", err)
				}
			}()

			return runCaptions(ctx, res.Generator, images, opts, os.Stdout, log)
		},
	}
}

func modelLoader(log logger.Logger) inference.Loader {
	return inference.Loader{
		MaxLength:     maxLength,
		ImgSize:       imgSize,
		Interpolation: interpolation,
		MaxPixels:     maxPixels,
		Timeout:       timeout,
		OnnxLibrary:   onnxLibrary,
		Logger:        log,
	}
}

// runCaptions captions each image in turn. A failing image is reported and
// the rest still run; the joined errors are returned at the end.
func runCaptions(ctx context.Context, gen api.Captioner, images []string, opts captionOptions, stdout io.Writer, log logger.Logger) error {
	out := bufio.NewWriter(stdout)
	defer out.Flush()

	prefix := len(images) > 1
	var errs []error
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		if err := captionOne(ctx, gen, path, opts, prefix, out, log); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
		if err := out.Flush(); err != nil {
			return err
		}
	}
	return errors.Join(errs...)
}

func captionOne(ctx context.Context, gen api.Captioner, path string, opts captionOptions, prefix bool, out *bufio.Writer, log logger.Logger) error {
	data, err := readImageArg(path)
	if err != nil {
		return writeCaptionFailure(out, path, opts, err)
	}

	streaming := opts.stream && !opts.json
	if streaming && prefix {
		_, _ = fmt.Fprintf(out, "%s: ", path)
	}
	res, err := gen.Generate(ctx, data, func(step int, word string) {
		if !streaming {
			return
		}
		if step > 0 {
			_ = out.WriteByte(' ')
		}
		_, _ = out.WriteString(word)
		_ = out.Flush()
	})
	if err != nil {
		if streaming {
			_ = out.WriteByte('\n')
		}
		return writeCaptionFailure(out, path, opts, err)
	}
	if res.Truncated {
		log.Warn("caption reached max length without an end token", "image", path, "steps", res.Steps)
	}
	log.Debug("captioned", "image", path, "steps", res.Steps, "duration", res.Duration)

	switch {
	case opts.json:
		return writeJSONLine(out, captionLine{
			Image:      path,
			Caption:    res.Caption,
			Truncated:  res.Truncated,
			Steps:      res.Steps,
			DurationMS: res.Duration.Milliseconds(),
			Info: &api.ImageInfo{
				Width:  res.Image.Width,
				Height: res.Image.Height,
				Format: res.Image.Format,
				Bytes:  res.Image.Bytes,
			},
		})
	case streaming:
		_, err = fmt.Fprintln(out)
	case prefix:
		_, err = fmt.Fprintf(out, "%s: %s\n", path, res.Caption)
	default:
		_, err = fmt.Fprintln(out, res.Caption)
	}
	return err
}

// writeCaptionFailure records err in the JSON stream when --json is set and
// returns it so the exit status reflects the failure.
func writeCaptionFailure(out *bufio.Writer, path string, opts captionOptions, err error) error {
	if opts.json {
		if werr := writeJSONLine(out, captionLine{Image: path, Error: err.Error()}); werr != nil {
			return errors.Join(err, werr)
		}
	}
	return err
}

func writeJSONLine(out io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = out.Write(b)
	return err
}
