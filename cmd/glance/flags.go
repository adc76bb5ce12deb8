package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glance/internal/imageprep"
)

var (
	modelDir      string
	maxLength     int
	imgSize       int
	interpolation string
	maxPixels     int
	timeout       time.Duration
	onnxLibrary   string
	configFile    string
	logLevel      string
	logFormat     string
	debug         bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-dir",
			Aliases:     []string{"m"},
			Usage:       "directory with feature_extractor.onnx, decoder.onnx, tokenizer.json and metadata.json",
			Destination: &modelDir,
		},
		&cli.IntFlag{
			Name:        "max-length",
			Usage:       "maximum caption length in words (0 uses the model metadata)",
			Destination: &maxLength,
		},
		&cli.IntFlag{
			Name:        "img-size",
			Usage:       "square input size in pixels (0 uses the model metadata)",
			Destination: &imgSize,
		},
		&cli.StringFlag{
			Name:        "interpolation",
			Usage:       "resize filter (nearest, bilinear, bicubic, lanczos3)",
			Value:       imageprep.Nearest,
			Destination: &interpolation,
		},
		&cli.IntFlag{
			Name:        "max-pixels",
			Usage:       "reject images whose width*height exceeds this before decoding",
			Value:       imageprep.DefaultMaxPixels,
			Destination: &maxPixels,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "wall-clock limit per caption (0 disables)",
			Value:       30 * time.Second,
			Destination: &timeout,
		},
		&cli.StringFlag{
			Name:        "onnx-library",
			Usage:       "path to the ONNX Runtime shared library",
			Sources:     cli.EnvVars(envOnnxLibrary),
			Destination: &onnxLibrary,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
