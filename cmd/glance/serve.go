package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/glance/internal/api"
	"github.com/samcharles93/glance/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		maxUpload   int64
	)

	return &cli.Command{
		Name:   "serve",
		Usage:  "Serve the caption REST API",
		Before: prepare,
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "max-upload-bytes",
				Usage:       "maximum uploaded image size",
				Value:       api.DefaultMaxUploadBytes,
				Destination: &maxUpload,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, loadedConfig, &addr, &maxUpload)

			dir, err := resolveModelDir(modelDir)
			if err != nil {
				return err
			}
			res, err := modelLoader(log).Load(dir)
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Close(); err != nil {
					log.Warn("release model", "error", err)
				}
			}()

			md := res.Metadata
			server := api.NewServer(api.Config{
				Captioner: res.Generator,
				Model: api.ModelInfo{
					Name:          md.Name,
					ImgSize:       md.ImgSize,
					MaxLength:     md.MaxLength,
					FeatureDim:    md.FeatureDim,
					VocabSize:     md.VocabSize,
					Words:         res.Vocab.Len(),
					Layout:        md.Layout,
					Interpolation: interpolation,
					StartToken:    md.StartToken,
					EndToken:      md.EndToken,
				},
				MaxUploadBytes: maxUpload,
				Logger:         log.With("component", "api"),
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model_dir", dir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
