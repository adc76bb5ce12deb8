package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the glance configuration file (~/.config/glance/config.yaml).
// Numeric fields are pointers so we can distinguish "not set" from zero values.
type Config struct {
	ModelDir      string         `yaml:"model_dir"`
	MaxLength     *int           `yaml:"max_length"`
	ImgSize       *int           `yaml:"img_size"`
	Interpolation string         `yaml:"interpolation"`
	MaxPixels     *int           `yaml:"max_pixels"`
	Timeout       *time.Duration `yaml:"timeout"`
	OnnxLibrary   string         `yaml:"onnx_library"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress  string `yaml:"server_address"`
	MaxUploadBytes *int64 `yaml:"max_upload_bytes"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "glance", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
	}
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model-dir") {
		modelDir = cfg.ModelDir
	}
	if cfg.MaxLength != nil && !c.IsSet("max-length") {
		maxLength = *cfg.MaxLength
	}
	if cfg.ImgSize != nil && !c.IsSet("img-size") {
		imgSize = *cfg.ImgSize
	}
	if cfg.Interpolation != "" && !c.IsSet("interpolation") {
		interpolation = cfg.Interpolation
	}
	if cfg.MaxPixels != nil && !c.IsSet("max-pixels") {
		maxPixels = *cfg.MaxPixels
	}
	if cfg.Timeout != nil && !c.IsSet("timeout") {
		timeout = *cfg.Timeout
	}
	if cfg.OnnxLibrary != "" && !c.IsSet("onnx-library") {
		onnxLibrary = cfg.OnnxLibrary
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string, maxUpload *int64) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.MaxUploadBytes != nil && !c.IsSet("max-upload-bytes") {
		*maxUpload = *cfg.MaxUploadBytes
	}
}
