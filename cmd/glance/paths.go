package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	envGlanceModelDir = "GLANCE_MODEL_DIR"
	envOnnxLibrary    = "ONNXRUNTIME_LIB"
)

// resolveModelDir picks the model directory from the flag (already merged
// with the config file) or GLANCE_MODEL_DIR, and checks it is a directory.
func resolveModelDir(dir string) (string, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envGlanceModelDir))
	}
	if dir == "" {
		return "", fmt.Errorf("--model-dir is required unless model_dir is configured or %s is set", envGlanceModelDir)
	}
	dir = filepath.Clean(dir)
	st, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("model path is not a directory: %s", dir)
	}
	return dir, nil
}

// readImageArg reads an image from a path, or stdin for "-".
func readImageArg(arg string) ([]byte, error) {
	if arg == "-" {
		return readAllStdin()
	}
	return os.ReadFile(arg)
}

// readAllStdin is a small seam for tests.
var readAllStdin = func() ([]byte, error) {
	return io.ReadAll(os.Stdin)
}
