// Package onnx runs the pretrained feature extractor and sequence decoder
// through ONNX Runtime.
//
// Each session binds its input and output tensors once at construction, so
// calls on a single session are serialised with a mutex. Separate sessions
// run independently.
package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

// Runtime owns the process-wide ONNX Runtime environment.
type Runtime struct {
	owned bool
}

// Init initialises the environment, loading the shared library from libPath
// when it is non-empty. If another component already initialised it, the
// returned Runtime does not tear it down on Close.
func Init(libPath string) (*Runtime, error) {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return &Runtime{}, nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}
	return &Runtime{owned: true}, nil
}

func (r *Runtime) Close() error {
	if r == nil || !r.owned {
		return nil
	}
	envMu.Lock()
	defer envMu.Unlock()
	r.owned = false
	return ort.DestroyEnvironment()
}
